// Package link keeps an outbound inter-server connection open. A reactor
// timer reconnects whenever the link is down; a connected link is a server
// session with enlarged buffers, parsed by a protocol.Dispatcher.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/config"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/protocol"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/timer"
)

const (
	minReconnectInterval = 1000
	resolveTimeout       = 5 * time.Second
)

// ErrNoAddress is returned when the upstream has no address configured.
var ErrNoAddress = errors.New("upstream address is not configured")

// Status describes the link for monitoring. Safe to read from any
// goroutine.
type Status struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Connected   bool      `json:"connected"`
	FD          int       `json:"fd"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Keeper reconnects an upstream link. Everything except Status runs on the
// reactor goroutine.
type Keeper struct {
	name     string
	host     string
	port     uint16
	interval int64
	ping     int64

	core       *socket.Core
	timers     *timer.Manager
	dispatcher *protocol.Dispatcher
	emitter    socket.Emitter

	// OnConnect runs right after the link is established, typically to
	// queue a handshake. The default asks for the peer version.
	OnConnect func(c *socket.Core, fd int)

	fd        int
	sessionID uuid.UUID
	attempts  int
	connectID int
	pingID    int

	mu     sync.RWMutex
	status Status

	logger zerolog.Logger
}

// New creates a keeper for cfg. The dispatcher is installed on every new
// connection and its disconnect hook is chained.
func New(core *socket.Core, timers *timer.Manager, cfg config.UpstreamConfig, d *protocol.Dispatcher, emitter socket.Emitter) (*Keeper, error) {
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	host, portStr, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream address %q: %w", cfg.Address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid upstream port %q", portStr)
	}

	name := cfg.Name
	if name == "" {
		name = "upstream"
	}
	interval := max(cfg.ReconnectInterval, minReconnectInterval)

	k := &Keeper{
		name:       name,
		host:       host,
		port:       uint16(port),
		interval:   interval,
		ping:       cfg.PingInterval,
		core:       core,
		timers:     timers,
		dispatcher: d,
		emitter:    emitter,
		fd:         -1,
		status:     Status{Name: name, Address: cfg.Address, FD: -1},
		logger:     log.With().Str("component", "link").Str("link", name).Logger(),
	}
	k.OnConnect = func(c *socket.Core, fd int) {
		_ = protocol.SendVersionReq(c, fd)
	}

	prev := d.OnDisconnect
	d.OnDisconnect = func(c *socket.Core, fd int) {
		if fd == k.fd {
			k.down()
		}
		if prev != nil {
			prev(c, fd)
		}
	}
	return k, nil
}

// Start registers the reconnect timer, first run on the next timer pass,
// and the keepalive timer when a ping interval is set.
func (k *Keeper) Start() {
	now := k.timers.Gettick()
	k.connectID = k.timers.AddIntervalNamed("link_check_connect", now, k.checkConnect, 0, nil, k.interval)
	if k.ping > 0 {
		k.pingID = k.timers.AddIntervalNamed("link_keepalive", now+k.ping, k.keepalive, 0, nil, k.ping)
	}
	k.logger.Info().
		Str("address", k.status.Address).
		Int64("reconnect_ms", k.interval).
		Int64("ping_ms", k.ping).
		Msg("link keeper started")
}

// Stop removes the timers and closes the link.
func (k *Keeper) Stop() {
	if k.connectID != 0 {
		_ = k.timers.Delete(k.connectID, nil)
		k.connectID = 0
	}
	if k.pingID != 0 {
		_ = k.timers.Delete(k.pingID, nil)
		k.pingID = 0
	}
	if k.fd > 0 {
		fd, owned := k.fd, k.owned()
		k.down()
		if owned {
			k.core.Close(fd)
		}
	}
}

// FD returns the link descriptor, -1 while down.
func (k *Keeper) FD() int { return k.fd }

// Connected reports whether the link session is alive.
func (k *Keeper) Connected() bool {
	return k.owned() && k.core.IsActive(k.fd)
}

// owned reports whether the session at k.fd is still the one the keeper
// opened, not a later session that reused the descriptor.
func (k *Keeper) owned() bool {
	if k.fd <= 0 {
		return false
	}
	s := k.core.Session(k.fd)
	return s != nil && s.ID == k.sessionID
}

// Status returns the last published link state.
func (k *Keeper) Status() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status
}

func (k *Keeper) checkConnect(tid int, tick int64, id int, data any) int {
	if k.fd > 0 {
		if k.owned() {
			return 0
		}
		// closed without passing through the dispatcher
		k.down()
	}
	if err := k.connect(); err != nil {
		k.setStatus(func(s *Status) { s.LastError = err.Error() })
		k.logger.Warn().Err(err).Int("attempt", k.attempts).Msg("link connect failed, will retry")
	}
	return 0
}

func (k *Keeper) connect() error {
	k.attempts++
	k.setStatus(func(s *Status) { s.Attempts = k.attempts })

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	ip := socket.Host2IP(ctx, k.host)
	cancel()
	if ip == 0 {
		return fmt.Errorf("cannot resolve %s", k.host)
	}

	fd, err := k.core.Connect(ip, k.port, &socket.ConnectOptions{
		SetTimeout: true,
		Silent:     k.attempts > 1,
	})
	if err != nil {
		return err
	}

	s := k.core.Session(fd)
	s.Flag.Server = true
	s.SetHandler(k.dispatcher.Handler())
	k.core.ReallocFIFO(fd, socket.FIFOSizeServerLink, socket.FIFOSizeServerLink)

	k.fd = fd
	k.sessionID = s.ID
	k.attempts = 0
	k.setStatus(func(st *Status) {
		st.Connected = true
		st.FD = fd
		st.Attempts = 0
		st.LastError = ""
		st.ConnectedAt = time.Now()
	})
	k.logger.Info().
		Int("fd", fd).
		Str("ip", access.IP2Str(ip)).
		Uint16("port", k.port).
		Msg("link established")
	k.emit(events.EventLinkUp, events.LinkPayload{Name: k.name, Address: k.status.Address, FD: fd})

	if k.OnConnect != nil {
		k.OnConnect(k.core, fd)
	}
	return nil
}

func (k *Keeper) keepalive(tid int, tick int64, id int, data any) int {
	if !k.Connected() {
		return 0
	}
	if err := protocol.SendKeepalive(k.core, k.fd); err != nil {
		k.logger.Warn().Err(err).Msg("failed to queue keepalive")
	}
	return 0
}

func (k *Keeper) down() {
	fd := k.fd
	k.fd = -1
	k.sessionID = uuid.Nil
	k.setStatus(func(s *Status) {
		s.Connected = false
		s.FD = -1
	})
	k.logger.Warn().Int("fd", fd).Msg("link lost")
	k.emit(events.EventLinkDown, events.LinkPayload{Name: k.name, Address: k.status.Address, FD: fd})
}

func (k *Keeper) setStatus(fn func(*Status)) {
	k.mu.Lock()
	fn(&k.status)
	k.mu.Unlock()
}

func (k *Keeper) emit(t events.EventType, payload any) {
	if k.emitter == nil {
		return
	}
	k.emitter.Emit(context.Background(), events.Event{Type: t, Source: "link", Payload: payload})
}
