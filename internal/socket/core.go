// Package socket implements the single-threaded session reactor: the
// session table, the per-session read/write FIFOs, the poll loop and the
// connection lifecycle including inbound access screening.
//
// All methods of Core must be called from the goroutine that runs Perform,
// except Post and Snapshot which are safe from any goroutine.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/timer"
)

var (
	// ErrHandleReserved is returned when the OS hands out descriptor 0.
	ErrHandleReserved = errors.New("socket #0 is reserved")
	// ErrHandleRange is returned for descriptors beyond the table capacity.
	ErrHandleRange = errors.New("socket number exceeds session table capacity")
	// ErrSessionExists is returned when creating over an occupied slot.
	ErrSessionExists = errors.New("session slot already in use")
	// ErrInvalidSession is returned for operations on an empty slot.
	ErrInvalidSession = errors.New("invalid session")
	// ErrPacketTooLarge is returned by Set for packets above MaxPacketLen.
	ErrPacketTooLarge = errors.New("packet too large")
	// ErrWriteOverflow is returned by Set when the caller wrote past the
	// write buffer. It indicates a missing Reserve.
	ErrWriteOverflow = errors.New("write buffer overflow")
	// ErrPollFailed wraps a poll error other than an interruption.
	ErrPollFailed = errors.New("poll failed")
)

// Defaults for Options.
const (
	DefaultStallTime       = 60
	MinStallTime           = 3
	DefaultMaxClientPacket = MaxPacketLen
	mailboxSize            = 256
)

// Options configures a Core.
type Options struct {
	// StallTime is the idle time in seconds after which a client is dropped
	// and a server link is pinged.
	StallTime int64
	// Poller selects the readiness backend, "epoll" or "select".
	Poller         string
	EpollMaxEvents int
	// MaxClientPacket caps single packets sent to non server sessions.
	MaxClientPacket int
	// MaxConnections caps the session table below the descriptor limit.
	// Zero means the descriptor limit.
	MaxConnections int
	// SendShortlist restricts send passes to sessions with pending work.
	SendShortlist bool
	// AccessDebug logs every access decision.
	AccessDebug bool
	// ShowStats logs I/O throughput once per second.
	ShowStats bool
	// IPRules enables ACL and connection-rate screening of inbound peers.
	IPRules bool
	ACL     *access.ACL
	DDoS    access.DDoSConfig
	Network *access.NetConfig
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		StallTime:       DefaultStallTime,
		Poller:          PollerEpoll,
		EpollMaxEvents:  fdSetSize / 2,
		MaxClientPacket: DefaultMaxClientPacket,
		SendShortlist:   true,
		IPRules:         true,
		ACL:             access.NewACL(),
		DDoS:            access.DefaultDDoSConfig(),
		Network:         &access.NetConfig{},
	}
}

// Emitter receives core events. *events.EventBus satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event events.Event)
}

// Option customizes New.
type Option func(*Core)

// WithPoller injects a readiness backend instead of creating one from
// Options.Poller.
func WithPoller(p Poller) Option {
	return func(c *Core) { c.poller = p }
}

// WithEmitter publishes session and access events to e.
func WithEmitter(e Emitter) Option {
	return func(c *Core) { c.emitter = e }
}

// WithClock replaces the wall clock used for stall detection.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// Core owns the session table and everything the reactor touches.
type Core struct {
	opts     Options
	session  []*Session
	fdMax    int
	capacity int
	lastTick int64

	poller    Poller
	timers    *timer.Manager
	acl       *access.ACL
	history   *access.History
	netconf   *access.NetConfig
	shortlist *shortlist

	defaultParse ParseFunc
	addrs        []uint32
	now          func() time.Time
	emitter      Emitter
	mailbox      chan func(*Core)

	stats    ioStats
	snapMu   sync.RWMutex
	snapshot Snapshot

	sweepTID int
	statsTID int

	logger zerolog.Logger
}

// New initializes the reactor: raises the descriptor limit, creates the
// poller, the vacuum session 0 and the periodic timers.
func New(opts Options, timers *timer.Manager, options ...Option) (*Core, error) {
	if opts.StallTime == 0 {
		opts.StallTime = DefaultStallTime
	}
	if opts.StallTime < MinStallTime {
		opts.StallTime = MinStallTime
	}
	if opts.MaxClientPacket <= 0 {
		opts.MaxClientPacket = DefaultMaxClientPacket
	}
	if opts.EpollMaxEvents < MinEpollEvents {
		opts.EpollMaxEvents = MinEpollEvents
	}
	if opts.ACL == nil {
		opts.ACL = access.NewACL()
	}
	if opts.Network == nil {
		opts.Network = &access.NetConfig{}
	}
	opts.ACL.Debug = opts.AccessDebug

	c := &Core{
		opts:    opts,
		timers:  timers,
		acl:     opts.ACL,
		netconf: opts.Network,
		now:     time.Now,
		mailbox: make(chan func(*Core), mailboxSize),
		logger:  log.With().Str("component", "socket").Logger(),
	}
	for _, o := range options {
		o(c)
	}

	if c.poller == nil {
		p, err := NewPoller(opts.Poller, opts.EpollMaxEvents)
		if err != nil {
			return nil, err
		}
		c.poller = p
	}

	want := uint64(c.poller.MaxFD())
	if opts.MaxConnections > 0 {
		want = uint64(opts.MaxConnections)
	}
	c.capacity = raiseNofile(c.logger, want)
	if m := c.poller.MaxFD(); m > 0 {
		c.capacity = min(c.capacity, m)
	}
	if opts.MaxConnections > 0 {
		c.capacity = min(c.capacity, opts.MaxConnections)
	}

	c.session = make([]*Session, c.capacity)
	if opts.SendShortlist {
		c.shortlist = newShortlist(c.capacity)
	}
	c.lastTick = c.now().Unix()

	c.history = access.NewHistory(opts.DDoS)
	c.history.Debug = opts.AccessDebug
	c.history.OnDetect(func(ip uint32, count int) {
		c.emit(events.EventDDoSDetected, events.DDoSPayload{
			IP:    access.IP2Str(ip),
			Count: count,
		})
	})

	// session 0 absorbs writes aimed at disconnected players; it is never
	// polled or flushed
	c.session[0] = newSession(0, nullHandler{}, 0, c.now())

	c.addrs = GetIPs(16)

	if timers != nil {
		c.sweepTID = timers.AddIntervalNamed("connect_check_clear", timers.Gettick()+1000,
			c.connectCheckClear, 0, nil, access.SweepInterval)
		c.statsTID = timers.AddIntervalNamed("socket_stats", timers.Gettick()+1000,
			c.statsTimer, 0, nil, 1000)
	}

	c.logger.Info().
		Str("poller", c.poller.Name()).
		Int("max_events", opts.EpollMaxEvents).
		Int("capacity", c.capacity).
		Int64("stall_time", opts.StallTime).
		Bool("ip_rules", opts.IPRules).
		Msg("socket core initialized")
	return c, nil
}

// Final closes every session and releases the poller.
func (c *Core) Final() {
	for fd := 1; fd < c.fdMax; fd++ {
		if c.session[fd] != nil {
			c.Close(fd)
		}
	}
	if c.timers != nil {
		_ = c.timers.Delete(c.sweepTID, nil)
		_ = c.timers.Delete(c.statsTID, nil)
	}
	if s := c.session[0]; s != nil {
		s.release()
		c.session[0] = nil
	}
	if err := c.poller.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close poller")
	}
	c.publishSnapshot()
	c.logger.Info().Msg("socket core finalized")
}

// Capacity returns the size of the session table.
func (c *Core) Capacity() int { return c.capacity }

// FDMax returns one past the highest descriptor ever used.
func (c *Core) FDMax() int { return c.fdMax }

// LastTick is the wall clock second of the last poll.
func (c *Core) LastTick() int64 { return c.lastTick }

// StallTime returns the effective stall threshold in seconds.
func (c *Core) StallTime() int64 { return c.opts.StallTime }

// Poller returns the readiness backend in use.
func (c *Core) Poller() Poller { return c.poller }

// History exposes the connection-rate records.
func (c *Core) History() *access.History { return c.history }

// ACL returns the active access list.
func (c *Core) ACL() *access.ACL { return c.acl }

// SetACL replaces the access list, for configuration reloads.
func (c *Core) SetACL(acl *access.ACL) {
	acl.Debug = c.opts.AccessDebug
	c.acl = acl
}

// Network returns the inter-server network lists.
func (c *Core) Network() *access.NetConfig { return c.netconf }

// SetNetwork replaces the inter-server network lists.
func (c *Core) SetNetwork(n *access.NetConfig) { c.netconf = n }

// LocalIPs returns the host addresses found at start.
func (c *Core) LocalIPs() []uint32 { return c.addrs }

// SetDefaultParse sets the parse function of accepted and connected
// sessions.
func (c *Core) SetDefaultParse(fn ParseFunc) { c.defaultParse = fn }

// Session returns the slot for fd, including the vacuum session 0, or nil.
func (c *Core) Session(fd int) *Session {
	if fd < 0 || fd >= c.capacity {
		return nil
	}
	return c.session[fd]
}

// IsValid reports whether fd is a live peer session.
func (c *Core) IsValid(fd int) bool {
	return fd > 0 && fd < c.capacity && c.session[fd] != nil
}

// IsActive reports whether fd is valid and not pending close.
func (c *Core) IsActive(fd int) bool {
	return c.IsValid(fd) && !c.session[fd].Flag.EOF
}

// CreateSession fills the slot for fd. It does not touch the poller.
func (c *Core) CreateSession(fd int, h Handler) (*Session, error) {
	if fd < 0 || fd >= c.capacity {
		return nil, fmt.Errorf("create session %d: %w", fd, ErrHandleRange)
	}
	if c.session[fd] != nil {
		return nil, fmt.Errorf("create session %d: %w", fd, ErrSessionExists)
	}
	s := newSession(fd, h, c.lastTick, c.now())
	c.session[fd] = s
	if c.fdMax <= fd {
		c.fdMax = fd + 1
	}
	return s, nil
}

// DestroySession frees the slot for fd. Calling it on an empty slot is a
// no-op.
func (c *Core) DestroySession(fd int) {
	if fd <= 0 || fd >= c.capacity {
		return
	}
	s := c.session[fd]
	if s == nil {
		return
	}
	c.stats.queuedIn -= int64(s.rsize - s.rpos)
	c.stats.queuedOut -= int64(s.wsize)
	s.release()
	c.session[fd] = nil
}

// Attach registers an already open, connected descriptor with the poller
// and creates a session for it.
func (c *Core) Attach(fd int, h Handler) (*Session, error) {
	if fd == 0 {
		return nil, ErrHandleReserved
	}
	if fd < 0 || fd >= c.capacity {
		return nil, fmt.Errorf("attach %d: %w", fd, ErrHandleRange)
	}
	if err := setNonblocking(fd); err != nil {
		return nil, fmt.Errorf("attach %d: %w", fd, err)
	}
	if err := c.poller.Add(fd); err != nil {
		return nil, fmt.Errorf("attach %d: %w", fd, err)
	}
	s, err := c.CreateSession(fd, h)
	if err != nil {
		_ = c.poller.Remove(fd)
		return nil, err
	}
	return s, nil
}

// SetParse installs a stream handler with fn on the session.
func (c *Core) SetParse(fd int, fn ParseFunc) {
	if s := c.Session(fd); s != nil && fd > 0 {
		s.handler = StreamHandler{Parse: fn}
	}
}

// Post queues fn to run on the reactor goroutine at the start of the next
// Perform. It is safe to call from any goroutine and returns false when
// the queue is full.
func (c *Core) Post(fn func(*Core)) bool {
	select {
	case c.mailbox <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the reactor goroutine and waits for it to finish or for
// ctx to end.
func (c *Core) Do(ctx context.Context, fn func(*Core)) error {
	done := make(chan struct{})
	if !c.Post(func(c *Core) {
		defer close(done)
		fn(c)
	}) {
		return errors.New("reactor command queue is full")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) drainMailbox() {
	for {
		select {
		case fn := <-c.mailbox:
			fn(c)
		default:
			return
		}
	}
}

func (c *Core) emit(t events.EventType, payload any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "socket",
		Payload: payload,
	})
}

// gettick returns the millisecond tick used by the connection history.
func (c *Core) gettick() int64 {
	if c.timers != nil {
		return c.timers.Gettick()
	}
	return c.now().UnixMilli()
}

// connectCheckClear is the periodic connection history sweep.
func (c *Core) connectCheckClear(tid int, tick int64, id int, data any) int {
	_, total := c.history.Sweep(tick)
	return total
}
