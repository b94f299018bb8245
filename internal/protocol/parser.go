package protocol

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/socket"
)

// PeerVersionKey is the session plugin data key holding the Version a peer
// reported.
const PeerVersionKey = "protocol.peer_version"

// HandlerFunc processes one complete packet. pkt aliases the read buffer
// and is only valid during the call.
type HandlerFunc func(c *socket.Core, fd int, pkt []byte)

// Dispatcher is the standard parse loop: it closes sessions flagged EOF,
// answers the stall ping of server links and hands complete packets to
// registered handlers. Unknown commands end the session.
type Dispatcher struct {
	name     string
	lengths  LengthTable
	handlers map[uint16]HandlerFunc

	// Version is sent in answer to PktVersionReq.
	Version Version
	// OnDisconnect runs after a session flagged EOF has been closed.
	OnDisconnect func(c *socket.Core, fd int)

	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher with the keepalive and version
// commands registered.
func NewDispatcher(name string) *Dispatcher {
	d := &Dispatcher{
		name:     name,
		lengths:  DefaultLengths(),
		handlers: make(map[uint16]HandlerFunc),
		logger:   log.With().Str("component", "protocol").Str("dispatcher", name).Logger(),
	}
	d.handlers[PktKeepalive] = d.onKeepalive
	d.handlers[PktKeepaliveAck] = d.onKeepaliveAck
	d.handlers[PktVersionReq] = d.onVersionReq
	d.handlers[PktVersionAck] = d.onVersionAck
	return d
}

// Handle registers fn for cmd with the given packet length, replacing any
// earlier registration.
func (d *Dispatcher) Handle(cmd uint16, length int, fn HandlerFunc) {
	d.lengths.Register(cmd, length)
	d.handlers[cmd] = fn
}

// Handler returns a session handler that parses with d.
func (d *Dispatcher) Handler() socket.Handler {
	return socket.StreamHandler{Parse: d.Parse}
}

// Parse consumes every complete packet in the read buffer of fd. A partial
// packet stays buffered until more data arrives.
func (d *Dispatcher) Parse(c *socket.Core, fd int) int {
	s := c.Session(fd)
	if s == nil {
		return 0
	}

	if s.Flag.EOF {
		c.Close(fd)
		if d.OnDisconnect != nil {
			d.OnDisconnect(c, fd)
		}
		return 0
	}

	if s.Flag.Server && s.Flag.Ping == socket.PingRequested {
		if err := SendKeepalive(c, fd); err != nil {
			d.logger.Warn().Err(err).Int("fd", fd).Msg("failed to queue keepalive")
		}
		s.Flag.Ping = socket.PingSent
	}

	for c.RFIFORest(fd) >= HeaderSize {
		cmd := c.RFIFOW(fd, 0)
		length, ok := d.lengths.Len(cmd)
		fn := d.handlers[cmd]
		if !ok || fn == nil {
			d.logger.Warn().
				Int("fd", fd).
				Str("ip", access.IP2Str(s.ClientAddr)).
				Str("packet", fmt.Sprintf("0x%04x", cmd)).
				Msg("unknown packet, disconnecting")
			c.SetEOF(fd)
			return 0
		}

		if length == Dynamic {
			if c.RFIFORest(fd) < DynamicHeaderSize {
				return 0
			}
			length = int(c.RFIFOW(fd, 2))
			if length < DynamicHeaderSize {
				d.logger.Warn().
					Int("fd", fd).
					Str("packet", fmt.Sprintf("0x%04x", cmd)).
					Int("len", length).
					Msg("invalid packet length, disconnecting")
				c.SetEOF(fd)
				return 0
			}
		}
		if c.RFIFORest(fd) < length {
			return 0
		}

		fn(c, fd, c.RFIFOP(fd, 0)[:length])

		// the handler may have closed or replaced the session
		if c.Session(fd) != s || s.Flag.EOF {
			return 0
		}
		c.Skip(fd, length)
	}
	return 0
}

func (d *Dispatcher) onKeepalive(c *socket.Core, fd int, _ []byte) {
	if err := SendKeepaliveAck(c, fd); err != nil {
		d.logger.Warn().Err(err).Int("fd", fd).Msg("failed to answer keepalive")
	}
}

func (d *Dispatcher) onKeepaliveAck(c *socket.Core, fd int, _ []byte) {
	if s := c.Session(fd); s != nil {
		s.Flag.Ping = socket.PingIdle
	}
}

func (d *Dispatcher) onVersionReq(c *socket.Core, fd int, _ []byte) {
	if err := SendVersion(c, fd, d.Version); err != nil {
		d.logger.Warn().Err(err).Int("fd", fd).Msg("failed to send version")
	}
}

func (d *Dispatcher) onVersionAck(c *socket.Core, fd int, pkt []byte) {
	v, err := ReadVersion(pkt)
	if err != nil {
		return
	}
	if s := c.Session(fd); s != nil {
		s.SetPluginData(PeerVersionKey, v)
	}
	d.logger.Debug().
		Int("fd", fd).
		Uint8("major", v.Major).
		Uint8("minor", v.Minor).
		Uint8("revision", v.Revision).
		Uint8("server_type", v.ServerType).
		Msg("peer version")
}
