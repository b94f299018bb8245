package socket

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// Buffer sizes in bytes.
const (
	// RFIFOSize is the read buffer capacity. It is never grown: a parser
	// that cannot consume within this window gets disconnected.
	RFIFOSize = 2 * 1024
	// WFIFOSize is the nominal write buffer capacity and growth step.
	WFIFOSize = 16 * 1024
	// FIFOSizeServerLink is the nominal buffer size for inter-server links.
	FIFOSizeServerLink = 256 * 1024
	// MaxPacketLen is the largest packet a 16-bit length field can carry.
	MaxPacketLen = 0xFFFF
)

// Ping states of a server link.
const (
	PingIdle      uint8 = 0
	PingRequested uint8 = 1
	PingSent      uint8 = 2
)

// Flags holds the per-session state bits.
type Flags struct {
	EOF      bool  `json:"eof"`
	Server   bool  `json:"server"`
	Ping     uint8 `json:"ping"`
	Validate bool  `json:"validate"`
}

// Handler is the per-session behaviour invoked by the reactor.
type Handler interface {
	// OnReadable is called when the descriptor has data (or a pending
	// connection for listeners).
	OnReadable(c *Core, fd int)
	// OnWritable is called when the session has queued output.
	OnWritable(c *Core, fd int)
	// OnParse is called every tick, and for sessions flagged EOF so the
	// protocol layer can close them.
	OnParse(c *Core, fd int) int
}

// ParseFunc consumes the read buffer of a session.
type ParseFunc func(c *Core, fd int) int

// StreamHandler moves bytes between the socket and the FIFOs and hands the
// read buffer to Parse.
type StreamHandler struct {
	Parse ParseFunc
}

func (h StreamHandler) OnReadable(c *Core, fd int) { c.Recv(fd) }
func (h StreamHandler) OnWritable(c *Core, fd int) { c.Send(fd) }

func (h StreamHandler) OnParse(c *Core, fd int) int {
	if h.Parse == nil {
		return nullParse(c, fd)
	}
	return h.Parse(c, fd)
}

// nullParse discards input and closes sessions flagged EOF.
func nullParse(c *Core, fd int) int {
	s := c.Session(fd)
	if s == nil {
		return 0
	}
	if s.Flag.EOF {
		c.Close(fd)
		return 0
	}
	if rest := c.RFIFORest(fd); rest > 0 {
		c.logger.Debug().Int("fd", fd).Int("bytes", rest).Msg("null parse discarding input")
		c.Skip(fd, rest)
	}
	return 0
}

type listenHandler struct{}

func (listenHandler) OnReadable(c *Core, fd int) { c.accept(fd) }
func (listenHandler) OnWritable(*Core, int)      {}
func (listenHandler) OnParse(*Core, int) int     { return 0 }

type nullHandler struct{}

func (nullHandler) OnReadable(*Core, int)  {}
func (nullHandler) OnWritable(*Core, int)  {}
func (nullHandler) OnParse(*Core, int) int { return 0 }

// Session is one slot of the session table.
type Session struct {
	// ID tells apart sessions that reuse the same descriptor number.
	ID         uuid.UUID
	Flag       Flags
	ClientAddr uint32
	// Data is owned by the protocol layer. It is closed on destroy when it
	// implements io.Closer.
	Data any

	fd        int
	rdata     []byte
	rpos      int
	rsize     int
	wdata     []byte
	wsize     int
	rdataTick int64
	wdataTick int64
	handler   Handler
	hdata     map[string]any
	created   time.Time
}

func newSession(fd int, h Handler, tick int64, now time.Time) *Session {
	return &Session{
		ID:        uuid.New(),
		fd:        fd,
		rdata:     make([]byte, RFIFOSize),
		wdata:     make([]byte, WFIFOSize),
		rdataTick: tick,
		handler:   h,
		created:   now,
	}
}

func (s *Session) FD() int              { return s.fd }
func (s *Session) RDataPos() int        { return s.rpos }
func (s *Session) RDataSize() int       { return s.rsize }
func (s *Session) MaxRData() int        { return len(s.rdata) }
func (s *Session) WDataSize() int       { return s.wsize }
func (s *Session) MaxWData() int        { return len(s.wdata) }
func (s *Session) RDataTick() int64     { return s.rdataTick }
func (s *Session) WDataTick() int64     { return s.wdataTick }
func (s *Session) Created() time.Time   { return s.created }
func (s *Session) Handler() Handler     { return s.handler }
func (s *Session) SetHandler(h Handler) { s.handler = h }

// PluginData returns a value stored under key by an extension.
func (s *Session) PluginData(key string) (any, bool) {
	v, ok := s.hdata[key]
	return v, ok
}

// SetPluginData stores an extension value on the session.
func (s *Session) SetPluginData(key string, v any) {
	if s.hdata == nil {
		s.hdata = make(map[string]any)
	}
	s.hdata[key] = v
}

// RemovePluginData drops an extension value without closing it.
func (s *Session) RemovePluginData(key string) {
	delete(s.hdata, key)
}

// release closes owned data. Errors are ignored, the slot goes away anyway.
func (s *Session) release() {
	if c, ok := s.Data.(io.Closer); ok {
		_ = c.Close()
	}
	for _, v := range s.hdata {
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
	}
	s.Data = nil
	s.hdata = nil
	s.rdata = nil
	s.wdata = nil
}
