package socket

import (
	"encoding/binary"
	"fmt"

	"github.com/hercules-project/hercules/internal/access"
)

// RFIFORest returns the unread byte count, 0 for sessions flagged EOF.
func (c *Core) RFIFORest(fd int) int {
	s := c.Session(fd)
	if s == nil || s.Flag.EOF {
		return 0
	}
	return s.rsize - s.rpos
}

// RFIFOSpace returns the free room at the end of the read buffer.
func (c *Core) RFIFOSpace(fd int) int {
	s := c.Session(fd)
	if s == nil {
		return 0
	}
	return len(s.rdata) - s.rsize
}

// RFIFOP returns the unread bytes starting pos bytes past the read cursor.
// The slice aliases the buffer and is valid until the next Skip or tick.
func (c *Core) RFIFOP(fd, pos int) []byte {
	s := c.Session(fd)
	if s == nil || pos < 0 || s.rpos+pos > s.rsize {
		return nil
	}
	return s.rdata[s.rpos+pos : s.rsize]
}

// RFIFOB reads a byte at pos. Out of range reads yield 0.
func (c *Core) RFIFOB(fd, pos int) uint8 {
	if p := c.RFIFOP(fd, pos); len(p) >= 1 {
		return p[0]
	}
	return 0
}

// RFIFOW reads a little-endian uint16 at pos.
func (c *Core) RFIFOW(fd, pos int) uint16 {
	if p := c.RFIFOP(fd, pos); len(p) >= 2 {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

// RFIFOL reads a little-endian uint32 at pos.
func (c *Core) RFIFOL(fd, pos int) uint32 {
	if p := c.RFIFOP(fd, pos); len(p) >= 4 {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

// RFIFOQ reads a little-endian uint64 at pos.
func (c *Core) RFIFOQ(fd, pos int) uint64 {
	if p := c.RFIFOP(fd, pos); len(p) >= 8 {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

// Skip consumes n bytes of input, clamped to what is available.
func (c *Core) Skip(fd, n int) {
	if !c.IsActive(fd) || n < 0 {
		return
	}
	s := c.session[fd]
	if s.rsize < s.rpos+n {
		rest := s.rsize - s.rpos
		c.logger.Warn().
			Int("fd", fd).
			Int("requested", n).
			Int("available", rest).
			Msg("skipped past end of read buffer, adjusting")
		n = rest
	}
	s.rpos += n
	c.stats.queuedIn -= int64(n)
}

// flushRead discards consumed input by moving the unread tail to the front.
func (c *Core) flushRead(s *Session) {
	if s.rpos == 0 {
		return
	}
	if s.rpos == s.rsize {
		s.rpos, s.rsize = 0, 0
		return
	}
	copy(s.rdata, s.rdata[s.rpos:s.rsize])
	s.rsize -= s.rpos
	s.rpos = 0
}

// Reserve makes room for n more bytes of output and returns the writable
// region. Write into it, then commit with Set. Writes to invalid sessions
// go to a scratch buffer and are dropped by Set.
func (c *Core) Reserve(fd, n int) []byte {
	if n < 0 {
		n = 0
	}
	s := c.Session(fd)
	if s == nil {
		return make([]byte, n)
	}
	if fd == 0 {
		// the vacuum session grows on demand and is never drained
		if len(s.wdata) < n {
			s.wdata = make([]byte, n)
		}
		return s.wdata[:n]
	}
	if s.wsize+n > len(s.wdata) {
		c.reallocWriteFIFO(fd, n)
	}
	if s.wsize+n > len(s.wdata) {
		return make([]byte, n)
	}
	return s.wdata[s.wsize : s.wsize+n]
}

// Set commits n bytes written into the region returned by Reserve.
// Oversized packets and accounting overflows are rejected without touching
// the buffer; both indicate a bug in the caller.
func (c *Core) Set(fd, n int) error {
	if !c.IsValid(fd) {
		return nil
	}
	s := c.session[fd]

	if s.wsize+n > len(s.wdata) {
		c.logger.Error().
			Int("fd", fd).
			Str("ip", access.IP2Str(s.ClientAddr)).
			Int("len", n).
			Int("wdata_size", s.wsize).
			Int("max_wdata", len(s.wdata)).
			Msg("write buffer overflow")
		return fmt.Errorf("session %d: %w", fd, ErrWriteOverflow)
	}
	if n > MaxPacketLen {
		c.logger.Error().
			Int("fd", fd).
			Str("packet", fmt.Sprintf("0x%04x", c.pendingCmd(s))).
			Int("len", n).
			Int("max", MaxPacketLen).
			Msg("packet is too big")
		return fmt.Errorf("session %d: %d bytes: %w", fd, n, ErrPacketTooLarge)
	}
	if n <= 0 {
		c.logger.Warn().
			Int("fd", fd).
			Str("packet", fmt.Sprintf("0x%04x", c.pendingCmd(s))).
			Msg("attempted to send zero-length packet")
		return nil
	}
	if !s.Flag.Server && n > c.opts.MaxClientPacket {
		c.logger.Error().
			Int("fd", fd).
			Str("packet", fmt.Sprintf("0x%04x", c.pendingCmd(s))).
			Int("len", n).
			Int("max", c.opts.MaxClientPacket).
			Msg("dropped too large client packet")
		return nil
	}

	s.wsize += n
	c.stats.queuedOut += int64(n)

	// a server link holding twice its nominal size is flushed right away
	if s.Flag.Server && s.wsize >= 2*FIFOSizeServerLink {
		c.Flush(fd)
	}

	reserve := WFIFOSize
	if s.Flag.Server {
		reserve = FIFOSizeServerLink / 4
	}
	c.reallocWriteFIFO(fd, reserve)
	c.addShortlist(fd)
	return nil
}

// Write reserves, copies and commits p in one step.
func (c *Core) Write(fd int, p []byte) error {
	copy(c.Reserve(fd, len(p)), p)
	return c.Set(fd, len(p))
}

func (c *Core) pendingCmd(s *Session) uint16 {
	if s.wsize+2 <= len(s.wdata) {
		return binary.LittleEndian.Uint16(s.wdata[s.wsize:])
	}
	return 0
}

// reallocWriteFIFO grows the write buffer in WFIFOSize steps until addition
// more bytes fit, or halves it when less than a quarter is in use and it is
// at least twice the nominal size.
func (c *Core) reallocWriteFIFO(fd, addition int) {
	if !c.IsValid(fd) {
		return
	}
	s := c.session[fd]
	nominal := WFIFOSize
	if s.Flag.Server {
		nominal = FIFOSizeServerLink
	}

	var newSize int
	switch {
	case s.wsize+addition > len(s.wdata):
		newSize = WFIFOSize
		for s.wsize+addition > newSize {
			newSize += WFIFOSize
		}
	case len(s.wdata) >= 2*nominal && (s.wsize+addition)*4 < len(s.wdata):
		newSize = len(s.wdata) / 2
	default:
		return
	}

	buf := make([]byte, newSize)
	copy(buf, s.wdata[:s.wsize])
	s.wdata = buf
}

// ReallocFIFO resizes both buffers of a session, each only when its
// current content fits.
func (c *Core) ReallocFIFO(fd, rsize, wsize int) {
	if !c.IsValid(fd) {
		return
	}
	s := c.session[fd]
	if len(s.rdata) != rsize && s.rsize < rsize {
		buf := make([]byte, rsize)
		copy(buf, s.rdata[:s.rsize])
		s.rdata = buf
	}
	if len(s.wdata) != wsize && s.wsize < wsize {
		buf := make([]byte, wsize)
		copy(buf, s.wdata[:s.wsize])
		s.wdata = buf
	}
}

// Recv reads from the socket into the read buffer. Errors other than
// would-block and an orderly shutdown flag the session EOF.
func (c *Core) Recv(fd int) {
	if !c.IsActive(fd) {
		return
	}
	s := c.session[fd]
	if s.rsize == len(s.rdata) {
		return
	}

	n, err := sysRead(fd, s.rdata[s.rsize:])
	if err != nil {
		if !wouldBlock(err) {
			c.logger.Debug().Err(err).Int("fd", fd).Msg("recv failed, closing connection")
			c.SetEOF(fd)
		}
		return
	}
	if n == 0 {
		c.SetEOF(fd)
		return
	}

	s.rsize += n
	s.rdataTick = c.lastTick
	c.stats.in += int64(n)
	c.stats.totalIn += int64(n)
	c.stats.queuedIn += int64(n)
	if !s.Flag.Server {
		c.stats.clientIn += int64(n)
	}
}

// Send writes queued output to the socket. A hard error drops the queue
// and flags the session EOF.
func (c *Core) Send(fd int) {
	if !c.IsValid(fd) {
		return
	}
	s := c.session[fd]
	if s.wsize == 0 {
		return
	}

	n, err := sysSend(fd, s.wdata[:s.wsize])
	if err != nil {
		if !wouldBlock(err) {
			c.logger.Debug().Err(err).Int("fd", fd).Msg("send failed, ending connection")
			c.stats.queuedOut -= int64(s.wsize)
			s.wsize = 0
			c.SetEOF(fd)
		}
		return
	}
	if n <= 0 {
		return
	}

	if n < s.wsize {
		copy(s.wdata, s.wdata[n:s.wsize])
	}
	s.wsize -= n
	s.wdataTick = c.lastTick
	c.stats.out += int64(n)
	c.stats.totalOut += int64(n)
	c.stats.queuedOut -= int64(n)
	if !s.Flag.Server {
		c.stats.clientOut += int64(n)
	}
}

// Flush asks the session's handler to send once. Delivery is best effort.
func (c *Core) Flush(fd int) {
	if !c.IsValid(fd) {
		return
	}
	c.session[fd].handler.OnWritable(c, fd)
}

// FlushAll flushes every session.
func (c *Core) FlushAll() {
	for fd := 1; fd < c.fdMax; fd++ {
		c.Flush(fd)
	}
}
