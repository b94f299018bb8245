package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hercules-project/hercules/internal/socket"
)

// ErrShortBuffer is returned by Send when more was written than reserved.
var ErrShortBuffer = errors.New("packet exceeds reserved size")

// PacketWriter encodes a packet in place in a session's write buffer.
// Reserve enough room up front, write the fields, then Send to commit.
type PacketWriter struct {
	core *socket.Core
	fd   int
	buf  []byte
	pos  int
	err  error
}

// NewPacketWriter reserves size bytes of output on fd.
func NewPacketWriter(c *socket.Core, fd, size int) *PacketWriter {
	return &PacketWriter{
		core: c,
		fd:   fd,
		buf:  c.Reserve(fd, size),
	}
}

func (w *PacketWriter) next(n int) []byte {
	if w.err != nil {
		return nil
	}
	if w.pos+n > len(w.buf) {
		w.err = fmt.Errorf("%d+%d bytes into %d: %w", w.pos, n, len(w.buf), ErrShortBuffer)
		return nil
	}
	p := w.buf[w.pos : w.pos+n]
	w.pos += n
	return p
}

// WriteUint8 writes a single byte.
func (w *PacketWriter) WriteUint8(v uint8) *PacketWriter {
	if p := w.next(1); p != nil {
		p[0] = v
	}
	return w
}

// WriteUint16 writes a uint16 in little-endian order.
func (w *PacketWriter) WriteUint16(v uint16) *PacketWriter {
	if p := w.next(2); p != nil {
		binary.LittleEndian.PutUint16(p, v)
	}
	return w
}

// WriteUint32 writes a uint32 in little-endian order.
func (w *PacketWriter) WriteUint32(v uint32) *PacketWriter {
	if p := w.next(4); p != nil {
		binary.LittleEndian.PutUint32(p, v)
	}
	return w
}

// WriteUint64 writes a uint64 in little-endian order.
func (w *PacketWriter) WriteUint64(v uint64) *PacketWriter {
	if p := w.next(8); p != nil {
		binary.LittleEndian.PutUint64(p, v)
	}
	return w
}

// WriteString writes s into a fixed field of n bytes, truncated and zero
// padded. The last byte is always zero.
func (w *PacketWriter) WriteString(s string, n int) *PacketWriter {
	if n <= 0 {
		return w
	}
	if p := w.next(n); p != nil {
		clear(p)
		copy(p[:n-1], s)
	}
	return w
}

// WriteBytes writes raw bytes.
func (w *PacketWriter) WriteBytes(data []byte) *PacketWriter {
	if p := w.next(len(data)); p != nil {
		copy(p, data)
	}
	return w
}

// Len returns the number of bytes written so far.
func (w *PacketWriter) Len() int {
	return w.pos
}

// Send commits the written bytes. For dynamic packets the length word at
// offset 2 is filled in first.
func (w *PacketWriter) Send(dynamic bool) error {
	if w.err != nil {
		return w.err
	}
	if dynamic {
		if w.pos < DynamicHeaderSize {
			return fmt.Errorf("dynamic packet of %d bytes: %w", w.pos, ErrShortBuffer)
		}
		binary.LittleEndian.PutUint16(w.buf[2:], uint16(w.pos))
	}
	return w.core.Set(w.fd, w.pos)
}

// String returns a hex dump of the packet for debugging.
func (w *PacketWriter) String() string {
	return fmt.Sprintf("PacketWriter[fd=%d %d bytes]: %x", w.fd, w.pos, w.buf[:w.pos])
}

// SendKeepalive asks the peer of a server link to answer.
func SendKeepalive(c *socket.Core, fd int) error {
	return NewPacketWriter(c, fd, HeaderSize).WriteUint16(PktKeepalive).Send(false)
}

// SendKeepaliveAck answers a keepalive.
func SendKeepaliveAck(c *socket.Core, fd int) error {
	return NewPacketWriter(c, fd, HeaderSize).WriteUint16(PktKeepaliveAck).Send(false)
}

// SendVersionReq asks the peer for its version.
func SendVersionReq(c *socket.Core, fd int) error {
	return NewPacketWriter(c, fd, HeaderSize).WriteUint16(PktVersionReq).Send(false)
}

// SendVersion reports v to the peer.
func SendVersion(c *socket.Core, fd int, v Version) error {
	return NewPacketWriter(c, fd, versionAckLen).
		WriteUint16(PktVersionAck).
		WriteUint8(v.Major).
		WriteUint8(v.Minor).
		WriteUint8(v.Revision).
		WriteUint8(v.Release).
		WriteUint8(v.Official).
		WriteUint8(v.ServerType).
		WriteUint16(v.Mod).
		Send(false)
}

// ReadVersion decodes a PktVersionAck packet.
func ReadVersion(pkt []byte) (Version, error) {
	if len(pkt) < versionAckLen {
		return Version{}, fmt.Errorf("version packet of %d bytes: %w", len(pkt), ErrShortBuffer)
	}
	return Version{
		Major:      pkt[2],
		Minor:      pkt[3],
		Revision:   pkt[4],
		Release:    pkt[5],
		Official:   pkt[6],
		ServerType: pkt[7],
		Mod:        binary.LittleEndian.Uint16(pkt[8:]),
	}, nil
}
