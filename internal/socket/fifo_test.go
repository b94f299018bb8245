package socket

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSet(t *testing.T) {
	tests := []struct {
		name      string
		server    bool
		maxClient int
		reserve   int
		n         int
		wantErr   error
		wantSize  int
	}{
		{name: "commits", reserve: 10, n: 10, wantSize: 10},
		{name: "zero length is ignored", reserve: 10, n: 0, wantSize: 0},
		{name: "negative length is ignored", reserve: 10, n: -4, wantSize: 0},
		{name: "oversized client packet is dropped", maxClient: 100, reserve: 200, n: 200, wantSize: 0},
		{name: "server ignores client cap", server: true, maxClient: 100, reserve: 200, n: 200, wantSize: 200},
		{name: "too large", reserve: MaxPacketLen + 1, n: MaxPacketLen + 1, wantErr: ErrPacketTooLarge},
		{name: "overflow", reserve: 0, n: WFIFOSize + 1, wantErr: ErrWriteOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			if tt.maxClient > 0 {
				opts.MaxClientPacket = tt.maxClient
			}
			c := newTestCore(t, opts)
			fd, _ := attachPair(t, c, StreamHandler{})
			s := c.Session(fd)
			s.Flag.Server = tt.server

			c.Reserve(fd, tt.reserve)
			err := c.Set(fd, tt.n)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, s.WDataSize())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, s.WDataSize())
			assert.LessOrEqual(t, s.WDataSize(), s.MaxWData())
			if tt.wantSize > 0 {
				assert.True(t, c.shortlist.contains(fd))
			}
		})
	}
}

func TestSet_InvalidSession(t *testing.T) {
	c := newTestCore(t, testOptions())

	buf := c.Reserve(123, 64)
	assert.Len(t, buf, 64)
	assert.NoError(t, c.Set(123, 64))
	assert.NoError(t, c.Write(-1, []byte("lost")))
}

func TestReserve_Vacuum(t *testing.T) {
	c := newTestCore(t, testOptions())

	buf := c.Reserve(0, WFIFOSize*3)
	assert.Len(t, buf, WFIFOSize*3)
	assert.NoError(t, c.Set(0, WFIFOSize*3))
	assert.Equal(t, 0, c.Session(0).WDataSize())
}

func TestReserve_GrowsInSteps(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, _ := attachPair(t, c, StreamHandler{})
	s := c.Session(fd)

	require.NoError(t, c.Write(fd, bytes.Repeat([]byte{1}, 1000)))

	buf := c.Reserve(fd, 40000)
	require.Len(t, buf, 40000)
	assert.GreaterOrEqual(t, s.MaxWData(), 41000)
	assert.Zero(t, s.MaxWData()%WFIFOSize)
	assert.Equal(t, 1000, s.WDataSize())
	assert.Equal(t, byte(1), s.wdata[999])
}

func TestReallocWriteFIFO_Shrinks(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, _ := attachPair(t, c, StreamHandler{})
	s := c.Session(fd)

	s.wdata = make([]byte, 8*WFIFOSize)
	require.NoError(t, c.Write(fd, []byte{1, 2, 3}))
	assert.Equal(t, 4*WFIFOSize, s.MaxWData())
	assert.Equal(t, []byte{1, 2, 3}, s.wdata[:3])

	// halving stops once the buffer is below twice the nominal size
	for i := 0; i < 4; i++ {
		c.reallocWriteFIFO(fd, 0)
	}
	assert.Equal(t, WFIFOSize, s.MaxWData())
	assert.Equal(t, 3, s.WDataSize())
}

func TestSet_ServerLinkFlushesLargeBacklog(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, peer := attachPair(t, c, StreamHandler{})
	s := c.Session(fd)
	s.Flag.Server = true
	c.ReallocFIFO(fd, FIFOSizeServerLink, FIFOSizeServerLink)
	require.NoError(t, unix.SetsockoptInt(peer, unix.SOL_SOCKET, unix.SO_RCVBUF, 4*FIFOSizeServerLink))

	chunk := bytes.Repeat([]byte{7}, 60000)
	for s.WDataSize() < 2*FIFOSizeServerLink-len(chunk) {
		require.NoError(t, c.Write(fd, chunk))
	}
	before := s.WDataSize()
	require.NoError(t, c.Write(fd, chunk))

	assert.Less(t, s.WDataSize(), before+len(chunk))
}

func TestReallocFIFO(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, _ := attachPair(t, c, StreamHandler{})
	s := c.Session(fd)
	s.Flag.Server = true

	c.ReallocFIFO(fd, FIFOSizeServerLink, FIFOSizeServerLink)
	assert.Equal(t, FIFOSizeServerLink, s.MaxRData())
	assert.Equal(t, FIFOSizeServerLink, s.MaxWData())

	require.NoError(t, c.Write(fd, make([]byte, 100)))
	c.ReallocFIFO(fd, RFIFOSize, 50)
	assert.Equal(t, RFIFOSize, s.MaxRData())
	assert.Equal(t, FIFOSizeServerLink, s.MaxWData(), "write buffer holds more than the new size")
}

func TestRecvAndReaders(t *testing.T) {
	c := newTestCore(t, testOptions())

	var seen []byte
	fd, peer := attachPair(t, c, StreamHandler{Parse: func(c *Core, fd int) int {
		if c.RFIFORest(fd) < 15 {
			return 0
		}
		seen = append([]byte(nil), c.RFIFOP(fd, 0)[:15]...)
		c.Skip(fd, 15)
		return 0
	}})

	msg := make([]byte, 15)
	msg[0] = 0xAB
	binary.LittleEndian.PutUint16(msg[1:], 0x1234)
	binary.LittleEndian.PutUint32(msg[3:], 0xDEADBEEF)
	binary.LittleEndian.PutUint64(msg[7:], 0x0102030405060708)

	_, err := unix.Write(peer, msg)
	require.NoError(t, err)

	performUntil(t, c, func() bool { return seen != nil })
	assert.Equal(t, msg, seen)

	// the readers themselves
	s := c.Session(fd)
	copy(s.rdata, msg)
	s.rpos, s.rsize = 0, len(msg)
	assert.Equal(t, uint8(0xAB), c.RFIFOB(fd, 0))
	assert.Equal(t, uint16(0x1234), c.RFIFOW(fd, 1))
	assert.Equal(t, uint32(0xDEADBEEF), c.RFIFOL(fd, 3))
	assert.Equal(t, uint64(0x0102030405060708), c.RFIFOQ(fd, 7))
	assert.Zero(t, c.RFIFOQ(fd, 8), "out of range reads yield zero")
	assert.Nil(t, c.RFIFOP(fd, 16))
	assert.Equal(t, RFIFOSize-len(msg), c.RFIFOSpace(fd))
}

func TestSkip_Clamps(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, _ := attachPair(t, c, StreamHandler{})
	s := c.Session(fd)
	s.rsize = 10

	c.Skip(fd, 4)
	assert.Equal(t, 4, s.RDataPos())
	assert.Equal(t, 6, c.RFIFORest(fd))

	c.Skip(fd, 100)
	assert.Equal(t, 10, s.RDataPos())
	assert.Equal(t, 0, c.RFIFORest(fd))

	c.flushRead(s)
	assert.Equal(t, 0, s.RDataPos())
	assert.Equal(t, 0, s.RDataSize())
}

func TestFlushRead_KeepsTail(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, _ := attachPair(t, c, StreamHandler{})
	s := c.Session(fd)

	copy(s.rdata, "abcdef")
	s.rsize = 6
	c.Skip(fd, 4)
	c.flushRead(s)

	assert.Equal(t, 0, s.RDataPos())
	assert.Equal(t, 2, s.RDataSize())
	assert.Equal(t, "ef", string(s.rdata[:2]))
}

func TestRFIFORest_EOF(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, _ := attachPair(t, c, StreamHandler{})
	c.Session(fd).rsize = 10

	c.SetEOF(fd)
	assert.Equal(t, 0, c.RFIFORest(fd))
}

func TestSend_Delivers(t *testing.T) {
	c := newTestCore(t, testOptions())
	fd, peer := attachPair(t, c, StreamHandler{})

	require.NoError(t, c.Write(fd, []byte("hello")))
	require.NoError(t, c.Perform(0))

	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, 0, c.Session(fd).WDataSize())
	assert.Equal(t, int64(0), c.stats.queuedOut)
}
