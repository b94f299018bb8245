package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/timer"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCore(t *testing.T, options ...socket.Option) *socket.Core {
	t.Helper()
	opts := socket.DefaultOptions()
	opts.MaxConnections = 4096
	c, err := socket.New(opts, timer.NewManager(), options...)
	require.NoError(t, err)
	t.Cleanup(c.Final)
	return c
}

// attach connects one end of a socketpair to the core. The peer end is
// non-blocking.
func attach(t *testing.T, c *socket.Core, h socket.Handler) (fd, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	require.NoError(t, unix.SetNonblock(fds[1], true))

	_, err = c.Attach(fds[0], h)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func perform(t *testing.T, c *socket.Core, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met in time")
		require.NoError(t, c.Perform(10*time.Millisecond))
	}
}

// readPeer runs the reactor until n bytes arrived on peer.
func readPeer(t *testing.T, c *socket.Core, peer, n int) []byte {
	t.Helper()
	got := make([]byte, 0, n)
	buf := make([]byte, n)
	perform(t, c, func() bool {
		if m, err := unix.Read(peer, buf[:n-len(got)]); err == nil && m > 0 {
			got = append(got, buf[:m]...)
		}
		return len(got) >= n
	})
	return got
}

func packet(cmd uint16, body ...byte) []byte {
	p := binary.LittleEndian.AppendUint16(nil, cmd)
	return append(p, body...)
}

func TestLengthTable(t *testing.T) {
	lengths := DefaultLengths()
	lengths.Register(0x1000, 6)
	lengths.Register(0x1001, Dynamic)
	lengths.Register(0x1002, 1)

	tests := []struct {
		name string
		cmd  uint16
		want int
		ok   bool
	}{
		{name: "keepalive", cmd: PktKeepalive, want: 2, ok: true},
		{name: "version ack", cmd: PktVersionAck, want: 10, ok: true},
		{name: "fixed", cmd: 0x1000, want: 6, ok: true},
		{name: "dynamic", cmd: 0x1001, want: Dynamic, ok: true},
		{name: "raised to header", cmd: 0x1002, want: HeaderSize, ok: true},
		{name: "unknown", cmd: 0x1003, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := lengths.Len(tt.cmd)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestPacketWriter(t *testing.T) {
	c := newCore(t)
	fd, peer := attach(t, c, NewDispatcher("test").Handler())

	w := NewPacketWriter(c, fd, 16).
		WriteUint16(0x1001).
		WriteUint16(0).
		WriteUint8(0xAB).
		WriteUint32(0x01020304).
		WriteString("hercules", 6)
	assert.Equal(t, 15, w.Len())
	require.NoError(t, w.Send(true))
	assert.Equal(t, 15, c.Session(fd).WDataSize())

	want := []byte{0x01, 0x10, 15, 0, 0xAB, 0x04, 0x03, 0x02, 0x01, 'h', 'e', 'r', 'c', 'u', 0}
	assert.Equal(t, want, readPeer(t, c, peer, len(want)))
}

func TestPacketWriter_Errors(t *testing.T) {
	c := newCore(t)
	fd, _ := attach(t, c, NewDispatcher("test").Handler())

	tests := []struct {
		name    string
		write   func(w *PacketWriter) *PacketWriter
		dynamic bool
	}{
		{
			name:  "past reserved size",
			write: func(w *PacketWriter) *PacketWriter { return w.WriteUint16(1).WriteUint64(2) },
		},
		{
			name:    "dynamic without length word",
			write:   func(w *PacketWriter) *PacketWriter { return w.WriteUint16(1) },
			dynamic: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.write(NewPacketWriter(c, fd, 4)).Send(tt.dynamic)
			assert.True(t, errors.Is(err, ErrShortBuffer))
			assert.Zero(t, c.Session(fd).WDataSize())
		})
	}
}

func TestPacketWriter_VacuumSession(t *testing.T) {
	c := newCore(t)
	assert.NoError(t, SendKeepalive(c, 0))
	assert.NoError(t, SendKeepalive(c, 999))
}

func TestDispatcher_Parse(t *testing.T) {
	const (
		cmdFixed   uint16 = 0x3000
		cmdDynamic uint16 = 0x3001
	)

	tests := []struct {
		name   string
		input  []byte
		want   [][]byte
		closed bool
	}{
		{
			name:  "fixed packet",
			input: packet(cmdFixed, 1, 2, 3, 4),
			want:  [][]byte{packet(cmdFixed, 1, 2, 3, 4)},
		},
		{
			name:  "two packets in one read",
			input: append(packet(cmdFixed, 1, 1, 1, 1), packet(cmdFixed, 2, 2, 2, 2)...),
			want:  [][]byte{packet(cmdFixed, 1, 1, 1, 1), packet(cmdFixed, 2, 2, 2, 2)},
		},
		{
			name:  "dynamic packet",
			input: packet(cmdDynamic, 7, 0, 'a', 'b', 'c'),
			want:  [][]byte{packet(cmdDynamic, 7, 0, 'a', 'b', 'c')},
		},
		{
			name:  "partial packet waits",
			input: packet(cmdFixed, 1),
		},
		{
			name:   "unknown command",
			input:  packet(0x4444, 0, 0),
			closed: true,
		},
		{
			name:   "dynamic length below header",
			input:  packet(cmdDynamic, 2, 0),
			closed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCore(t)
			d := NewDispatcher("test")
			var got [][]byte
			handle := func(c *socket.Core, fd int, pkt []byte) {
				got = append(got, append([]byte(nil), pkt...))
			}
			d.Handle(cmdFixed, 6, handle)
			d.Handle(cmdDynamic, Dynamic, handle)
			disconnected := 0
			d.OnDisconnect = func(*socket.Core, int) { disconnected++ }

			fd, peer := attach(t, c, d.Handler())
			_, err := unix.Write(peer, tt.input)
			require.NoError(t, err)

			if tt.closed {
				perform(t, c, func() bool { return !c.IsValid(fd) })
				assert.Equal(t, 1, disconnected)
				assert.Empty(t, got)
				return
			}
			perform(t, c, func() bool { return c.Session(fd).RDataSize() == len(tt.input) || len(got) > 0 })
			for i := 0; i < 3; i++ {
				require.NoError(t, c.Perform(time.Millisecond))
			}
			assert.Equal(t, tt.want, got)
			assert.True(t, c.IsActive(fd))
		})
	}
}

func TestDispatcher_KeepaliveAnswered(t *testing.T) {
	c := newCore(t)
	_, peer := attach(t, c, NewDispatcher("test").Handler())

	_, err := unix.Write(peer, packet(PktKeepalive))
	require.NoError(t, err)
	assert.Equal(t, packet(PktKeepaliveAck), readPeer(t, c, peer, 2))
}

func TestDispatcher_VersionExchange(t *testing.T) {
	c := newCore(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	server := NewDispatcher("server")
	server.Version = Version{Major: 1, Minor: 2, Revision: 3, ServerType: ServerTypeChar, Mod: 0x0102}
	_, err = c.Attach(fds[0], server.Handler())
	require.NoError(t, err)
	_, err = c.Attach(fds[1], NewDispatcher("client").Handler())
	require.NoError(t, err)

	require.NoError(t, SendVersionReq(c, fds[1]))
	var got any
	perform(t, c, func() bool {
		var ok bool
		got, ok = c.Session(fds[1]).PluginData(PeerVersionKey)
		return ok
	})
	assert.Equal(t, server.Version, got)
}

func TestDispatcher_ServerLinkPing(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newCore(t, socket.WithClock(clk.Now))
	d := NewDispatcher("link")
	disconnected := 0
	d.OnDisconnect = func(*socket.Core, int) { disconnected++ }

	fd, peer := attach(t, c, d.Handler())
	s := c.Session(fd)
	s.Flag.Server = true
	stall := c.StallTime()

	// idle past the stall time: the link is pinged, not dropped
	clk.Advance(time.Duration(stall+1) * time.Second)
	assert.Equal(t, packet(PktKeepalive), readPeer(t, c, peer, 2))
	assert.Equal(t, socket.PingSent, s.Flag.Ping)

	// the answer clears the ping
	_, err := unix.Write(peer, packet(PktKeepaliveAck))
	require.NoError(t, err)
	perform(t, c, func() bool { return s.Flag.Ping == socket.PingIdle })
	assert.True(t, c.IsActive(fd))

	// no answer within twice the stall time drops the link
	clk.Advance(time.Duration(stall+1) * time.Second)
	assert.Equal(t, packet(PktKeepalive), readPeer(t, c, peer, 2))
	clk.Advance(time.Duration(stall+1) * time.Second)
	perform(t, c, func() bool { return !c.IsValid(fd) })
	assert.Equal(t, 1, disconnected)
}

// A 6-byte packet split across two reads is handled once, after the
// second part arrives.
func TestDispatcher_SplitPacketOverTCP(t *testing.T) {
	const cmdMove uint16 = 0x0085

	c := newCore(t)
	d := NewDispatcher("client")
	var got [][]byte
	d.Handle(cmdMove, 6, func(c *socket.Core, fd int, pkt []byte) {
		got = append(got, append([]byte(nil), pkt...))
	})
	c.SetDefaultParse(d.Parse)

	lfd, err := c.ListenBind(access.MakeIP(127, 0, 0, 1), 0)
	require.NoError(t, err)
	port, err := c.LocalPort(lfd)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	var fd int
	perform(t, c, func() bool {
		for _, info := range c.Sessions() {
			if !info.Listener {
				fd = info.FD
				return true
			}
		}
		return false
	})

	msg := packet(cmdMove, 0x10, 0x20, 0x30, 0x40)
	_, err = conn.Write(msg[:4])
	require.NoError(t, err)
	perform(t, c, func() bool { return c.RFIFORest(fd) == 4 })
	require.NoError(t, c.Perform(time.Millisecond))
	assert.Empty(t, got)

	_, err = conn.Write(msg[4:])
	require.NoError(t, err)
	perform(t, c, func() bool { return len(got) == 1 })
	assert.Equal(t, msg, got[0])
	assert.Zero(t, c.RFIFORest(fd))
}
