package socket

import (
	"encoding/binary"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ConnectOptions tunes an outbound connection.
type ConnectOptions struct {
	// SetTimeout applies 5s send/receive timeouts, bounding the blocking
	// connect.
	SetTimeout bool
	// Silent suppresses the connect status and failure logs.
	Silent bool
}

const (
	listenBacklog  = 5
	connectTimeout = 5
	// maxTableSize bounds the session table when the descriptor limit is
	// unlimited.
	maxTableSize = 1 << 20
)

// setSocketOpts applies the options every session socket gets. Failures
// are logged and otherwise ignored.
func setSocketOpts(logger zerolog.Logger, fd int, opt *ConnectOptions) {
	warn := func(err error, name string) {
		if err != nil {
			logger.Warn().Err(err).Int("fd", fd).Str("option", name).Msg("unable to set socket option")
		}
	}

	warn(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1), "SO_REUSEADDR")
	// no-delay: the FIFO model already groups packets
	warn(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1), "TCP_NODELAY")

	if opt != nil && opt.SetTimeout {
		tv := unix.Timeval{Sec: connectTimeout}
		warn(unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv), "SO_RCVTIMEO")
		warn(unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv), "SO_SNDTIMEO")
	}

	warn(unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0}), "SO_LINGER")
	warn(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_THIN_LINEAR_TIMEOUTS, 1), "TCP_THIN_LINEAR_TIMEOUTS")
	warn(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_THIN_DUPACK, 1), "TCP_THIN_DUPACK")
}

func setNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// wouldBlock reports errors that leave the session usable.
func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func sysRead(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func sysSend(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
}

func sysClose(fd int) {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	_ = unix.Close(fd)
}

func newTCPSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
}

func sockaddr(ip uint32, port uint16) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(port)}
	binary.BigEndian.PutUint32(sa.Addr[:], ip)
	return sa
}

func sockaddrIP(sa unix.Sockaddr) uint32 {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return binary.BigEndian.Uint32(in4.Addr[:])
	}
	return 0
}

// raiseNofile tries to lift RLIMIT_NOFILE to want (the hard limit when 0),
// falling back to the hard limit, and returns the resulting soft limit.
func raiseNofile(logger zerolog.Logger, want uint64) int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		logger.Warn().Err(err).Msg("failed to read descriptor limit")
		return fdSetSize
	}
	if want == 0 {
		want = min(rlim.Max, maxTableSize)
	}
	if rlim.Cur >= want {
		return int(min(rlim.Cur, maxTableSize))
	}

	original := rlim.Cur
	rlim.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		return int(want)
	}
	if rlim.Max < want {
		rlim.Max = want
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
			return int(want)
		}
	}

	// settle for the hard limit
	_ = unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim)
	rlim.Cur = rlim.Max
	_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
	_ = unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim)
	logger.Warn().
		Uint64("wanted", want).
		Uint64("original", original).
		Uint64("current", rlim.Cur).
		Uint64("maximum", rlim.Max).
		Msg("failed to raise descriptor limit, using maximum allowed")
	return int(min(rlim.Cur, maxTableSize))
}

func localAddr(fd int) (uint32, uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, 0, err
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return binary.BigEndian.Uint32(in4.Addr[:]), uint16(in4.Port), nil
	}
	return 0, 0, errors.New("not an IPv4 socket")
}
