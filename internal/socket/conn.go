package socket

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/events"
)

// SetEOF flags an active session for closing. The protocol parser closes
// it on the next pass.
func (c *Core) SetEOF(fd int) {
	if !c.IsActive(fd) {
		return
	}
	c.addShortlist(fd)
	c.session[fd].Flag.EOF = true
}

// connectCheck screens an inbound address against the ACL and the
// connection history.
func (c *Core) connectCheck(ip uint32) bool {
	decision := c.history.Check(ip, c.acl.Check(ip), c.gettick())
	if c.opts.AccessDebug {
		c.logger.Debug().
			Str("ip", access.IP2Str(ip)).
			Str("decision", decision.String()).
			Msg("connect check")
	}
	return decision != access.Reject
}

// accept takes one pending connection from a listener.
func (c *Core) accept(listenFD int) int {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		if !wouldBlock(err) && !errors.Is(err, unix.ECONNABORTED) {
			c.logger.Error().Err(err).Int("listen_fd", listenFD).Msg("accept failed")
		}
		return -1
	}
	ip := sockaddrIP(sa)

	if fd == 0 {
		c.logger.Error().Msg("accept: socket #0 is reserved")
		sysClose(fd)
		return -1
	}
	if fd >= c.capacity {
		c.logger.Error().
			Int("fd", fd).
			Int("capacity", c.capacity).
			Msg("accept: new socket exceeds session table capacity")
		sysClose(fd)
		c.rejected(ip, "table_full")
		return -1
	}

	setSocketOpts(c.logger, fd, nil)
	if err := setNonblocking(fd); err != nil {
		c.logger.Error().Err(err).Int("fd", fd).Msg("accept: failed to set non-blocking mode")
		sysClose(fd)
		return -1
	}

	if c.opts.IPRules && !c.connectCheck(ip) {
		sysClose(fd)
		c.rejected(ip, "access")
		return -1
	}

	if err := c.poller.Add(fd); err != nil {
		c.logger.Error().Err(err).Int("fd", fd).Msg("accept: failed to register socket")
		sysClose(fd)
		return -1
	}
	s, err := c.CreateSession(fd, StreamHandler{Parse: c.defaultParse})
	if err != nil {
		c.logger.Error().Err(err).Int("fd", fd).Msg("accept: failed to create session")
		_ = c.poller.Remove(fd)
		sysClose(fd)
		return -1
	}
	s.ClientAddr = ip
	c.stats.accepted++

	c.logger.Debug().Int("fd", fd).Str("ip", access.IP2Str(ip)).Msg("connection accepted")
	c.emit(events.EventSessionOpened, events.SessionPayload{
		FD: fd,
		ID: s.ID.String(),
		IP: access.IP2Str(ip),
	})
	return fd
}

func (c *Core) rejected(ip uint32, reason string) {
	c.stats.rejected++
	c.emit(events.EventConnectionRejected, events.RejectPayload{
		IP:     access.IP2Str(ip),
		Reason: reason,
	})
}

// ListenBind opens a listening socket on ip:port. ErrHandleReserved and
// ErrHandleRange may be retried; any other error means the server cannot
// run.
func (c *Core) ListenBind(ip uint32, port uint16) (int, error) {
	fd, err := newTCPSocket()
	if err != nil {
		return -1, fmt.Errorf("listen_bind: socket creation failed: %w", err)
	}
	if fd == 0 {
		c.logger.Error().Msg("listen_bind: socket #0 is reserved")
		sysClose(fd)
		return -1, ErrHandleReserved
	}
	if fd >= c.capacity {
		c.logger.Error().Int("fd", fd).Int("capacity", c.capacity).Msg("listen_bind: socket exceeds session table capacity")
		sysClose(fd)
		return -1, fmt.Errorf("listen_bind: fd %d: %w", fd, ErrHandleRange)
	}

	setSocketOpts(c.logger, fd, nil)
	if err := setNonblocking(fd); err != nil {
		sysClose(fd)
		return -1, fmt.Errorf("listen_bind: set non-blocking: %w", err)
	}
	if err := unix.Bind(fd, sockaddr(ip, port)); err != nil {
		sysClose(fd)
		return -1, fmt.Errorf("listen_bind: bind failed (socket #%d, %s:%d): %w", fd, access.IP2Str(ip), port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		sysClose(fd)
		return -1, fmt.Errorf("listen_bind: listen failed (socket #%d): %w", fd, err)
	}
	if err := c.poller.Add(fd); err != nil {
		sysClose(fd)
		return -1, fmt.Errorf("listen_bind: %w", err)
	}

	s, err := c.CreateSession(fd, listenHandler{})
	if err != nil {
		_ = c.poller.Remove(fd)
		sysClose(fd)
		return -1, fmt.Errorf("listen_bind: %w", err)
	}
	s.ClientAddr = 0
	s.rdataTick = 0 // listeners never time out

	_, bound, _ := localAddr(fd)
	c.logger.Info().
		Int("fd", fd).
		Str("ip", access.IP2Str(ip)).
		Uint16("port", bound).
		Msg("listening")
	return fd, nil
}

// Connect opens an outbound connection. The connect itself blocks (bounded
// by opts.SetTimeout), then the socket switches to non-blocking mode.
// Outbound peers are not screened.
func (c *Core) Connect(ip uint32, port uint16, opts *ConnectOptions) (int, error) {
	silent := opts != nil && opts.Silent

	fd, err := newTCPSocket()
	if err != nil {
		c.logger.Error().Err(err).Msg("connect: socket creation failed")
		return -1, fmt.Errorf("connect: socket creation failed: %w", err)
	}
	if fd == 0 {
		c.logger.Error().Msg("connect: socket #0 is reserved")
		sysClose(fd)
		return -1, ErrHandleReserved
	}
	if fd >= c.capacity {
		c.logger.Error().Int("fd", fd).Int("capacity", c.capacity).Msg("connect: socket exceeds session table capacity")
		sysClose(fd)
		return -1, fmt.Errorf("connect: fd %d: %w", fd, ErrHandleRange)
	}

	setSocketOpts(c.logger, fd, opts)

	if !silent {
		c.logger.Info().Str("ip", access.IP2Str(ip)).Uint16("port", port).Msg("connecting")
	}
	for {
		err = unix.Connect(fd, sockaddr(ip, port))
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		if !silent {
			c.logger.Error().Err(err).Int("fd", fd).Msg("connect failed")
		}
		sysClose(fd)
		return -1, fmt.Errorf("connect to %s:%d: %w", access.IP2Str(ip), port, err)
	}

	s, err := c.Attach(fd, StreamHandler{Parse: c.defaultParse})
	if err != nil {
		sysClose(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	s.ClientAddr = ip

	c.emit(events.EventSessionOpened, events.SessionPayload{
		FD:       fd,
		ID:       s.ID.String(),
		IP:       access.IP2Str(ip),
		Outbound: true,
	})
	return fd, nil
}

// Close flushes what it can, deregisters and closes the socket and frees
// the session. Closing an empty slot is a no-op.
func (c *Core) Close(fd int) {
	if fd <= 0 || fd >= c.capacity {
		return
	}
	s := c.session[fd]
	if s == nil {
		return
	}

	c.Flush(fd)
	if err := c.poller.Remove(fd); err != nil {
		c.logger.Debug().Err(err).Int("fd", fd).Msg("failed to deregister socket")
	}
	sysClose(fd)

	c.emit(events.EventSessionClosed, events.SessionPayload{
		FD:     fd,
		ID:     s.ID.String(),
		IP:     access.IP2Str(s.ClientAddr),
		Server: s.Flag.Server,
	})
	c.DestroySession(fd)
}

// LocalPort returns the port a socket is bound to.
func (c *Core) LocalPort(fd int) (uint16, error) {
	_, port, err := localAddr(fd)
	return port, err
}

// Kick flags a peer session EOF so its parser closes it on the next tick.
// Listeners and sessions already closing are left alone.
func (c *Core) Kick(fd int) bool {
	if !c.IsActive(fd) {
		return false
	}
	s := c.session[fd]
	if _, listener := s.handler.(listenHandler); listener {
		return false
	}
	c.logger.Info().
		Int("fd", fd).
		Str("ip", access.IP2Str(s.ClientAddr)).
		Msg("session kicked")
	c.SetEOF(fd)
	return true
}

// ResetDDoS forgets the connection history of ip, lifting a DDoS flag.
func (c *Core) ResetDDoS(ip uint32) bool {
	if !c.history.Reset(ip) {
		return false
	}
	c.logger.Info().Str("ip", access.IP2Str(ip)).Msg("connection history reset")
	c.emit(events.EventDDoSReset, events.DDoSPayload{IP: access.IP2Str(ip)})
	return true
}
