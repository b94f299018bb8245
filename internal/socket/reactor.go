package socket

import (
	"errors"
	"fmt"
	"time"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/events"
)

// Perform runs one reactor tick, blocking up to next in the poll:
//
//  1. send pending output
//  2. poll for readable descriptors
//  3. receive on every ready descriptor
//  4. send again, and let EOF sessions close through their parser
//  5. check stalls, parse input and compact the read buffers
//
// An interrupted poll ends the tick early without error. Any other poll
// failure is returned wrapped in ErrPollFailed and is fatal.
func (c *Core) Perform(next time.Duration) error {
	c.drainMailbox()

	c.sendPass(false)

	ready, err := c.poller.Wait(next)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return nil
		}
		c.logger.Error().Err(err).Str("poller", c.poller.Name()).Msg("poll failed")
		return fmt.Errorf("%w: %v", ErrPollFailed, err)
	}
	c.lastTick = c.now().Unix()

	for _, ev := range ready {
		s := c.Session(ev.FD)
		if s == nil || ev.FD == 0 {
			continue
		}
		if ev.Readable {
			s.handler.OnReadable(c, ev.FD)
		} else if ev.Hangup {
			c.SetEOF(ev.FD)
		}
	}

	c.sendPass(true)
	c.parsePass()
	return nil
}

// sendPass flushes sessions with pending output. After the poll it also
// hands EOF sessions to their parser so they get closed.
func (c *Core) sendPass(afterPoll bool) {
	if c.shortlist != nil {
		c.doSends()
		return
	}
	for fd := 1; fd < c.fdMax; fd++ {
		s := c.session[fd]
		if s == nil {
			continue
		}
		if s.wsize > 0 {
			s.handler.OnWritable(c, fd)
		}
		if afterPoll && s.Flag.EOF {
			s.handler.OnParse(c, fd)
		}
	}
}

func (c *Core) parsePass() {
	for fd := 1; fd < c.fdMax; fd++ {
		s := c.session[fd]
		if s == nil {
			continue
		}

		if idle := c.lastTick - s.rdataTick; s.rdataTick != 0 && idle > c.opts.StallTime {
			c.stalled(fd, s, idle)
		}

		s.handler.OnParse(c, fd)

		if s = c.session[fd]; s == nil {
			continue
		}
		c.flushRead(s)

		// a full buffer the parser could not consume holds a packet that
		// will never fit
		if s.rsize == len(s.rdata) {
			c.logger.Warn().
				Int("fd", fd).
				Str("ip", access.IP2Str(s.ClientAddr)).
				Int("max_rdata", len(s.rdata)).
				Msg("read buffer full, closing connection")
			c.SetEOF(fd)
		}
	}
}

// stalled handles a session idle for longer than the stall time. Server
// links are asked to ping and only dropped after twice the stall time with
// the ping unanswered; clients are dropped at once.
func (c *Core) stalled(fd int, s *Session, idle int64) {
	if s.Flag.Server {
		switch {
		case s.Flag.Ping != PingSent:
			s.Flag.Ping = PingRequested
		case idle > 2*c.opts.StallTime:
			c.timedOut(fd, s, idle)
		}
		return
	}
	c.timedOut(fd, s, idle)
}

func (c *Core) timedOut(fd int, s *Session, idle int64) {
	if s.Flag.EOF {
		return
	}
	c.stats.timedOut++
	c.logger.Info().
		Int("fd", fd).
		Str("ip", access.IP2Str(s.ClientAddr)).
		Bool("server", s.Flag.Server).
		Int64("idle", idle).
		Msg("session timed out")
	c.emit(events.EventSessionTimeout, events.SessionPayload{
		FD:     fd,
		ID:     s.ID.String(),
		IP:     access.IP2Str(s.ClientAddr),
		Server: s.Flag.Server,
		Idle:   idle,
	})
	c.SetEOF(fd)
}
