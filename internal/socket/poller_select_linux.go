package socket

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// fdSetSize is FD_SETSIZE on Linux.
const fdSetSize = 1024

type selectPoller struct {
	readfds unix.FdSet
	nfd     int
}

func newSelectPoller() *selectPoller {
	p := &selectPoller{}
	p.readfds.Zero()
	return p
}

func (p *selectPoller) Name() string { return PollerSelect }
func (p *selectPoller) MaxFD() int   { return fdSetSize }

func (p *selectPoller) Add(fd int) error {
	if fd < 0 || fd >= fdSetSize {
		return fmt.Errorf("select: fd %d: %w", fd, ErrHandleRange)
	}
	p.readfds.Set(fd)
	if fd >= p.nfd {
		p.nfd = fd + 1
	}
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	if fd < 0 || fd >= fdSetSize {
		return fmt.Errorf("select: fd %d: %w", fd, ErrHandleRange)
	}
	p.readfds.Clear(fd)
	return nil
}

func (p *selectPoller) Wait(timeout time.Duration) ([]Event, error) {
	rfd := p.readfds
	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	n, err := unix.Select(p.nfd, &rfd, nil, nil, &tv)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("select: %w", err)
	}

	events := make([]Event, 0, n)
	for fd := 1; n > 0 && fd < p.nfd; fd++ {
		if rfd.IsSet(fd) {
			events = append(events, Event{FD: fd, Readable: true})
			n--
		}
	}
	return events, nil
}

func (p *selectPoller) Close() error {
	p.readfds.Zero()
	p.nfd = 0
	return nil
}
