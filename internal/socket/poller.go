package socket

import (
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -source=poller.go -destination=mocks/mock_poller.go

// ErrInterrupted is returned by Poller.Wait when a signal interrupted the
// wait. The reactor treats it as an empty tick.
var ErrInterrupted = errors.New("poll interrupted")

// Event reports the readiness of one descriptor.
type Event struct {
	FD       int
	Readable bool
	// Hangup is set when the descriptor reported an error or hangup.
	Hangup bool
}

// Poller is a readiness notification backend.
type Poller interface {
	// Name identifies the backend in logs.
	Name() string
	// MaxFD is the highest descriptor number the backend can watch plus
	// one, or 0 when unbounded.
	MaxFD() int
	Add(fd int) error
	Remove(fd int) error
	// Wait blocks up to timeout and returns the ready descriptors.
	Wait(timeout time.Duration) ([]Event, error)
	Close() error
}

// Poller names accepted in configuration.
const (
	PollerEpoll  = "epoll"
	PollerSelect = "select"
)

// NewPoller creates the named backend. maxEvents bounds how many events
// epoll returns per wait.
func NewPoller(name string, maxEvents int) (Poller, error) {
	switch name {
	case PollerEpoll, "":
		return newEpollPoller(maxEvents)
	case PollerSelect:
		return newSelectPoller(), nil
	default:
		return nil, fmt.Errorf("unknown poller %q", name)
	}
}
