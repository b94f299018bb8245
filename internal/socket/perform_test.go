package socket_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"

	"github.com/hercules-project/hercules/internal/socket"
	mock_socket "github.com/hercules-project/hercules/internal/socket/mocks"
)

func newMockedCore(t *testing.T) (*socket.Core, *mock_socket.MockPoller) {
	ctrl := gomock.NewController(t)
	poller := mock_socket.NewMockPoller(ctrl)
	poller.EXPECT().Name().Return("mock").AnyTimes()
	poller.EXPECT().MaxFD().Return(256).AnyTimes()
	poller.EXPECT().Close().Return(nil).AnyTimes()

	opts := socket.DefaultOptions()
	c, err := socket.New(opts, nil, socket.WithPoller(poller))
	require.NoError(t, err)
	return c, poller
}

func TestPerform_PollErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "interrupted", err: socket.ErrInterrupted},
		{name: "failure", err: unix.EBADF, wantErr: socket.ErrPollFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, poller := newMockedCore(t)
			defer c.Final()

			poller.EXPECT().Wait(50*time.Millisecond).Return(nil, tt.err)

			err := c.Perform(50 * time.Millisecond)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPerform_HangupWithoutDataEndsSession(t *testing.T) {
	c, poller := newMockedCore(t)
	defer c.Final()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	fd := fds[0]

	poller.EXPECT().Add(fd).Return(nil)
	_, err = c.Attach(fd, socket.StreamHandler{})
	require.NoError(t, err)

	gomock.InOrder(
		poller.EXPECT().Wait(gomock.Any()).Return([]socket.Event{{FD: fd, Hangup: true}}, nil),
		poller.EXPECT().Remove(fd).Return(nil),
	)

	require.NoError(t, c.Perform(0))
	assert.False(t, c.IsValid(fd))
}

func TestPerform_ReadyUnknownDescriptorIgnored(t *testing.T) {
	c, poller := newMockedCore(t)
	defer c.Final()

	poller.EXPECT().Wait(gomock.Any()).Return([]socket.Event{{FD: 0, Readable: true}, {FD: 42, Readable: true}}, nil)
	assert.NoError(t, c.Perform(0))
}

func TestAttach_PollerFailure(t *testing.T) {
	c, poller := newMockedCore(t)
	defer c.Final()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	poller.EXPECT().Add(fds[0]).Return(errors.New("epoll_ctl: no space"))
	_, err = c.Attach(fds[0], socket.StreamHandler{})
	assert.Error(t, err)
	assert.Nil(t, c.Session(fds[0]))
}
