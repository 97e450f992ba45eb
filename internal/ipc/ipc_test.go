package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	parent, childFd, err := NewPair()
	require.NoError(t, err)
	defer parent.Close()

	child := NewEndpoint(childFd)
	defer child.Close()

	require.NoError(t, parent.Send(TagChdir, []byte("/tmp")))

	msg, err := child.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagChdir, msg.Tag)
	assert.Equal(t, "/tmp", string(msg.Payload))
}

func TestSendAckedRoundTrip(t *testing.T) {
	parent, childFd, err := NewPair()
	require.NoError(t, err)
	defer parent.Close()

	child := NewEndpoint(childFd)
	defer child.Close()

	child.Register(TagChdir, func(ep *Endpoint, msg *Message) error {
		assert.Equal(t, "/var/tmp", string(msg.Payload))
		return ep.SendErrno(TagChdirAck, 0)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := child.Recv()
		if !assert.NoError(t, err) {
			return
		}
		_, err = child.Dispatch(msg)
		assert.NoError(t, err)
	}()

	errno, err := parent.SendAcked(TagChdir, []byte("/var/tmp"), TagChdirAck)
	require.NoError(t, err)
	assert.EqualValues(t, 0, errno)

	<-done
}

func TestSendAckedReentrancyPanics(t *testing.T) {
	parent, childFd, err := NewPair()
	require.NoError(t, err)
	defer parent.Close()
	defer NewEndpoint(childFd).Close()

	parent.awaiting.Lock()
	defer parent.awaiting.Unlock()

	assert.Panics(t, func() {
		parent.SendAcked(TagChdir, nil, TagChdirAck)
	})
}

func TestTagName(t *testing.T) {
	assert.Equal(t, "RELEASE", TagName(TagRelease))
	assert.Equal(t, "tag 999", TagName(999))
}

func TestErrClosedOnPeerShutdown(t *testing.T) {
	parent, childFd, err := NewPair()
	require.NoError(t, err)
	child := NewEndpoint(childFd)
	require.NoError(t, child.Close())

	_, err = parent.Recv()
	assert.True(t, ErrClosed(err))
	parent.Close()
}
