package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhtworks/kademlia/transport"
)

func Test_Channel_SendRecv(t *testing.T) {
	trans := NewTransport()

	s1, err := trans.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	s2, err := trans.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	require.NotEqual(t, s1.GetAddress(), s2.GetAddress())

	require.NoError(t, s1.Send(s2.GetAddress(), []byte("hi"), 0))

	dg, err := s2.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, s1.GetAddress(), dg.From)
	require.Equal(t, []byte("hi"), dg.Payload)
}

func Test_Channel_RecvTimeout(t *testing.T) {
	trans := NewTransport()

	s1, err := trans.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	_, err = s1.Recv(50 * time.Millisecond)
	require.True(t, errors.Is(err, transport.TimeoutErr(0)))
}

func Test_Channel_SendToUnknownIsDropped(t *testing.T) {
	trans := NewTransport()

	s1, err := trans.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	// like UDP, nothing fails loudly
	require.NoError(t, s1.Send("127.0.0.1:9999", []byte("void"), 0))
}

func Test_Channel_Close(t *testing.T) {
	trans := NewTransport()

	s1, err := trans.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, s1.Close())
	require.Error(t, s1.Close())

	_, err = s1.Recv(time.Second)
	require.True(t, errors.Is(err, transport.ErrClosed))

	err = s1.Send("anywhere", nil, 0)
	require.True(t, errors.Is(err, transport.ErrClosed))
}

func Test_Channel_AddressReuseAfterClose(t *testing.T) {
	trans := NewTransport()

	s1, err := trans.CreateSocket("127.0.0.1:4000")
	require.NoError(t, err)

	_, err = trans.CreateSocket("127.0.0.1:4000")
	require.Error(t, err)

	require.NoError(t, s1.Close())

	_, err = trans.CreateSocket("127.0.0.1:4000")
	require.NoError(t, err)
}
