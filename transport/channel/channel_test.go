package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/framerelay/transport"
)

func TestScenario(t *testing.T) {
	tr := NewTransport()

	l, err := tr.Listen("hub")
	require.NoError(t, err)
	defer l.Close()

	client, err := tr.Dial(context.Background(), "hub")
	require.NoError(t, err)

	server, err := l.Accept(time.Second)
	require.NoError(t, err)

	msg := []byte("hello")
	require.NoError(t, client.Send(msg, time.Second))

	// the sender may reuse its buffer
	msg[0] = 'j'

	got, err := server.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, server.Send([]byte("world"), time.Second))

	got, err = client.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))

	require.Equal(t, uint64(1), server.Sent())
	require.Equal(t, uint64(1), server.Received())
}

func TestListen_AddressInUse(t *testing.T) {
	tr := NewTransport()

	l, err := tr.Listen("hub")
	require.NoError(t, err)

	_, err = tr.Listen("hub")
	require.Error(t, err)

	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Close(), transport.ErrClosed)

	// the address is free again
	l, err = tr.Listen("hub")
	require.NoError(t, err)
	l.Close()
}

func TestDial_Refused(t *testing.T) {
	tr := NewTransport()

	_, err := tr.Dial(context.Background(), "nowhere")
	require.Error(t, err)

	l, err := tr.Listen("hub")
	require.NoError(t, err)
	l.Close()

	_, err = tr.Dial(context.Background(), "hub")
	require.Error(t, err)
}

func TestAccept_Timeout(t *testing.T) {
	tr := NewTransport()

	l, err := tr.Listen("hub")
	require.NoError(t, err)

	_, err = l.Accept(10 * time.Millisecond)
	require.True(t, transport.IsTimeout(err))

	l.Close()

	_, err = l.Accept(time.Second)
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestRecv_Timeout(t *testing.T) {
	a, _ := Pipe()

	start := time.Now()
	_, err := a.Recv(20 * time.Millisecond)
	require.True(t, transport.IsTimeout(err))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSend_Backpressure(t *testing.T) {
	a, _ := Pipe()

	for i := 0; i < backlog; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}, time.Second))
	}

	err := a.Send([]byte("one too many"), 10*time.Millisecond)
	require.ErrorContains(t, err, "timed out")
}

func TestClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Send([]byte("last words"), time.Second))
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), transport.ErrClosed)
	require.Equal(t, uint64(2), a.Closes())

	require.ErrorIs(t, a.Send([]byte("x"), time.Second), transport.ErrClosed)

	_, err := a.Recv(time.Second)
	require.ErrorIs(t, err, transport.ErrClosed)

	// buffered messages survive the peer closing
	got, err := b.Recv(time.Second)
	require.NoError(t, err)
	require.Equal(t, "last words", string(got))

	_, err = b.Recv(time.Second)
	require.ErrorContains(t, err, "closed by peer")

	require.ErrorContains(t, b.Send([]byte("x"), time.Second), "closed by peer")
}
