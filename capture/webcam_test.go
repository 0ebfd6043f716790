package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
)

func TestWebcamSource_Relay(t *testing.T) {
	received := make(chan []byte, 1)
	control := make(chan string)

	w := NewWebcamSource()
	w.start(received, control)

	received <- []byte{0x1A, 0x45}

	frame, ok, err := w.Next(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x1A, 0x45}, frame.Data)
	require.Equal(t, types.EncodingWebM, frame.Encoding)

	_, ok, err = w.Next(10 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	close(w.stop)
	w.wg.Wait()

	_, _, err = w.Next(time.Second)
	require.ErrorIs(t, err, transport.ErrClosed)
}

// A capture stopped from the camtron side ends the source with an error
// instead of an endless run of empty polls.
func TestWebcamSource_StoppedByCamtron(t *testing.T) {
	received := make(chan []byte, 1)
	control := make(chan string)

	w := NewWebcamSource()
	w.start(received, control)

	control <- "pause"
	control <- "stop"
	w.wg.Wait()

	_, ok, err := w.Next(time.Second)
	require.False(t, ok)
	require.Error(t, err)
	require.Equal(t, impl.KindTransientIO, impl.KindOf(err))
	require.ErrorContains(t, err, "capture stopped")
}

func TestWebcamSource_StreamClosed(t *testing.T) {
	received := make(chan []byte)

	w := NewWebcamSource()
	w.start(received, nil)

	close(received)
	w.wg.Wait()

	_, _, err := w.Next(time.Second)
	require.Equal(t, impl.KindTransientIO, impl.KindOf(err))
}
