package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vee2xx/camtron"
	"golang.org/x/xerrors"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
)

// NewWebcamSource returns a source reading the local camera through camtron.
// Camtron streams webm chunks, not JPEG images.
func NewWebcamSource() *WebcamSource {
	return &WebcamSource{
		logger: impl.Logger().With().Str("source", "webcam").Logger(),
	}
}

// WebcamSource captures the local camera. Only one can be open at a time
// since camtron is process-wide.
//
// - implements relay.Source
type WebcamSource struct {
	logger zerolog.Logger

	frames chan types.Frame
	stop   chan struct{}

	// dead is closed when the capture ends without Close being called.
	dead chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open implements relay.Source
func (w *WebcamSource) Open(ctx context.Context) error {
	received := make(chan []byte, 1)
	camtron.RegisterStream(received)

	w.start(received, camtron.Context)

	go camtron.StartCam()

	w.logger.Info().Msg("webcam started")

	return nil
}

// start relays the packets of received until Close, or until the capture
// ends on its own.
func (w *WebcamSource) start(received <-chan []byte, control <-chan string) {
	w.frames = make(chan types.Frame, 1)
	w.stop = make(chan struct{})
	w.dead = make(chan struct{})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.handle(received, control)

		select {
		case <-w.stop:
		default:
			close(w.dead)
		}
	}()
}

func (w *WebcamSource) handle(received <-chan []byte, control <-chan string) {
	for {
		select {
		case <-w.stop:
			return
		case packet, ok := <-received:
			if !ok {
				w.logger.Warn().Msg("webcam stream closed")
				return
			}

			frame := types.NewFrame(packet, types.EncodingWebM)

			// keep the capture loop going if nobody reads
			select {
			case w.frames <- frame:
			default:
			}
		case val := <-control:
			if val == "stop" {
				w.logger.Info().Msg("webcam stopped by camtron")
				return
			}
		}
	}
}

// Next implements relay.Source
func (w *WebcamSource) Next(timeout time.Duration) (types.Frame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-w.frames:
		return frame, true, nil
	case <-w.stop:
		return types.Frame{}, false, transport.ErrClosed
	case <-w.dead:
		return types.Frame{}, false, impl.NewError(impl.KindTransientIO, "webcam",
			xerrors.New("capture stopped"))
	case <-timer.C:
		return types.Frame{}, false, nil
	}
}

// Close implements relay.Source
func (w *WebcamSource) Close() error {
	if w.stop == nil {
		return nil
	}

	err := transport.ErrClosed

	w.closeOnce.Do(func() {
		close(w.stop)
		camtron.StopWebcamUI()
		camtron.ShutdownStream()
		w.wg.Wait()
		err = nil
	})

	return err
}
