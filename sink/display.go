package sink

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

// NewDisplaySink returns a sink showing JPEG frames in a window of app. The
// app must be run by the caller on the main goroutine.
func NewDisplaySink(app fyne.App, title string, size fyne.Size) *DisplaySink {
	return &DisplaySink{
		app:    app,
		title:  title,
		size:   size,
		logger: impl.Logger().With().Str("sink", "display").Logger(),
	}
}

// DisplaySink renders frames. Closing the window breaks the sink.
//
// - implements relay.Sink
type DisplaySink struct {
	app    fyne.App
	title  string
	size   fyne.Size
	logger zerolog.Logger

	window fyne.Window
	image  *canvas.Image

	shown     atomic.Uint64
	gone      chan struct{}
	goneOnce  sync.Once
	closeOnce sync.Once
}

// Open implements relay.Sink
func (d *DisplaySink) Open(ctx context.Context) error {
	d.gone = make(chan struct{})

	d.image = canvas.NewImageFromImage(image.NewGray(image.Rect(0, 0, 1, 1)))
	d.image.FillMode = canvas.ImageFillContain

	d.window = d.app.NewWindow(d.title)
	d.window.SetContent(d.image)
	d.window.Resize(d.size)
	d.window.SetOnClosed(func() {
		d.goneOnce.Do(func() { close(d.gone) })
	})
	d.window.Show()

	return nil
}

// Deliver implements relay.Sink. Frames that can't be decoded are reported as
// malformed and the previous image stays on screen.
func (d *DisplaySink) Deliver(frame types.Frame, timeout time.Duration) error {
	select {
	case <-d.gone:
		return impl.NewError(impl.KindTransientIO, "display", xerrors.Errorf("window closed"))
	default:
	}

	if frame.Encoding != types.EncodingJPEG {
		return impl.NewError(impl.KindMalformedData, "display",
			xerrors.Errorf("can't display %q frames", frame.Encoding))
	}

	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return impl.NewError(impl.KindMalformedData, "decode", err)
	}

	d.image.Image = img
	d.image.Refresh()

	n := d.shown.Add(1)
	if n == 1 {
		bounds := img.Bounds()
		d.logger.Info().Int("width", bounds.Dx()).Int("height", bounds.Dy()).Msg("first frame displayed")
	}

	return nil
}

// Shown returns the number of frames displayed so far.
func (d *DisplaySink) Shown() uint64 {
	return d.shown.Load()
}

// Closed is closed when the window goes away.
func (d *DisplaySink) Closed() <-chan struct{} {
	return d.gone
}

// Close implements relay.Sink
func (d *DisplaySink) Close() error {
	if d.window == nil {
		return nil
	}

	err := transport.ErrClosed

	d.closeOnce.Do(func() {
		d.window.Close()
		d.goneOnce.Do(func() { close(d.gone) })
		err = nil
	})

	return err
}
