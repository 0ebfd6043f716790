package capture

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

// StreamOption configures a StreamSource.
type StreamOption func(*StreamSource)

// WithHTTPClient sets the client used to fetch the stream. Its Timeout must
// be zero or the stream is cut after that duration.
func WithHTTPClient(client *http.Client) StreamOption {
	return func(s *StreamSource) {
		s.client = client
	}
}

// WithDecoderOptions configures the scan decoder of each connection.
func WithDecoderOptions(opts ...impl.DecoderOption) StreamOption {
	return func(s *StreamSource) {
		s.decoderOpts = append(s.decoderOpts, opts...)
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l zerolog.Logger) StreamOption {
	return func(s *StreamSource) {
		s.logger = l
	}
}

// NewStreamSource returns a source reading a multipart or raw MJPEG HTTP
// stream. Frames that are not valid JPEG images are dropped.
func NewStreamSource(url string, opts ...StreamOption) *StreamSource {
	s := &StreamSource{
		url:         url,
		client:      &http.Client{},
		decoderOpts: []impl.DecoderOption{impl.WithCodec(impl.JPEGCodec{})},
		logger:      impl.Logger().With().Str("source", "stream").Str("url", url).Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// StreamSource extracts JPEG frames from an HTTP response body. A pump
// goroutine reads the body and hands frames over one at a time.
//
// - implements relay.Source
type StreamSource struct {
	url         string
	client      *http.Client
	decoderOpts []impl.DecoderOption
	logger      zerolog.Logger

	frames chan types.Frame
	errc   chan error

	cancel    context.CancelFunc
	body      io.ReadCloser
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open implements relay.Source. The stream stays open until Close is called
// or ctx is done.
func (s *StreamSource) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return xerrors.Errorf("invalid stream url: %v", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return xerrors.Errorf("failed to connect to stream: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return xerrors.Errorf("stream responded with status %d", resp.StatusCode)
	}

	s.logger.Info().Str("content-type", resp.Header.Get("Content-Type")).Msg("stream connected")

	s.cancel = cancel
	s.body = resp.Body
	s.frames = make(chan types.Frame, 1)
	s.errc = make(chan error, 1)
	s.quit = make(chan struct{})

	s.wg.Add(1)
	go s.pump(impl.NewFrameReader(resp.Body, s.decoderOpts...))

	return nil
}

func (s *StreamSource) pump(reader *impl.FrameReader) {
	defer s.wg.Done()

	for {
		frame, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				err = impl.NewError(impl.KindTransientIO, "read stream", xerrors.Errorf("stream ended"))
			}

			stats := reader.Stats()
			s.logger.Debug().
				Uint64("frames", stats.Frames).
				Uint64("rejected", stats.Rejected).
				Uint64("resets", stats.Resets).
				Msg("stream pump done")

			select {
			case s.errc <- err:
			case <-s.quit:
			}
			return
		}

		select {
		case s.frames <- frame:
		case <-s.quit:
			return
		}
	}
}

// Next implements relay.Source
func (s *StreamSource) Next(timeout time.Duration) (types.Frame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, true, nil
	case err := <-s.errc:
		return types.Frame{}, false, err
	case <-s.quit:
		return types.Frame{}, false, transport.ErrClosed
	case <-timer.C:
		return types.Frame{}, false, nil
	}
}

// Close implements relay.Source
func (s *StreamSource) Close() error {
	if s.quit == nil {
		return nil
	}

	err := transport.ErrClosed

	s.closeOnce.Do(func() {
		close(s.quit)
		s.cancel()
		err = s.body.Close()
		s.wg.Wait()
	})

	return err
}
