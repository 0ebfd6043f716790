package sink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

// listenTimeout bounds each receive of the listener goroutine.
const listenTimeout = 100 * time.Millisecond

// Option configures a socket sink.
type Option func(*socketSink)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *socketSink) {
		s.logger = l
	}
}

// WithEventHandler is called from the listener goroutine for every message
// received from the peer.
func WithEventHandler(h func(types.Message)) Option {
	return func(s *socketSink) {
		s.onEvent = h
	}
}

// socketSink sends one message per frame over a connection. A listener
// goroutine reads what the peer sends back, and records a broken connection
// so that the next Deliver fails.
type socketSink struct {
	dialer  transport.Dialer
	address string
	encode  func(types.Frame) (types.Message, error)
	logger  zerolog.Logger
	onEvent func(types.Message)

	// handle reacts to peer messages on behalf of the embedding sink.
	handle func(types.Message)

	conn transport.Conn

	mu     sync.Mutex
	broken error

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSocketSink(dialer transport.Dialer, address string, encode func(types.Frame) (types.Message, error),
	logger zerolog.Logger, opts ...Option) *socketSink {

	s := &socketSink{
		dialer:  dialer,
		address: address,
		encode:  encode,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open implements relay.Sink
func (s *socketSink) Open(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx, s.address)
	if err != nil {
		return xerrors.Errorf("failed to connect to %s: %v", s.address, err)
	}

	s.conn = conn
	s.quit = make(chan struct{})

	s.wg.Add(1)
	go s.listen()

	s.logger.Info().Str("address", s.address).Msg("connected")

	return nil
}

func (s *socketSink) listen() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		data, err := s.conn.Recv(listenTimeout)
		if transport.IsTimeout(err) {
			continue
		}
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.logger.Warn().Err(err).Msg("connection lost")
				s.mu.Lock()
				s.broken = err
				s.mu.Unlock()
			}
			return
		}

		msg, err := types.UnmarshalMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("ignoring unparsable message")
			continue
		}

		switch m := msg.(type) {
		case *types.BroadcasterConnectedMessage:
			s.logger.Info().Int("viewers", m.Viewers).Msg("broadcaster registered")
		case *types.UnknownMessage:
			s.logger.Debug().Str("type", m.Type).Msg("event")
		default:
			s.logger.Debug().Str("message", msg.String()).Msg("event")
		}

		if s.handle != nil {
			s.handle(msg)
		}

		if s.onEvent != nil {
			s.onEvent(msg)
		}
	}
}

// Deliver implements relay.Sink
func (s *socketSink) Deliver(frame types.Frame, timeout time.Duration) error {
	broken := s.brokenErr()
	if broken != nil {
		return impl.NewError(impl.KindTransientIO, "deliver", broken)
	}

	msg, err := s.encode(frame)
	if err != nil {
		return impl.NewError(impl.KindMalformedData, "encode", err)
	}

	return s.send(msg, timeout)
}

func (s *socketSink) brokenErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.broken
}

func (s *socketSink) send(msg types.Message, timeout time.Duration) error {
	data, err := types.MarshalMessage(msg)
	if err != nil {
		return impl.NewError(impl.KindMalformedData, "marshal", err)
	}

	err = s.conn.Send(data, timeout)
	if err != nil {
		return impl.NewError(impl.KindTransientIO, "send", err)
	}

	return nil
}

// Close implements relay.Sink
func (s *socketSink) Close() error {
	if s.conn == nil {
		return nil
	}

	err := transport.ErrClosed

	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.conn.Close()
		s.wg.Wait()
	})

	return err
}

// NewBroadcastSink returns a sink publishing frames as video_frame messages.
func NewBroadcastSink(dialer transport.Dialer, address string, opts ...Option) *BroadcastSink {
	encode := func(f types.Frame) (types.Message, error) {
		return types.NewVideoFrameMessage(f), nil
	}

	logger := impl.Logger().With().Str("sink", "broadcast").Logger()

	return &BroadcastSink{
		socketSink: newSocketSink(dialer, address, encode, logger, opts...),
	}
}

// BroadcastSink publishes frames to a relay hub.
//
// - implements relay.Sink
type BroadcastSink struct {
	*socketSink
}
