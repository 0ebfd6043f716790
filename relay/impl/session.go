package impl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/metrics"
	"go.dedis.ch/framerelay/relay"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

const (
	// DefaultPollTimeout bounds every wait of the relay loops, and therefore
	// how long a stop takes to be observed.
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultDeliverTimeout bounds a single Sink.Deliver.
	DefaultDeliverTimeout = time.Second

	DefaultQueueCapacity = 2
)

// SessionConfig describes one relay session.
type SessionConfig struct {
	Source relay.Source
	Sink   relay.Sink

	QueueCapacity int
	Policy        types.OverflowPolicy

	PollTimeout    time.Duration
	DeliverTimeout time.Duration

	// Kind labels logs and metrics, e.g. "broadcast" or "view".
	Kind string

	Logger  *zerolog.Logger
	Metrics *metrics.Relay
}

// NewSession creates an idle session. Zero values in conf are replaced by
// defaults.
func NewSession(conf SessionConfig) *Session {
	if conf.QueueCapacity == 0 {
		conf.QueueCapacity = DefaultQueueCapacity
	}
	if conf.PollTimeout <= 0 {
		conf.PollTimeout = DefaultPollTimeout
	}
	if conf.DeliverTimeout <= 0 {
		conf.DeliverTimeout = DefaultDeliverTimeout
	}
	if conf.Kind == "" {
		conf.Kind = "relay"
	}

	base := logger
	if conf.Logger != nil {
		base = *conf.Logger
	}

	id := xid.New().String()

	return &Session{
		conf:   conf,
		id:     id,
		queue:  NewBoundedQueue(conf.QueueCapacity, conf.Policy),
		logger: base.With().Str("session", id).Str("kind", conf.Kind).Logger(),
		done:   make(chan struct{}),
		errs:   make(map[string]uint64),
	}
}

// Session moves frames from a source to a sink through a bounded queue. A
// producer goroutine reads the source and a consumer goroutine feeds the
// sink. The session state is the only stop signal: both loops check it after
// every bounded wait.
//
// - implements relay.Session
type Session struct {
	conf   SessionConfig
	id     string
	queue  *BoundedQueue
	logger zerolog.Logger

	state atomic.Int32

	// startMu serializes Start and the idle case of Stop.
	startMu    sync.Mutex
	sourceOpen bool
	sinkOpen   bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	produced  atomic.Uint64
	delivered atomic.Uint64
	drained   atomic.Uint64
	seq       uint64

	errMu   sync.Mutex
	cause   error
	errs    map[string]uint64
	lastErr error
}

// Start implements relay.Session. It returns a RelayError of kind
// KindResourceAcquisition if the source or the sink can't be opened, in which
// case the session is closed.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if !s.state.CompareAndSwap(int32(types.Idle), int32(types.Connecting)) {
		return AlreadyRunningError{State: s.State()}
	}
	s.logger.Info().Msg("connecting")

	err := s.conf.Source.Open(ctx)
	if err != nil {
		return s.failStart(NewError(KindResourceAcquisition, "open source", err))
	}
	s.sourceOpen = true

	err = s.conf.Sink.Open(ctx)
	if err != nil {
		return s.failStart(NewError(KindResourceAcquisition, "open sink", err))
	}
	s.sinkOpen = true

	s.setState(types.Streaming)

	s.wg.Add(2)
	go s.produce()
	go s.consume()

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("context done, stopping")
			s.requestStop(nil)
		case <-s.done:
		}
	}()

	return nil
}

func (s *Session) failStart(err *RelayError) error {
	s.logger.Error().Err(err).Msg("failed to start session")
	s.recordError(err)

	s.errMu.Lock()
	s.cause = err
	s.errMu.Unlock()

	s.release()
	s.setState(types.Closed)
	s.doneOnce.Do(func() { close(s.done) })

	return err
}

// Stop implements relay.Session
func (s *Session) Stop() error {
	s.startMu.Lock()
	if s.state.CompareAndSwap(int32(types.Idle), int32(types.Closed)) {
		s.logger.Info().Msg("closed before start")
		s.doneOnce.Do(func() { close(s.done) })
	}
	s.startMu.Unlock()

	s.requestStop(nil)
	<-s.done

	return nil
}

// Wait implements relay.Session
func (s *Session) Wait() error {
	<-s.done

	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.cause
}

// Done implements relay.Session
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State implements relay.Session
func (s *Session) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

// ID implements relay.Session
func (s *Session) ID() string {
	return s.id
}

// Stats implements relay.Session
func (s *Session) Stats() relay.Stats {
	s.errMu.Lock()
	errs := make(map[string]uint64, len(s.errs))
	for kind, n := range s.errs {
		errs[kind] = n
	}
	lastErr := ""
	if s.lastErr != nil {
		lastErr = s.lastErr.Error()
	}
	s.errMu.Unlock()

	return relay.Stats{
		State:     s.State(),
		Produced:  s.produced.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.queue.Dropped() + s.drained.Load(),
		Queued:    s.queue.Len(),
		Errors:    errs,
		LastError: lastErr,
	}
}

func (s *Session) setState(state types.SessionState) {
	s.state.Store(int32(state))
	s.logger.Debug().Str("state", state.String()).Msg("state changed")
}

func (s *Session) streaming() bool {
	return s.State() == types.Streaming
}

// requestStop moves a streaming session to Stopping and tears it down in the
// background. Only the first call has an effect; cause is nil for a stop on
// request.
func (s *Session) requestStop(cause error) {
	if !s.state.CompareAndSwap(int32(types.Streaming), int32(types.Stopping)) {
		return
	}

	if cause != nil {
		s.logger.Warn().Err(cause).Msg("stopping session")
		s.errMu.Lock()
		s.cause = cause
		s.errMu.Unlock()
	} else {
		s.logger.Info().Msg("stopping session")
	}

	go s.teardown()
}

func (s *Session) teardown() {
	s.wg.Wait()

	n := s.queue.Drain()
	if n > 0 {
		s.drained.Add(uint64(n))
		s.conf.Metrics.Dropped(s.conf.Kind, n)
		s.logger.Debug().Int("frames", n).Msg("discarded queued frames")
	}
	s.conf.Metrics.QueueLength(s.conf.Kind, 0)

	s.release()

	s.setState(types.Closed)
	s.logger.Info().
		Uint64("produced", s.produced.Load()).
		Uint64("delivered", s.delivered.Load()).
		Msg("session closed")

	s.doneOnce.Do(func() { close(s.done) })
}

// release closes what was opened, sink first. Errors are logged and dropped.
func (s *Session) release() {
	var errs []error

	if s.sinkOpen {
		s.sinkOpen = false
		err := s.conf.Sink.Close()
		if err != nil {
			errs = append(errs, xerrors.Errorf("failed to close sink: %v", err))
		}
	}

	if s.sourceOpen {
		s.sourceOpen = false
		err := s.conf.Source.Close()
		if err != nil {
			errs = append(errs, xerrors.Errorf("failed to close source: %v", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to release resources")
	}
}

func (s *Session) recordError(err error) {
	kind := KindOf(err).String()

	s.errMu.Lock()
	s.errs[kind]++
	s.lastErr = err
	s.errMu.Unlock()

	s.conf.Metrics.Error(s.conf.Kind, kind)
}

func (s *Session) produce() {
	defer s.wg.Done()

	var dropped uint64

	for s.streaming() {
		frame, ok, err := s.conf.Source.Next(s.conf.PollTimeout)
		if err != nil {
			if IsMalformed(err) {
				s.recordError(err)
				s.logger.Debug().Err(err).Msg("dropping malformed input")
				continue
			}

			err = wrapKind(KindTransientIO, "read source", err)
			s.recordError(err)
			s.requestStop(err)
			return
		}

		if !ok {
			continue
		}

		s.seq++
		frame.Seq = s.seq

		s.produced.Add(1)
		s.conf.Metrics.Produced(s.conf.Kind)

		if !s.queue.Push(frame) {
			s.logger.Debug().Uint64("seq", frame.Seq).Msg("queue full, frame dropped")
		}

		total := s.queue.Dropped()
		s.conf.Metrics.Dropped(s.conf.Kind, int(total-dropped))
		dropped = total

		s.conf.Metrics.QueueLength(s.conf.Kind, s.queue.Len())
	}
}

func (s *Session) consume() {
	defer s.wg.Done()

	for s.streaming() {
		frame, ok := s.queue.Pop(s.conf.PollTimeout)
		if !ok {
			continue
		}

		start := time.Now()

		err := s.conf.Sink.Deliver(frame, s.conf.DeliverTimeout)
		if err != nil {
			if IsMalformed(err) {
				s.recordError(err)
				s.logger.Debug().Err(err).Uint64("seq", frame.Seq).Msg("sink dropped frame")
				continue
			}

			err = wrapKind(KindTransientIO, "deliver", err)
			s.recordError(err)
			s.requestStop(err)
			return
		}

		s.delivered.Add(1)
		s.conf.Metrics.Delivered(s.conf.Kind, time.Since(start))
	}
}

// wrapKind returns err as a RelayError, keeping its kind if it already has
// one.
func wrapKind(kind ErrorKind, op string, err error) error {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return err
	}
	return NewError(kind, op, err)
}
