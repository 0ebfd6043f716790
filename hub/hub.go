package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/metrics"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/transport/websocket"
	"go.dedis.ch/framerelay/types"
)

const (
	RoleBroadcaster = "broadcaster"
	RoleViewer      = "viewer"

	DefaultViewerQueue = 5
	pollTimeout        = 100 * time.Millisecond
	sendTimeout        = time.Second
)

// Option configures a Hub.
type Option func(*Hub)

// WithViewerQueue sets the number of frames buffered per viewer.
func WithViewerQueue(n int) Option {
	return func(h *Hub) {
		h.viewerQueue = n
	}
}

// WithPingInterval sets the websocket keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.pingInterval = d
	}
}

// WithMetrics records the viewer count and the per-viewer drops.
func WithMetrics(m *metrics.Relay) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// New returns a hub relaying the frames of one broadcaster to any number of
// viewers.
func New(opts ...Option) *Hub {
	h := &Hub{
		viewerQueue:  DefaultViewerQueue,
		pingInterval: websocket.DefaultPingInterval,
		logger:       impl.Logger().With().Str("component", "hub").Logger(),
		viewers:      newSafeMap[string, *viewer](),
		quit:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Hub serves /video?role=broadcaster|viewer. Every frame of the broadcaster
// is pushed to each viewer's queue; a slow viewer loses its oldest frames
// without slowing down the others.
type Hub struct {
	viewerQueue  int
	pingInterval time.Duration
	metrics      *metrics.Relay
	logger       zerolog.Logger

	viewers *safeMap[string, *viewer]

	mu          sync.Mutex
	broadcaster *websocket.Socket
	reserved    bool
	closed      bool

	quit chan struct{}
	wg   sync.WaitGroup
}

type viewer struct {
	id    string
	conn  *websocket.Socket
	queue *impl.BoundedQueue
}

// ServeHTTP implements http.Handler
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	defer h.wg.Done()

	switch role := r.URL.Query().Get("role"); role {
	case RoleBroadcaster:
		h.serveBroadcaster(w, r)
	case RoleViewer:
		h.serveViewer(w, r)
	default:
		http.Error(w, "role must be broadcaster or viewer", http.StatusBadRequest)
	}
}

func (h *Hub) serveBroadcaster(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.reserved {
		h.mu.Unlock()
		http.Error(w, "a broadcaster is already connected", http.StatusConflict)
		return
	}
	h.reserved = true
	h.mu.Unlock()

	conn, err := websocket.Upgrade(w, r, h.pingInterval)
	if err != nil {
		h.logger.Warn().Err(err).Msg("broadcaster upgrade failed")
		h.releaseBroadcaster()
		return
	}

	h.mu.Lock()
	h.broadcaster = conn
	h.mu.Unlock()

	logger := h.logger.With().Str("broadcaster", conn.GetAddress()).Logger()
	logger.Info().Int("viewers", h.viewers.len()).Msg("broadcaster connected")

	defer func() {
		conn.Close()
		h.releaseBroadcaster()
		logger.Info().Msg("broadcaster disconnected")
	}()

	err = h.send(conn, types.BroadcasterConnectedMessage{Viewers: h.viewers.len()})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to greet broadcaster")
		return
	}

	for {
		select {
		case <-h.quit:
			return
		default:
		}

		data, err := conn.Recv(pollTimeout)
		if transport.IsTimeout(err) {
			continue
		}
		if err != nil {
			logger.Debug().Err(err).Msg("broadcaster receive failed")
			return
		}

		msg, err := types.UnmarshalMessage(data)
		if err != nil {
			logger.Warn().Err(impl.NewError(impl.KindMalformedData, "parse", err)).Msg("dropping message")
			continue
		}

		video, ok := msg.(*types.VideoFrameMessage)
		if !ok {
			logger.Debug().Str("type", msg.Name()).Msg("ignoring message")
			continue
		}

		frame, err := video.Frame()
		if err != nil {
			logger.Warn().Err(impl.NewError(impl.KindMalformedData, "parse frame", err)).Msg("dropping frame")
			continue
		}

		h.fanOut(frame)
	}
}

func (h *Hub) releaseBroadcaster() {
	h.mu.Lock()
	h.broadcaster = nil
	h.reserved = false
	h.mu.Unlock()
}

func (h *Hub) fanOut(frame types.Frame) {
	for _, v := range h.viewers.values() {
		v.queue.Push(frame)
	}
}

func (h *Hub) serveViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, h.pingInterval)
	if err != nil {
		h.logger.Warn().Err(err).Msg("viewer upgrade failed")
		return
	}

	v := &viewer{
		id:    xid.New().String(),
		conn:  conn,
		queue: impl.NewBoundedQueue(h.viewerQueue, types.DropOldest),
	}

	logger := h.logger.With().Str("viewer", v.id).Logger()

	err = h.send(conn, types.ViewerConnectedMessage{BroadcasterConnected: h.HasBroadcaster()})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to greet viewer")
		conn.Close()
		return
	}

	n := h.viewers.set(v.id, v)
	h.metrics.Viewers(n)
	logger.Info().Int("viewers", n).Msg("viewer connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)

		// viewers send nothing useful, this only detects a disconnection
		for {
			_, err := conn.Recv(0)
			if err != nil {
				return
			}
		}
	}()

	h.writeViewer(v, gone, logger)

	conn.Close()
	<-gone

	n = h.viewers.delete(v.id)
	h.metrics.Viewers(n)
	h.metrics.Dropped("hub", int(v.queue.Dropped()))
	logger.Info().Int("viewers", n).Msg("viewer disconnected")
}

func (h *Hub) writeViewer(v *viewer, gone <-chan struct{}, logger zerolog.Logger) {
	for {
		select {
		case <-h.quit:
			return
		case <-gone:
			return
		default:
		}

		frame, ok := v.queue.Pop(pollTimeout)
		if !ok {
			continue
		}

		err := h.send(v.conn, types.NewVideoFrameMessage(frame))
		if err != nil {
			logger.Debug().Err(err).Msg("viewer send failed")
			return
		}
	}
}

func (h *Hub) send(conn transport.Conn, msg types.Message) error {
	data, err := types.MarshalMessage(msg)
	if err != nil {
		return err
	}
	return conn.Send(data, sendTimeout)
}

// HasBroadcaster reports whether a broadcaster is connected.
func (h *Hub) HasBroadcaster() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.broadcaster != nil
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	return h.viewers.len()
}

// Close disconnects everybody and waits for the handlers to return.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.ErrClosed
	}
	h.closed = true
	close(h.quit)
	h.mu.Unlock()

	h.wg.Wait()
	h.metrics.Viewers(0)

	return nil
}
