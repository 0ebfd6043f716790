package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.dedis.ch/framerelay/transport"
	"golang.org/x/xerrors"
)

const (
	// DefaultPingInterval matches the keepalive the relay backend expects.
	DefaultPingInterval = 20 * time.Second

	handshakeTimeout = 10 * time.Second
	controlWait      = time.Second
	maxMessageSize   = 16 << 20 // a few base64 JPEG frames
	incomingBacklog  = 16
)

// Option configures a WebSocket dialer.
type Option func(*WebSocket)

// WithHeader adds HTTP headers to the handshake request.
func WithHeader(header http.Header) Option {
	return func(w *WebSocket) {
		for key, values := range header {
			for _, v := range values {
				w.header.Add(key, v)
			}
		}
	}
}

// WithPingInterval sets the keepalive period. Zero disables pings.
func WithPingInterval(interval time.Duration) Option {
	return func(w *WebSocket) {
		w.pingInterval = interval
	}
}

// NewWebSocket returns a new websocket transport implementation.
func NewWebSocket(opts ...Option) *WebSocket {
	w := &WebSocket{
		header:       http.Header{},
		pingInterval: DefaultPingInterval,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// WebSocket implements a transport layer using websockets
//
// - implements transport.Dialer
type WebSocket struct {
	header       http.Header
	pingInterval time.Duration
	dialer       *gorilla.Dialer
}

// Dial implements transport.Dialer
func (w *WebSocket) Dial(ctx context.Context, address string) (transport.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, address, w.header)
	if err != nil {
		if resp != nil {
			return nil, xerrors.Errorf("failed to dial %s (status %d): %v", address, resp.StatusCode, err)
		}
		return nil, xerrors.Errorf("failed to dial %s: %v", address, err)
	}

	return newSocket(conn, w.pingInterval), nil
}

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade turns an incoming HTTP request into a Socket. On failure the
// upgrader has already written an HTTP error response.
func Upgrade(w http.ResponseWriter, r *http.Request, pingInterval time.Duration) (*Socket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to upgrade connection: %v", err)
	}

	return newSocket(conn, pingInterval), nil
}

// Socket implements a message connection over a websocket. A reader
// goroutine drains the connection so that Recv can time out without breaking
// it.
//
// - implements transport.Conn
type Socket struct {
	conn *gorilla.Conn

	writeMu sync.Mutex

	incoming chan []byte
	// readErr is written by the reader goroutine before incoming is closed.
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
}

func newSocket(conn *gorilla.Conn, pingInterval time.Duration) *Socket {
	conn.SetReadLimit(maxMessageSize)

	s := &Socket{
		conn:     conn,
		incoming: make(chan []byte, incomingBacklog),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	if pingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(pingInterval)
	}

	return s
}

func (s *Socket) readLoop() {
	defer s.wg.Done()
	defer close(s.incoming)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			return
		}

		select {
		case s.incoming <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *Socket) pingLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			err := s.conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(controlWait))
			if err != nil {
				return
			}
		}
	}
}

// Send implements transport.Conn
func (s *Socket) Send(msg []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	err := s.conn.SetWriteDeadline(deadline)
	if err != nil {
		return xerrors.Errorf("failed to set write deadline: %v", err)
	}

	err = s.conn.WriteMessage(gorilla.TextMessage, msg)
	if err != nil {
		return xerrors.Errorf("failed to send message: %w", err)
	}

	s.sent.Add(1)
	return nil
}

// Recv implements transport.Conn. A timeout <= 0 blocks until a message
// arrives or the connection ends.
func (s *Socket) Recv(timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data, ok := <-s.incoming:
		if !ok {
			return nil, s.recvError()
		}
		s.received.Add(1)
		return data, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-expired:
		return nil, transport.TimeoutError(timeout)
	}
}

func (s *Socket) recvError() error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}

	if gorilla.IsCloseError(s.readErr, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
		return xerrors.Errorf("connection closed by peer: %w", s.readErr)
	}

	return xerrors.Errorf("connection lost: %w", s.readErr)
}

// Close implements transport.Conn. It returns ErrClosed if already closed.
func (s *Socket) Close() error {
	err := transport.ErrClosed

	s.closeOnce.Do(func() {
		close(s.closed)

		// best effort, the peer may already be gone
		_ = s.conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
			time.Now().Add(controlWait))

		err = s.conn.Close()
		s.wg.Wait()
	})

	return err
}

// GetAddress returns the remote address of the connection.
func (s *Socket) GetAddress() string {
	return s.conn.RemoteAddr().String()
}

// Sent returns the number of messages written so far.
func (s *Socket) Sent() uint64 {
	return s.sent.Load()
}

// Received returns the number of messages handed to Recv so far.
func (s *Socket) Received() uint64 {
	return s.received.Load()
}
