package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.dedis.ch/framerelay/transport"
	"golang.org/x/xerrors"
)

const backlog = 16

// NewTransport returns a new in-memory transport. Connections only exist
// inside the process; it is meant for tests.
func NewTransport() *Transport {
	return &Transport{
		listeners: make(map[string]*Listener),
	}
}

// Transport implements an in-memory transport.
//
// - implements transport.Dialer
type Transport struct {
	sync.Mutex
	listeners map[string]*Listener
}

// Listen registers a listener at the given address.
func (t *Transport) Listen(address string) (*Listener, error) {
	t.Lock()
	defer t.Unlock()

	if _, exists := t.listeners[address]; exists {
		return nil, xerrors.Errorf("address already in use: %s", address)
	}

	l := &Listener{
		address:   address,
		transport: t,
		accept:    make(chan *Socket, backlog),
		closed:    make(chan struct{}),
	}
	t.listeners[address] = l

	return l, nil
}

// Dial implements transport.Dialer
func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	t.Lock()
	l, exists := t.listeners[address]
	t.Unlock()

	if !exists {
		return nil, xerrors.Errorf("connection refused: nothing listens on %s", address)
	}

	client, server := Pipe()

	select {
	case l.accept <- server:
		return client, nil
	case <-l.closed:
		return nil, xerrors.Errorf("connection refused: %s is closed", address)
	case <-ctx.Done():
		return nil, xerrors.Errorf("failed to dial %s: %v", address, ctx.Err())
	}
}

// Listener hands out the server side of dialed connections.
type Listener struct {
	address   string
	transport *Transport
	accept    chan *Socket
	closeOnce sync.Once
	closed    chan struct{}
}

// Accept waits up to timeout for an incoming connection.
func (l *Listener) Accept(timeout time.Duration) (*Socket, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sock := <-l.accept:
		return sock, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-timer.C:
		return nil, transport.TimeoutError(timeout)
	}
}

// Close unregisters the listener.
func (l *Listener) Close() error {
	err := transport.ErrClosed

	l.closeOnce.Do(func() {
		close(l.closed)

		l.transport.Lock()
		delete(l.transport.listeners, l.address)
		l.transport.Unlock()

		err = nil
	})

	return err
}

// Pipe returns both ends of an in-memory connection.
func Pipe() (*Socket, *Socket) {
	ab := make(chan []byte, backlog)
	ba := make(chan []byte, backlog)

	a := &Socket{in: ba, out: ab, closed: make(chan struct{})}
	b := &Socket{in: ab, out: ba, closed: make(chan struct{})}

	a.peerClosed = b.closed
	b.peerClosed = a.closed

	return a, b
}

// Socket is one end of an in-memory connection.
//
// - implements transport.Conn
type Socket struct {
	in  <-chan []byte
	out chan<- []byte

	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed <-chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
	closes   atomic.Uint64
}

// Send implements transport.Conn
func (s *Socket) Send(msg []byte, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.closed:
		return transport.ErrClosed
	case <-s.peerClosed:
		return xerrors.Errorf("connection closed by peer")
	default:
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case s.out <- buf:
		s.sent.Add(1)
		return nil
	case <-s.closed:
		return transport.ErrClosed
	case <-s.peerClosed:
		return xerrors.Errorf("connection closed by peer")
	case <-expired:
		return xerrors.Errorf("send timed out after %s", timeout)
	}
}

// Recv implements transport.Conn. Messages sent before the peer closed are
// still delivered.
func (s *Socket) Recv(timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-s.in:
		s.received.Add(1)
		return msg, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-s.peerClosed:
		select {
		case msg := <-s.in:
			s.received.Add(1)
			return msg, nil
		default:
			return nil, xerrors.Errorf("connection closed by peer")
		}
	case <-expired:
		return nil, transport.TimeoutError(timeout)
	}
}

// Close implements transport.Conn. It returns ErrClosed if already closed.
func (s *Socket) Close() error {
	s.closes.Add(1)

	err := transport.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = nil
	})

	return err
}

// Sent returns the number of messages sent.
func (s *Socket) Sent() uint64 {
	return s.sent.Load()
}

// Received returns the number of messages received.
func (s *Socket) Received() uint64 {
	return s.received.Load()
}

// Closes returns how many times Close was called.
func (s *Socket) Closes() uint64 {
	return s.closes.Load()
}
