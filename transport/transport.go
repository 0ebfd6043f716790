package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dialer establishes message-oriented connections.
type Dialer interface {
	// Dial opens a connection to the given address. The context bounds the
	// handshake only.
	Dial(ctx context.Context, address string) (Conn, error)
}

// Conn is a message-oriented connection. Send and Recv may be called
// concurrently with each other, but neither from more than one goroutine.
type Conn interface {
	// Send writes one message. It fails if the write does not complete
	// within timeout. A zero timeout means no deadline.
	Send(msg []byte, timeout time.Duration) error

	// Recv blocks until a message is received or the timeout is reached. In
	// the latter case it returns a TimeoutError and the connection stays
	// usable.
	Recv(timeout time.Duration) ([]byte, error)

	// Close releases the connection. Closing twice returns ErrClosed.
	Close() error
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// TimeoutError is returned by Recv when no message arrived in time.
type TimeoutError time.Duration

func (err TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %d", time.Duration(err))
}

// Is makes errors.Is(err, TimeoutError(0)) match any timeout.
func (TimeoutError) Is(target error) bool {
	_, ok := target.(TimeoutError)
	return ok
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	return errors.Is(err, TimeoutError(0))
}
