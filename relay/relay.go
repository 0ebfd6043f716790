package relay

import (
	"context"
	"time"

	"go.dedis.ch/framerelay/types"
)

// Source produces frames. Next and Close may be called from different
// goroutines.
type Source interface {
	// Open acquires the underlying resource (HTTP stream, device, socket).
	Open(ctx context.Context) error

	// Next waits at most timeout for the next frame. It returns false without
	// error if nothing arrived in time.
	Next(timeout time.Duration) (types.Frame, bool, error)

	// Close releases the resource. It is called at most once by a session.
	Close() error
}

// Sink consumes frames.
type Sink interface {
	Open(ctx context.Context) error

	// Deliver hands one frame to the sink. It must not block longer than
	// timeout.
	Deliver(frame types.Frame, timeout time.Duration) error

	Close() error
}

// Queue is a bounded frame buffer between a producer and a consumer.
type Queue interface {
	// Push never blocks. It reports whether the frame was retained.
	Push(frame types.Frame) bool

	// Pop waits at most timeout for a frame and returns false if none came.
	Pop(timeout time.Duration) (types.Frame, bool)

	Len() int
	Dropped() uint64

	// Drain discards all queued frames and returns how many were dropped.
	Drain() int
}

// Session relays frames from one Source to one Sink.
type Session interface {
	// Start acquires the source and the sink and starts relaying. The
	// session stops when ctx is done.
	Start(ctx context.Context) error

	// Stop stops the session and blocks until it is closed. It is
	// idempotent.
	Stop() error

	// Wait blocks until the session is closed and returns the error that
	// stopped it, or nil if it was stopped on request.
	Wait() error

	// Done is closed once the session reaches the closed state.
	Done() <-chan struct{}

	State() types.SessionState
	ID() string
	Stats() Stats
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	State     types.SessionState
	Produced  uint64
	Delivered uint64
	Dropped   uint64
	Queued    int

	// Errors counts errors by kind name.
	Errors    map[string]uint64
	LastError string
}
