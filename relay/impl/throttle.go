package impl

import (
	"context"
	"time"

	"go.dedis.ch/framerelay/relay"
	"go.dedis.ch/framerelay/types"
)

// NewThrottledSource returns a source passing at most maxFPS frames per second
// from src. Frames arriving sooner are skipped. A rate that is not positive
// returns src unchanged.
func NewThrottledSource(src relay.Source, maxFPS float64) relay.Source {
	if maxFPS <= 0 {
		return src
	}

	return &ThrottledSource{
		src:      src,
		interval: time.Duration(float64(time.Second) / maxFPS),
		now:      time.Now,
	}
}

// ThrottledSource limits the frame rate of another source. Like any source it
// is polled by a single producer.
//
// - implements relay.Source
type ThrottledSource struct {
	src      relay.Source
	interval time.Duration
	now      func() time.Time

	last    time.Time
	skipped uint64
}

// Open implements relay.Source
func (t *ThrottledSource) Open(ctx context.Context) error {
	return t.src.Open(ctx)
}

// Next implements relay.Source
func (t *ThrottledSource) Next(timeout time.Duration) (types.Frame, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		frame, ok, err := t.src.Next(timeout)
		if err != nil || !ok {
			return frame, ok, err
		}

		now := t.now()
		if t.last.IsZero() || now.Sub(t.last) >= t.interval {
			t.last = now
			return frame, true, nil
		}

		t.skipped++

		timeout = time.Until(deadline)
		if timeout <= 0 {
			return types.Frame{}, false, nil
		}
	}
}

// Close implements relay.Source
func (t *ThrottledSource) Close() error {
	logger.Debug().Uint64("skipped", t.skipped).Msg("throttled source closed")
	return t.src.Close()
}

// Skipped returns how many frames were dropped to honor the rate.
func (t *ThrottledSource) Skipped() uint64 {
	return t.skipped
}
