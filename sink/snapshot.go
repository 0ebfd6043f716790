package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

// NewSnapshotSink returns a sink saving every nth frame to dir. n below 1 is
// treated as 1.
func NewSnapshotSink(dir string, every int) *SnapshotSink {
	if every < 1 {
		every = 1
	}

	return &SnapshotSink{
		dir:   dir,
		every: uint64(every),
	}
}

// SnapshotSink writes frames to disk as frame_<seq>_<time>.<ext>.
//
// - implements relay.Sink
type SnapshotSink struct {
	dir   string
	every uint64

	seen  atomic.Uint64
	saved atomic.Uint64
}

// Open implements relay.Sink
func (s *SnapshotSink) Open(context.Context) error {
	err := os.MkdirAll(s.dir, 0o755)
	if err != nil {
		return xerrors.Errorf("failed to create snapshot directory: %v", err)
	}
	return nil
}

// Deliver implements relay.Sink
func (s *SnapshotSink) Deliver(frame types.Frame, timeout time.Duration) error {
	n := s.seen.Add(1)
	if (n-1)%s.every != 0 {
		return nil
	}

	name := fmt.Sprintf("frame_%06d_%s.%s",
		frame.Seq,
		frame.Timestamp.Format("20060102_150405.000"),
		extension(frame.Encoding))

	err := os.WriteFile(filepath.Join(s.dir, name), frame.Data, 0o644)
	if err != nil {
		return impl.NewError(impl.KindTransientIO, "save snapshot", err)
	}

	s.saved.Add(1)
	return nil
}

// Saved returns the number of files written.
func (s *SnapshotSink) Saved() uint64 {
	return s.saved.Load()
}

// Close implements relay.Sink
func (s *SnapshotSink) Close() error {
	return nil
}

func extension(encoding string) string {
	switch encoding {
	case types.EncodingJPEG, "":
		return "jpg"
	case types.EncodingPCM16:
		return "pcm"
	default:
		return encoding
	}
}

// FuncSink adapts a function to a sink.
//
// - implements relay.Sink
type FuncSink func(frame types.Frame) error

// Open implements relay.Sink
func (FuncSink) Open(context.Context) error {
	return nil
}

// Deliver implements relay.Sink
func (f FuncSink) Deliver(frame types.Frame, timeout time.Duration) error {
	return f(frame)
}

// Close implements relay.Sink
func (FuncSink) Close() error {
	return nil
}
