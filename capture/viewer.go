package capture

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

// ViewerOption configures a ViewerSource.
type ViewerOption func(*ViewerSource)

// WithEventHandler is called for every message that is not a video frame.
// It runs on the session producer and must return quickly.
func WithEventHandler(h func(types.Message)) ViewerOption {
	return func(v *ViewerSource) {
		v.onEvent = h
	}
}

// WithViewerLogger sets the logger.
func WithViewerLogger(l zerolog.Logger) ViewerOption {
	return func(v *ViewerSource) {
		v.logger = l
	}
}

// NewViewerSource returns a source receiving video frames from a relay hub.
func NewViewerSource(dialer transport.Dialer, address string, opts ...ViewerOption) *ViewerSource {
	v := &ViewerSource{
		dialer:  dialer,
		address: address,
		logger:  impl.Logger().With().Str("source", "viewer").Logger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// ViewerSource turns the video_frame messages of a connection into frames.
//
// - implements relay.Source
type ViewerSource struct {
	dialer  transport.Dialer
	address string
	logger  zerolog.Logger
	onEvent func(types.Message)

	conn transport.Conn
}

// Open implements relay.Source
func (v *ViewerSource) Open(ctx context.Context) error {
	conn, err := v.dialer.Dial(ctx, v.address)
	if err != nil {
		return xerrors.Errorf("failed to connect viewer: %v", err)
	}

	v.conn = conn
	v.logger.Info().Str("address", v.address).Msg("connected as viewer")

	return nil
}

// Next implements relay.Source. Unparsable messages are reported as
// malformed data, events are passed to the event handler.
func (v *ViewerSource) Next(timeout time.Duration) (types.Frame, bool, error) {
	data, err := v.conn.Recv(timeout)
	if transport.IsTimeout(err) {
		return types.Frame{}, false, nil
	}
	if err != nil {
		return types.Frame{}, false, impl.NewError(impl.KindTransientIO, "receive", err)
	}

	msg, err := types.UnmarshalMessage(data)
	if err != nil {
		return types.Frame{}, false, impl.NewError(impl.KindMalformedData, "parse message", err)
	}

	switch m := msg.(type) {
	case *types.VideoFrameMessage:
		frame, err := m.Frame()
		if err != nil {
			return types.Frame{}, false, impl.NewError(impl.KindMalformedData, "parse frame", err)
		}
		return frame, true, nil
	case *types.ViewerConnectedMessage:
		v.logger.Info().Bool("broadcaster", m.BroadcasterConnected).Msg("viewer registered")
	case *types.UnknownMessage:
		v.logger.Debug().Str("type", m.Type).Msg("ignoring message")
	default:
		v.logger.Info().Str("message", msg.String()).Msg("event")
	}

	if v.onEvent != nil {
		v.onEvent(msg)
	}

	return types.Frame{}, false, nil
}

// Close implements relay.Source
func (v *ViewerSource) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}
