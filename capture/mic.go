package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

const (
	// MicSampleRate is the rate expected by the realtime voice API.
	MicSampleRate     = 24000
	MicChannels       = 1
	MicFramesPerChunk = 1024
)

// NewMicSource returns a source capturing the default input device.
func NewMicSource() *MicSource {
	return &MicSource{
		logger: impl.Logger().With().Str("source", "mic").Logger(),
	}
}

// MicSource captures 16-bit mono PCM chunks. Each frame holds
// MicFramesPerChunk little-endian samples.
//
// - implements relay.Source
type MicSource struct {
	logger zerolog.Logger

	stream *portaudio.Stream
	chunks chan types.Frame
	stop   chan struct{}

	closeOnce sync.Once
}

// Open implements relay.Source
func (m *MicSource) Open(ctx context.Context) error {
	err := portaudio.Initialize()
	if err != nil {
		return xerrors.Errorf("failed to initialize PortAudio: %v", err)
	}

	m.chunks = make(chan types.Frame, 1)
	m.stop = make(chan struct{})

	stream, err := portaudio.OpenDefaultStream(MicChannels, 0, MicSampleRate, MicFramesPerChunk, m.callback)
	if err != nil {
		portaudio.Terminate()
		return xerrors.Errorf("failed to open PortAudio stream: %v", err)
	}

	err = stream.Start()
	if err != nil {
		stream.Close()
		portaudio.Terminate()
		return xerrors.Errorf("failed to start PortAudio stream: %v", err)
	}

	m.stream = stream
	m.logger.Info().Int("rate", MicSampleRate).Msg("microphone started")

	return nil
}

// callback runs on the PortAudio thread and must not block.
func (m *MicSource) callback(in []int16) {
	m.push(in)
}

func (m *MicSource) push(samples []int16) {
	frame := types.NewFrame(EncodePCM16(samples), types.EncodingPCM16)

	select {
	case m.chunks <- frame:
	default:
	}
}

// EncodePCM16 encodes samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes little-endian bytes into samples. A trailing odd byte
// is ignored.
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

// Next implements relay.Source
func (m *MicSource) Next(timeout time.Duration) (types.Frame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-m.chunks:
		return frame, true, nil
	case <-m.stop:
		return types.Frame{}, false, transport.ErrClosed
	case <-timer.C:
		return types.Frame{}, false, nil
	}
}

// Close implements relay.Source
func (m *MicSource) Close() error {
	if m.stream == nil {
		return nil
	}

	err := transport.ErrClosed

	m.closeOnce.Do(func() {
		close(m.stop)

		stopErr := m.stream.Stop()
		closeErr := m.stream.Close()
		terminateErr := portaudio.Terminate()

		err = errors.Join(stopErr, closeErr, terminateErr)
	})

	return err
}
