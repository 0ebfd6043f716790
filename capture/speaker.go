package capture

import (
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"golang.org/x/xerrors"
)

// NewSpeaker returns a player for the default output device. It plays the
// same format the microphone captures.
func NewSpeaker() *Speaker {
	return &Speaker{
		logger: impl.Logger().With().Str("sink", "speaker").Logger(),
	}
}

// Speaker plays 16-bit mono PCM at MicSampleRate with blocking writes.
type Speaker struct {
	sync.Mutex

	logger zerolog.Logger

	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// Open starts the output stream.
func (s *Speaker) Open() error {
	err := portaudio.Initialize()
	if err != nil {
		return xerrors.Errorf("failed to initialize PortAudio: %v", err)
	}

	s.buf = make([]int16, MicFramesPerChunk)

	stream, err := portaudio.OpenDefaultStream(0, MicChannels, MicSampleRate, len(s.buf), &s.buf)
	if err != nil {
		portaudio.Terminate()
		return xerrors.Errorf("failed to open PortAudio output: %v", err)
	}

	err = stream.Start()
	if err != nil {
		stream.Close()
		portaudio.Terminate()
		return xerrors.Errorf("failed to start PortAudio output: %v", err)
	}

	s.stream = stream
	s.logger.Info().Int("rate", MicSampleRate).Msg("speaker started")

	return nil
}

// Play writes little-endian PCM16 audio and returns once it is queued on the
// device. The last buffer is padded with silence.
func (s *Speaker) Play(pcm []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.stream == nil || s.closed {
		return transport.ErrClosed
	}

	samples := DecodePCM16(pcm)

	for len(samples) > 0 {
		n := copy(s.buf, samples)
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		samples = samples[n:]

		err := s.stream.Write()
		if err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return xerrors.Errorf("failed to play audio: %v", err)
		}
	}

	s.logger.Debug().Int("bytes", len(pcm)).Msg("played")

	return nil
}

// Close stops the output stream.
func (s *Speaker) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.stream == nil {
		return nil
	}
	if s.closed {
		return transport.ErrClosed
	}

	s.closed = true

	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	terminateErr := portaudio.Terminate()

	return errors.Join(stopErr, closeErr, terminateErr)
}
