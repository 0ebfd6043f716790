package sink

import (
	"context"
	"encoding/base64"
	"time"

	"go.dedis.ch/framerelay/relay/impl"
	"go.dedis.ch/framerelay/transport"
	"go.dedis.ch/framerelay/types"
	"golang.org/x/xerrors"
)

// replyBacklog is how many complete replies can wait for the player.
const replyBacklog = 8

// Player plays little-endian PCM16 audio.
type Player interface {
	Play(pcm []byte) error
}

// NewVoiceSink returns a sink appending PCM16 chunks to the input buffer of a
// realtime voice API. The dialer carries the authentication headers. The
// session settings are sent as soon as the connection is open. Replies are
// played by player, or discarded if it is nil.
func NewVoiceSink(dialer transport.Dialer, address string, session types.RealtimeSession,
	player Player, opts ...Option) *VoiceSink {

	encode := func(f types.Frame) (types.Message, error) {
		if f.Encoding != types.EncodingPCM16 {
			return nil, xerrors.Errorf("unexpected encoding %q", f.Encoding)
		}
		return types.AudioAppendMessage{Audio: base64.StdEncoding.EncodeToString(f.Data)}, nil
	}

	logger := impl.Logger().With().Str("sink", "voice").Logger()

	v := &VoiceSink{
		socketSink: newSocketSink(dialer, address, encode, logger, opts...),
		session:    session,
		player:     player,
	}
	v.handle = v.handleEvent

	return v
}

// VoiceSink streams microphone audio to a realtime voice API and plays the
// spoken replies.
//
// - implements relay.Sink
type VoiceSink struct {
	*socketSink

	session types.RealtimeSession
	player  Player

	// reply accumulates the audio of the current response. Only the
	// listener goroutine touches it.
	reply   []byte
	replies chan []byte
}

// Open implements relay.Sink. It connects and configures the session.
func (v *VoiceSink) Open(ctx context.Context) error {
	v.replies = make(chan []byte, replyBacklog)

	err := v.socketSink.Open(ctx)
	if err != nil {
		return err
	}

	err = v.send(types.SessionUpdateMessage{Session: v.session}, time.Second)
	if err != nil {
		v.socketSink.Close()
		return xerrors.Errorf("failed to configure session: %v", err)
	}

	v.wg.Add(1)
	go v.playReplies()

	return nil
}

// EndTurn commits the audio sent so far and asks for a reply. The server
// also ends turns by itself when it detects silence.
func (v *VoiceSink) EndTurn(timeout time.Duration) error {
	if v.quit == nil {
		return transport.ErrClosed
	}

	select {
	case <-v.quit:
		return transport.ErrClosed
	default:
	}

	broken := v.brokenErr()
	if broken != nil {
		return impl.NewError(impl.KindTransientIO, "end turn", broken)
	}

	err := v.send(types.AudioCommitMessage{}, timeout)
	if err != nil {
		return err
	}

	return v.send(types.ResponseCreateMessage{}, timeout)
}

func (v *VoiceSink) handleEvent(msg types.Message) {
	switch m := msg.(type) {
	case *types.ResponseAudioDeltaMessage:
		pcm, err := base64.StdEncoding.DecodeString(m.Delta)
		if err != nil {
			v.logger.Warn().Err(err).Msg("ignoring undecodable reply audio")
			return
		}
		v.reply = append(v.reply, pcm...)

	case *types.ResponseAudioDoneMessage:
		reply := v.reply
		v.reply = nil

		if len(reply) == 0 || v.player == nil {
			return
		}

		select {
		case v.replies <- reply:
		default:
			v.logger.Warn().Int("bytes", len(reply)).Msg("player is behind, dropping reply")
		}

	case *types.InputTranscriptionMessage:
		v.logger.Info().Str("transcript", m.Transcript).Msg("you")

	case *types.ResponseTranscriptDoneMessage:
		v.logger.Info().Str("transcript", m.Transcript).Msg("assistant")

	case *types.SpeechStartedMessage:
		v.logger.Info().Msg("speech started")

	case *types.SpeechStoppedMessage:
		v.logger.Info().Msg("speech stopped")

	case *types.ErrorMessage:
		v.logger.Warn().
			Str("type", m.Error.Type).
			Str("code", m.Error.Code).
			Msg(m.Error.Message)
	}
}

func (v *VoiceSink) playReplies() {
	defer v.wg.Done()

	for {
		select {
		case <-v.quit:
			return
		case reply := <-v.replies:
			err := v.player.Play(reply)
			if err != nil {
				v.logger.Warn().Err(err).Msg("failed to play reply")
			}
		}
	}
}
