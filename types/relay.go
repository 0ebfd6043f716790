package types

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Message is a JSON message exchanged over a relay transport. Name is the
// value of the "type" field on the wire.
type Message interface {
	NewEmpty() Message
	Name() string
	String() string
}

// -----------------------------------------------------------------------------
// Frame

// NewFrame builds a frame stamped with the current time and a fresh trace ID.
func NewFrame(data []byte, encoding string) Frame {
	return Frame{
		Data:      data,
		Timestamp: time.Now(),
		Encoding:  encoding,
		TraceID:   uuid.NewString(),
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("{frame #%d %s %dB %dx%d}", f.Seq, f.Encoding, len(f.Data), f.Width, f.Height)
}

// NewVideoFrameMessage packages a frame for the wire.
func NewVideoFrameMessage(f Frame) VideoFrameMessage {
	format := f.Encoding
	if format == "" {
		format = EncodingJPEG
	}

	return VideoFrameMessage{
		Data:      base64.StdEncoding.EncodeToString(f.Data),
		Timestamp: float64(f.Timestamp.UnixNano()) / float64(time.Second),
		Format:    format,
		Width:     f.Width,
		Height:    f.Height,
	}
}

// Frame decodes the base64 payload back into a frame.
func (m VideoFrameMessage) Frame() (Frame, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return Frame{}, xerrors.Errorf("invalid frame payload: %v", err)
	}

	encoding := m.Format
	if encoding == "" {
		encoding = EncodingJPEG
	}

	frame := NewFrame(data, encoding)
	frame.Width = m.Width
	frame.Height = m.Height
	if m.Timestamp > 0 {
		frame.Timestamp = time.Unix(0, int64(m.Timestamp*float64(time.Second)))
	}

	return frame, nil
}

// -----------------------------------------------------------------------------
// SessionState

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// -----------------------------------------------------------------------------
// OverflowPolicy

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// -----------------------------------------------------------------------------
// VideoFrameMessage

// NewEmpty implements types.Message.
func (m VideoFrameMessage) NewEmpty() Message {
	return &VideoFrameMessage{}
}

// Name implements types.Message.
func (m VideoFrameMessage) Name() string {
	return "video_frame"
}

// String implements types.Message.
func (m VideoFrameMessage) String() string {
	return fmt.Sprintf("{video_frame %dx%d %s %d chars}", m.Width, m.Height, m.Format, len(m.Data))
}

// -----------------------------------------------------------------------------
// BroadcasterConnectedMessage

// NewEmpty implements types.Message.
func (m BroadcasterConnectedMessage) NewEmpty() Message {
	return &BroadcasterConnectedMessage{}
}

// Name implements types.Message.
func (m BroadcasterConnectedMessage) Name() string {
	return "broadcaster_connected"
}

// String implements types.Message.
func (m BroadcasterConnectedMessage) String() string {
	return fmt.Sprintf("{broadcaster_connected viewers=%d}", m.Viewers)
}

// -----------------------------------------------------------------------------
// ViewerConnectedMessage

// NewEmpty implements types.Message.
func (m ViewerConnectedMessage) NewEmpty() Message {
	return &ViewerConnectedMessage{}
}

// Name implements types.Message.
func (m ViewerConnectedMessage) Name() string {
	return "viewer_connected"
}

// String implements types.Message.
func (m ViewerConnectedMessage) String() string {
	return fmt.Sprintf("{viewer_connected broadcaster=%v}", m.BroadcasterConnected)
}

// -----------------------------------------------------------------------------
// AudioAppendMessage

// NewEmpty implements types.Message.
func (m AudioAppendMessage) NewEmpty() Message {
	return &AudioAppendMessage{}
}

// Name implements types.Message.
func (m AudioAppendMessage) Name() string {
	return "input_audio_buffer.append"
}

// String implements types.Message.
func (m AudioAppendMessage) String() string {
	return fmt.Sprintf("{input_audio_buffer.append %d chars}", len(m.Audio))
}

// -----------------------------------------------------------------------------
// AudioCommitMessage

// NewEmpty implements types.Message.
func (m AudioCommitMessage) NewEmpty() Message {
	return &AudioCommitMessage{}
}

// Name implements types.Message.
func (m AudioCommitMessage) Name() string {
	return "input_audio_buffer.commit"
}

// String implements types.Message.
func (m AudioCommitMessage) String() string {
	return "{input_audio_buffer.commit}"
}

// -----------------------------------------------------------------------------
// SessionUpdateMessage

// NewEmpty implements types.Message.
func (m SessionUpdateMessage) NewEmpty() Message {
	return &SessionUpdateMessage{}
}

// Name implements types.Message.
func (m SessionUpdateMessage) Name() string {
	return "session.update"
}

// String implements types.Message.
func (m SessionUpdateMessage) String() string {
	return fmt.Sprintf("{session.update voice=%s}", m.Session.Voice)
}

// -----------------------------------------------------------------------------
// ResponseCreateMessage

// NewEmpty implements types.Message.
func (m ResponseCreateMessage) NewEmpty() Message {
	return &ResponseCreateMessage{}
}

// Name implements types.Message.
func (m ResponseCreateMessage) Name() string {
	return "response.create"
}

// String implements types.Message.
func (m ResponseCreateMessage) String() string {
	return "{response.create}"
}

// -----------------------------------------------------------------------------
// ResponseAudioDeltaMessage

// NewEmpty implements types.Message.
func (m ResponseAudioDeltaMessage) NewEmpty() Message {
	return &ResponseAudioDeltaMessage{}
}

// Name implements types.Message.
func (m ResponseAudioDeltaMessage) Name() string {
	return "response.audio.delta"
}

// String implements types.Message.
func (m ResponseAudioDeltaMessage) String() string {
	return fmt.Sprintf("{response.audio.delta %d chars}", len(m.Delta))
}

// -----------------------------------------------------------------------------
// ResponseAudioDoneMessage

// NewEmpty implements types.Message.
func (m ResponseAudioDoneMessage) NewEmpty() Message {
	return &ResponseAudioDoneMessage{}
}

// Name implements types.Message.
func (m ResponseAudioDoneMessage) Name() string {
	return "response.audio.done"
}

// String implements types.Message.
func (m ResponseAudioDoneMessage) String() string {
	return "{response.audio.done}"
}

// -----------------------------------------------------------------------------
// ResponseTranscriptDeltaMessage

// NewEmpty implements types.Message.
func (m ResponseTranscriptDeltaMessage) NewEmpty() Message {
	return &ResponseTranscriptDeltaMessage{}
}

// Name implements types.Message.
func (m ResponseTranscriptDeltaMessage) Name() string {
	return "response.audio_transcript.delta"
}

// String implements types.Message.
func (m ResponseTranscriptDeltaMessage) String() string {
	return fmt.Sprintf("{response.audio_transcript.delta %q}", m.Delta)
}

// -----------------------------------------------------------------------------
// ResponseTranscriptDoneMessage

// NewEmpty implements types.Message.
func (m ResponseTranscriptDoneMessage) NewEmpty() Message {
	return &ResponseTranscriptDoneMessage{}
}

// Name implements types.Message.
func (m ResponseTranscriptDoneMessage) Name() string {
	return "response.audio_transcript.done"
}

// String implements types.Message.
func (m ResponseTranscriptDoneMessage) String() string {
	return fmt.Sprintf("{response.audio_transcript.done %q}", m.Transcript)
}

// -----------------------------------------------------------------------------
// InputTranscriptionMessage

// NewEmpty implements types.Message.
func (m InputTranscriptionMessage) NewEmpty() Message {
	return &InputTranscriptionMessage{}
}

// Name implements types.Message.
func (m InputTranscriptionMessage) Name() string {
	return "conversation.item.input_audio_transcription.completed"
}

// String implements types.Message.
func (m InputTranscriptionMessage) String() string {
	return fmt.Sprintf("{input transcription %q}", m.Transcript)
}

// -----------------------------------------------------------------------------
// SpeechStartedMessage

// NewEmpty implements types.Message.
func (m SpeechStartedMessage) NewEmpty() Message {
	return &SpeechStartedMessage{}
}

// Name implements types.Message.
func (m SpeechStartedMessage) Name() string {
	return "input_audio_buffer.speech_started"
}

// String implements types.Message.
func (m SpeechStartedMessage) String() string {
	return "{input_audio_buffer.speech_started}"
}

// -----------------------------------------------------------------------------
// SpeechStoppedMessage

// NewEmpty implements types.Message.
func (m SpeechStoppedMessage) NewEmpty() Message {
	return &SpeechStoppedMessage{}
}

// Name implements types.Message.
func (m SpeechStoppedMessage) Name() string {
	return "input_audio_buffer.speech_stopped"
}

// String implements types.Message.
func (m SpeechStoppedMessage) String() string {
	return "{input_audio_buffer.speech_stopped}"
}

// -----------------------------------------------------------------------------
// ErrorMessage

// NewEmpty implements types.Message.
func (m ErrorMessage) NewEmpty() Message {
	return &ErrorMessage{}
}

// Name implements types.Message.
func (m ErrorMessage) Name() string {
	return "error"
}

// String implements types.Message.
func (m ErrorMessage) String() string {
	return fmt.Sprintf("{error type=%s code=%s: %s}", m.Error.Type, m.Error.Code, m.Error.Message)
}

// -----------------------------------------------------------------------------
// UnknownMessage

// NewEmpty implements types.Message.
func (m UnknownMessage) NewEmpty() Message {
	return &UnknownMessage{}
}

// Name implements types.Message.
func (m UnknownMessage) Name() string {
	return m.Type
}

// String implements types.Message.
func (m UnknownMessage) String() string {
	return fmt.Sprintf("{%s %s}", m.Type, string(m.Raw))
}
