package types

import "time"

/** Frames **/

// Frame is one complete encoded payload extracted from a stream. A Frame is
// never mutated once created: producers must not touch Data after handing the
// frame over, consumers only read it.
type Frame struct {
	// Data holds the encoded bytes (a whole JPEG image for camera streams).
	Data []byte

	// Timestamp is when the frame was captured or extracted.
	Timestamp time.Time

	Width  int
	Height int

	// Encoding tags the payload format, see the Encoding* constants.
	Encoding string

	// Seq is assigned by the session producer, starting at 1.
	Seq uint64

	// TraceID identifies the frame across logs.
	TraceID string
}

const (
	EncodingJPEG  = "jpeg"
	EncodingWebM  = "webm"
	EncodingPCM16 = "pcm16"
)

/** Sessions **/

type SessionState int32

const (
	Idle SessionState = iota
	Connecting
	Streaming
	Stopping
	Closed
)

// OverflowPolicy selects what a full queue does with a new frame.
type OverflowPolicy int

const (
	// DropNewest rejects the incoming frame. Used when relaying towards a
	// transport so the producer never blocks.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued frame so the consumer always sees
	// the most recent one. Used for display.
	DropOldest
)

/** Wire messages **/

// VideoFrameMessage carries one JPEG frame between broadcaster, hub and
// viewers.
type VideoFrameMessage struct {
	Data      string  `json:"data"`
	Timestamp float64 `json:"timestamp"`
	Format    string  `json:"format,omitempty"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

// BroadcasterConnectedMessage is sent by the hub to the broadcaster.
type BroadcasterConnectedMessage struct {
	Viewers int `json:"viewers"`
}

// ViewerConnectedMessage is sent by the hub to a viewer.
type ViewerConnectedMessage struct {
	BroadcasterConnected bool `json:"broadcaster_connected"`
}

// AudioAppendMessage appends base64 PCM16 audio to the realtime input buffer.
type AudioAppendMessage struct {
	Audio string `json:"audio"`
}

// AudioCommitMessage commits the realtime input buffer.
type AudioCommitMessage struct{}

// SessionUpdateMessage configures a realtime voice session.
type SessionUpdateMessage struct {
	Session RealtimeSession `json:"session"`
}

// RealtimeSession holds the settings of a realtime voice session.
type RealtimeSession struct {
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// TurnDetection lets the server detect the end of a spoken turn.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// ResponseCreateMessage asks the model to answer the committed audio.
type ResponseCreateMessage struct{}

// ResponseAudioDeltaMessage carries a chunk of base64 PCM16 reply audio.
type ResponseAudioDeltaMessage struct {
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta"`
}

// ResponseAudioDoneMessage ends the reply audio of a response.
type ResponseAudioDoneMessage struct {
	ResponseID string `json:"response_id,omitempty"`
}

// ResponseTranscriptDeltaMessage carries a piece of the reply transcript.
type ResponseTranscriptDeltaMessage struct {
	Delta string `json:"delta"`
}

// ResponseTranscriptDoneMessage carries the whole reply transcript.
type ResponseTranscriptDoneMessage struct {
	Transcript string `json:"transcript"`
}

// InputTranscriptionMessage carries the transcript of what the user said.
type InputTranscriptionMessage struct {
	Transcript string `json:"transcript"`
}

// SpeechStartedMessage is sent when the server detects speech.
type SpeechStartedMessage struct{}

// SpeechStoppedMessage is sent when the server detects the end of speech.
type SpeechStoppedMessage struct{}

// ErrorMessage reports a failed request of a realtime session.
type ErrorMessage struct {
	Error RealtimeError `json:"error"`
}

// RealtimeError describes what went wrong.
type RealtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// UnknownMessage keeps any well-formed message whose type is not registered.
type UnknownMessage struct {
	Type string `json:"-"`
	Raw  []byte `json:"-"`
}
