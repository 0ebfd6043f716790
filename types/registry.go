package types

import (
	"bytes"
	"encoding/json"

	"golang.org/x/xerrors"
)

// registry maps a wire "type" to an empty message of that type.
var registry = map[string]Message{}

func init() {
	Register(VideoFrameMessage{})
	Register(BroadcasterConnectedMessage{})
	Register(ViewerConnectedMessage{})
	Register(AudioAppendMessage{})
	Register(AudioCommitMessage{})
	Register(SessionUpdateMessage{})
	Register(ResponseCreateMessage{})
	Register(ResponseAudioDeltaMessage{})
	Register(ResponseAudioDoneMessage{})
	Register(ResponseTranscriptDeltaMessage{})
	Register(ResponseTranscriptDoneMessage{})
	Register(InputTranscriptionMessage{})
	Register(SpeechStartedMessage{})
	Register(SpeechStoppedMessage{})
	Register(ErrorMessage{})
}

// Register makes a message type known to UnmarshalMessage. It is not
// thread-safe and is meant to be called from init functions.
func Register(msg Message) {
	registry[msg.Name()] = msg
}

// MarshalMessage encodes a message as a flat JSON object with its "type"
// field set to msg.Name().
func MarshalMessage(msg Message) ([]byte, error) {
	if unknown, ok := msg.(*UnknownMessage); ok {
		return unknown.Raw, nil
	}
	if unknown, ok := msg.(UnknownMessage); ok {
		return unknown.Raw, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal %s: %v", msg.Name(), err)
	}

	name, err := json.Marshal(msg.Name())
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal message type: %v", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(name) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(name)

	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}

	return buf.Bytes(), nil
}

// UnmarshalMessage decodes a JSON object by dispatching on its "type" field.
// Types that are not registered come back as *UnknownMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var header struct {
		Type string `json:"type"`
	}

	err := json.Unmarshal(data, &header)
	if err != nil {
		return nil, xerrors.Errorf("message is not a JSON object: %v", err)
	}

	if header.Type == "" {
		return nil, xerrors.Errorf("message has no type")
	}

	empty, ok := registry[header.Type]
	if !ok {
		raw := make([]byte, len(data))
		copy(raw, data)
		return &UnknownMessage{Type: header.Type, Raw: raw}, nil
	}

	msg := empty.NewEmpty()
	err = json.Unmarshal(data, msg)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal %s: %v", header.Type, err)
	}

	return msg, nil
}
