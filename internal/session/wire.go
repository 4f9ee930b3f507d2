package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope message types exchanged with the remote speech endpoint.
const (
	// TypeAudio carries one base64-encoded PCM16 chunk.
	TypeAudio = "audio"

	// TypeComplete signals that no more audio will follow for the current
	// reply stream.
	TypeComplete = "complete"
)

// ErrMalformedEnvelope is returned for messages that cannot be decoded.
// The read loop logs these and keeps going; a bad message must never take
// the playback path down.
var ErrMalformedEnvelope = errors.New("session: malformed envelope")

// Envelope is the JSON message format on the speech socket, in both
// directions: audio chunks and stream-control markers.
type Envelope struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"` // base64-encoded little-endian PCM16
}

// Message is a decoded inbound envelope.
type Message struct {
	// Type is one of [TypeAudio] or [TypeComplete].
	Type string

	// PCM holds the decoded audio bytes for [TypeAudio] messages.
	PCM []byte
}

// EncodeAudio wraps a PCM16 chunk in an audio envelope.
func EncodeAudio(pcm []byte) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		Type:  TypeAudio,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return nil, fmt.Errorf("session: encode audio envelope: %w", err)
	}
	return data, nil
}

// EncodeComplete builds the end-of-stream marker.
func EncodeComplete() ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: TypeComplete})
	if err != nil {
		return nil, fmt.Errorf("session: encode complete envelope: %w", err)
	}
	return data, nil
}

// Decode parses one inbound message. Unknown types and undecodable payloads
// yield [ErrMalformedEnvelope].
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	switch env.Type {
	case TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(env.Audio)
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad audio payload: %w", ErrMalformedEnvelope, err)
		}
		return Message{Type: TypeAudio, PCM: pcm}, nil
	case TypeComplete:
		return Message{Type: TypeComplete}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}
}
