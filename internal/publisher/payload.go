package publisher

import (
	"encoding/json"
	"errors"
	"fmt"

	"vwapbot/internal/refresh"
	kit "vwapbot/internal/transport"
)

// Payload is the persisted identity of the message a loop edits.
// The JSON shape matches rows migrated from the legacy schema.
type Payload struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

func payloadOf(ref kit.MessageRef) Payload {
	return Payload{ChatID: ref.ChatID, ThreadID: ref.ThreadID, MessageID: ref.MessageID}
}

func (p Payload) Ref() kit.MessageRef {
	return kit.MessageRef{ChatID: p.ChatID, ThreadID: p.ThreadID, MessageID: p.MessageID}
}

func (p Payload) Encode() []byte {
	b, _ := json.Marshal(p)
	return b
}

// DecodePayload parses a stored payload.
func DecodePayload(b []byte) (Payload, error) {
	if len(b) == 0 {
		return Payload{}, errors.New("empty payload")
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// ValidatePayload accepts payloads that point at a message in the key's
// own channel.
func (p *Publisher) ValidatePayload(k refresh.Key, b []byte) error {
	pl, err := DecodePayload(b)
	if err != nil {
		return err
	}
	if pl.ChatID != k.ChannelID {
		return fmt.Errorf("payload chat %d does not match channel %d", pl.ChatID, k.ChannelID)
	}
	if pl.MessageID <= 0 {
		return errors.New("payload has no message id")
	}
	return nil
}
