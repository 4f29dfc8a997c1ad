package refresh

import "context"

// Update is the input of one publish call. Reset-driven and timer-driven
// ticks produce identical updates.
type Update struct {
	Key     Key
	Payload []byte
}

// Publisher performs the actual fetch/render/send for one key.
//
// Calls for the same key never overlap. Publish may block for as long as
// ctx allows. A non-nil returned payload that differs from the input
// replaces the key's payload and is persisted.
type Publisher interface {
	Publish(ctx context.Context, u Update) ([]byte, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, u Update) ([]byte, error)

func (f PublisherFunc) Publish(ctx context.Context, u Update) ([]byte, error) { return f(ctx, u) }

// PayloadValidator is optionally implemented by a Publisher. Restore skips
// records whose payload it rejects.
type PayloadValidator interface {
	ValidatePayload(k Key, payload []byte) error
}
