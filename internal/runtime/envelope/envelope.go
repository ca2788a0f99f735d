// Package envelope defines the JSON wire message exchanged between services
// and its codec.
package envelope

import (
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	"github.com/drblury/ninjin/internal/runtime/validation"
)

const (
	// DefaultHandler is addressed when a sender names no handler.
	DefaultHandler = "default"
	// SchedulerResource marks envelopes owned by the delay scheduler.
	SchedulerResource = "_scheduler"
)

// Envelope is the message body on the wire. Unknown fields are ignored on
// decode.
type Envelope struct {
	Resource   string          `json:"resource,omitempty"`
	Handler    string          `json:"handler" validate:"required"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Filtering  json.RawMessage `json:"filtering,omitempty"`
	Ordering   string          `json:"ordering,omitempty"`
	Pagination json.RawMessage `json:"pagination,omitempty"`

	// Scheduler fields.
	Forward string `json:"forward,omitempty"`
	// Period is the repeat interval in milliseconds; zero means fire once.
	Period int64 `json:"period,omitempty" validate:"gte=0"`
	// Delay is the delivery delay in milliseconds.
	Delay int64 `json:"delay,omitempty" validate:"gte=0"`

	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// Validate reports missing required fields as ErrIncorrectMessage.
func (e *Envelope) Validate() error {
	if err := validation.Default.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrIncorrectMessage, err)
	}
	return nil
}

// Encode validates and serializes the envelope.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: envelope is nil", errspkg.ErrIncorrectMessage)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(e)
}

// Decode parses and validates a message body.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrIncorrectMessage, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// IsScheduled reports whether the envelope must travel through the delay
// exchange.
func (e *Envelope) IsScheduled() bool {
	return e.Period > 0 || e.Delay > 0
}

// Clone returns a copy that shares no byte slices with e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = cloneRaw(e.Payload)
	c.Filtering = cloneRaw(e.Filtering)
	c.Pagination = cloneRaw(e.Pagination)
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
