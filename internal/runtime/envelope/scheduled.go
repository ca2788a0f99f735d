package envelope

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
)

// MinDelay is the smallest delay or period the millisecond wire fields can
// carry.
const MinDelay = time.Millisecond

// CheckDelay rejects delays that would encode as zero.
func CheckDelay(d time.Duration) error {
	if d < MinDelay {
		return fmt.Errorf("%w: %s is below %s", errspkg.ErrInvalidDelay, d, MinDelay)
	}
	return nil
}

// Wrap builds the scheduler envelope that carries inner to destination after
// delay. A positive period makes the job repeat.
func Wrap(inner *Envelope, destination string, delay, period time.Duration) (*Envelope, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: envelope is nil", errspkg.ErrIncorrectMessage)
	}
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	if period != 0 {
		delay = period
	}
	if err := CheckDelay(delay); err != nil {
		return nil, err
	}
	if jsoncodec.IsNull(inner.Payload) {
		return nil, errspkg.ErrEmptyPayload
	}
	payload, err := Encode(inner)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Resource: SchedulerResource,
		Handler:  SchedulerResource,
		Payload:  payload,
		Forward:  destination,
		Period:   period.Milliseconds(),
		Delay:    delay.Milliseconds(),
	}, nil
}

// Unwrap extracts the forwarded envelope from a scheduler envelope.
func Unwrap(wrapped *Envelope) (*Envelope, error) {
	if wrapped.Forward == "" {
		return nil, fmt.Errorf("%w: scheduled envelope without forward", errspkg.ErrIncorrectMessage)
	}
	return Decode(wrapped.Payload)
}

// PeriodDuration converts the millisecond period to a duration.
func (e *Envelope) PeriodDuration() time.Duration {
	return time.Duration(e.Period) * time.Millisecond
}

// DelayDuration converts the millisecond delay to a duration.
func (e *Envelope) DelayDuration() time.Duration {
	return time.Duration(e.Delay) * time.Millisecond
}

// Rescheduled returns the next occurrence of a periodic scheduler envelope.
func (e *Envelope) Rescheduled() *Envelope {
	next := e.Clone()
	next.Delay = e.Period
	return next
}

// MustRaw marshals v and panics on failure. It is meant for literals in
// tests and examples.
func MustRaw(v any) []byte {
	raw, err := jsoncodec.Raw(v)
	if err != nil {
		panic(err)
	}
	return raw
}
