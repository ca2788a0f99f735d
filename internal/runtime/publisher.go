package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	idspkg "github.com/drblury/ninjin/internal/runtime/ids"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
	brokers "github.com/drblury/ninjin/transport"
)

// Publisher turns envelopes into broker messages. Plain envelopes go to the
// main exchange under their destination; envelopes carrying a delay or a
// period go through the delay exchange to the schedule queue.
type Publisher struct {
	broker brokers.Broker
	logger loggingpkg.ServiceLogger
}

// NewPublisher publishes through broker.
func NewPublisher(broker brokers.Broker, logger loggingpkg.ServiceLogger) *Publisher {
	return &Publisher{broker: broker, logger: logger}
}

// Publish sends env to destination.
func (p *Publisher) Publish(ctx context.Context, destination string, env *envelope.Envelope) error {
	return p.PublishWithMetadata(ctx, destination, env, nil)
}

// PublishWithMetadata sends env to destination with extra headers. An
// envelope without a payload, or with a null one, never reaches the broker.
//
// A scheduled envelope without a forward address is wrapped so the delay
// scheduler forwards it to destination when it fires.
func (p *Publisher) PublishWithMetadata(ctx context.Context, destination string, env *envelope.Envelope, md metadatapkg.Metadata) error {
	if p == nil || p.broker == nil {
		return errspkg.ErrNotConnected
	}
	if env == nil {
		return fmt.Errorf("%w: envelope is nil", errspkg.ErrIncorrectMessage)
	}
	if jsoncodec.IsNull(env.Payload) {
		return errspkg.ErrEmptyPayload
	}

	if env.IsScheduled() {
		if env.Forward == "" {
			inner := env.Clone()
			inner.Period, inner.Delay = 0, 0
			wrapped, err := envelope.Wrap(inner, destination, env.DelayDuration(), env.PeriodDuration())
			if err != nil {
				return err
			}
			env = wrapped
		}
		return p.publishDelayed(ctx, env, md)
	}

	if destination == "" {
		return errspkg.ErrDestinationRequired
	}
	msg, err := p.newMessage(ctx, env, md)
	if err != nil {
		return err
	}
	if err := p.broker.Publisher().Publish(destination, msg); err != nil {
		return fmt.Errorf("publish to %q: %w", destination, err)
	}
	p.logger.Trace("Envelope published", loggingpkg.LogFields{
		"destination":  destination,
		"resource":     env.Resource,
		"handler":      env.Handler,
		"message_uuid": msg.UUID,
	})
	return nil
}

func (p *Publisher) publishDelayed(ctx context.Context, env *envelope.Envelope, md metadatapkg.Metadata) error {
	delay := env.DelayDuration()
	if delay <= 0 {
		delay = env.PeriodDuration()
	}
	queue := p.broker.Topology().ScheduleQueue

	msg, err := p.newMessage(ctx, env, md)
	if err != nil {
		return err
	}
	if err := p.broker.DelayedPublisher().PublishWithDelay(queue, delay, msg); err != nil {
		return fmt.Errorf("publish delayed to %q: %w", queue, err)
	}
	p.logger.Trace("Envelope scheduled", loggingpkg.LogFields{
		"forward":      env.Forward,
		"delay_ms":     delay.Milliseconds(),
		"period_ms":    env.Period,
		"message_uuid": msg.UUID,
	})
	return nil
}

func (p *Publisher) newMessage(ctx context.Context, env *envelope.Envelope, md metadatapkg.Metadata) (*message.Message, error) {
	body, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}

	headers := md.With(metadatapkg.KeyResource, env.Resource).With(metadatapkg.KeyHandler, env.Handler)
	headers[metadataKeyEnqueuedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	if env.ReplyTo != "" {
		headers[metadatapkg.KeyReplyTo] = env.ReplyTo
	}
	if env.CorrelationID != "" {
		headers[metadatapkg.KeyCorrelationID] = env.CorrelationID
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		headers[metadatapkg.KeyTraceID] = traceID
	}

	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(headers)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg, nil
}

// PublishOption customises the envelope built by Service.Publish.
type PublishOption func(*envelope.Envelope) error

// ToResource addresses the envelope to a resource.
func ToResource(resource string) PublishOption {
	return func(e *envelope.Envelope) error {
		e.Resource = resource
		return nil
	}
}

// ToHandler addresses the envelope to a handler. The default handler is
// "default".
func ToHandler(handler string) PublishOption {
	return func(e *envelope.Envelope) error {
		e.Handler = handler
		return nil
	}
}

// WithPagination attaches a pagination object.
func WithPagination(v any) PublishOption {
	return func(e *envelope.Envelope) error {
		raw, err := jsoncodec.Raw(v)
		if err != nil {
			return fmt.Errorf("%w: pagination: %v", errspkg.ErrIncorrectMessage, err)
		}
		e.Pagination = raw
		return nil
	}
}

// WithFiltering attaches a filtering object.
func WithFiltering(v any) PublishOption {
	return func(e *envelope.Envelope) error {
		raw, err := jsoncodec.Raw(v)
		if err != nil {
			return fmt.Errorf("%w: filtering: %v", errspkg.ErrIncorrectMessage, err)
		}
		e.Filtering = raw
		return nil
	}
}

// WithOrdering asks for results ordered by field; a leading "-" sorts
// descending.
func WithOrdering(field string) PublishOption {
	return func(e *envelope.Envelope) error {
		e.Ordering = field
		return nil
	}
}

// WithDelay holds the envelope back for d before it is delivered.
func WithDelay(d time.Duration) PublishOption {
	return func(e *envelope.Envelope) error {
		if err := envelope.CheckDelay(d); err != nil {
			return err
		}
		e.Delay = d.Milliseconds()
		return nil
	}
}

// WithCorrelationID sets the correlation id that a reply will carry back.
func WithCorrelationID(id string) PublishOption {
	return func(e *envelope.Envelope) error {
		e.CorrelationID = id
		return nil
	}
}

// WithReplyTo asks the receiving handler to reply to queue.
func WithReplyTo(queue string) PublishOption {
	return func(e *envelope.Envelope) error {
		e.ReplyTo = queue
		return nil
	}
}

// buildEnvelope refuses empty payloads before anything reaches the broker.
func buildEnvelope(payload any, opts ...PublishOption) (*envelope.Envelope, error) {
	if payload == nil {
		return nil, errspkg.ErrEmptyPayload
	}
	raw, err := jsoncodec.Raw(payload)
	if err != nil {
		return nil, errors.Join(errspkg.ErrIncorrectMessage, fmt.Errorf("encode payload: %w", err))
	}
	if jsoncodec.IsNull(raw) {
		return nil, errspkg.ErrEmptyPayload
	}

	env := &envelope.Envelope{Handler: envelope.DefaultHandler, Payload: raw}
	for _, opt := range opts {
		if err := opt(env); err != nil {
			return nil, err
		}
	}
	if env.Handler == "" {
		env.Handler = envelope.DefaultHandler
	}
	return env, nil
}
