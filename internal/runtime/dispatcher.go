package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

var emptyReply = []byte("{}")

// Dispatcher routes deliveries of consumer queues to registered handlers and
// publishes their replies.
type Dispatcher struct {
	registry   *Registry
	publisher  *Publisher
	logger     loggingpkg.ServiceLogger
	defaults   handlerpkg.QueryDefaults
	metrics    *RuntimeMetrics
	stats      func(consumerKey, resource, handler string) *HandlerStats
	classifier ErrorClassifier
}

// Handler returns the router handler consuming consumerKey.
func (d *Dispatcher) Handler(consumerKey string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		return d.Dispatch(consumerKey, msg)
	}
}

// Dispatch decodes, resolves and invokes the handler addressed by msg. Any
// returned error means the message is rejected.
func (d *Dispatcher) Dispatch(consumerKey string, msg *message.Message) error {
	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		return err
	}

	spec, err := d.registry.Resolve(consumerKey, env.Resource, env.Handler)
	if err != nil {
		return err
	}

	logger := d.logger.With(loggingpkg.LogFields{
		"consumer_key": consumerKey,
		"resource":     env.Resource,
		"handler":      env.Handler,
		"message_uuid": msg.UUID,
	})
	if traceID := msg.Metadata.Get(metadatapkg.KeyTraceID); traceID != "" {
		logger = logger.With(loggingpkg.LogFields{"trace_id": traceID})
	}
	hc := handlerpkg.NewContext(consumerKey, env, metadatapkg.FromWatermill(msg.Metadata), logger, d.defaults)

	ctx := msg.Context()
	result, err := d.invoke(ctx, consumerKey, spec, hc, msg)
	if err != nil {
		return err
	}
	return d.reply(ctx, spec, hc, result)
}

func (d *Dispatcher) invoke(ctx context.Context, consumerKey string, spec *HandlerSpec, hc *handlerpkg.Context, msg *message.Message) (any, error) {
	var stats *HandlerStats
	if d.stats != nil {
		stats = d.stats(consumerKey, hc.Resource(), spec.Name)
	}
	if stats == nil {
		return spec.Func(ctx, hc)
	}

	invocation := stats.begin(msg)
	start := time.Now()
	result, err := spec.Func(ctx, hc)
	stats.finish(invocation, time.Since(start), err, d.classifier)
	return result, err
}

func (d *Dispatcher) reply(ctx context.Context, spec *HandlerSpec, hc *handlerpkg.Context, result any) error {
	if spec.Reply.NeverReply {
		return nil
	}
	replyTo := hc.ReplyTo()
	if fixed := spec.Reply.ReplyTo; fixed != "" {
		if replyTo != "" && replyTo != fixed {
			hc.Logger.Warn("Message asked for a reply, but the handler replies to a fixed queue", loggingpkg.LogFields{
				"requested_reply_to": replyTo,
				"reply_to":           fixed,
			})
		}
		replyTo = fixed
	}
	if replyTo == "" {
		return nil
	}

	payload, err := jsoncodec.Raw(result)
	if err != nil {
		return fmt.Errorf("encode reply of %s.%s: %w", hc.Resource(), spec.Name, err)
	}
	if jsoncodec.IsNull(payload) {
		payload = emptyReply
	}

	out := &envelope.Envelope{
		Resource:      spec.Reply.RemoteResource,
		Handler:       spec.Reply.remoteHandler(),
		Payload:       payload,
		Pagination:    hc.PaginationResult(),
		CorrelationID: hc.CorrelationID(),
	}
	if err := d.publisher.Publish(ctx, replyTo, out); err != nil {
		return fmt.Errorf("publish reply to %q: %w", replyTo, err)
	}
	d.metrics.RecordReply(hc.Resource(), spec.Name)
	return nil
}
