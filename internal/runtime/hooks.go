package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

// JobContext describes one delivery as seen by JobHooks.
type JobContext struct {
	Context context.Context

	// ConsumerKey is the queue the message was consumed from and
	// RouterHandler the router handler consuming it, e.g. "consumer.orders".
	ConsumerKey   string
	RouterHandler string

	Resource    string
	Handler     string
	MessageUUID string
	TraceID     string
	Metadata    metadatapkg.Metadata

	StartedAt time.Time
	Duration  time.Duration // zero in OnJobStart
}

func jobContextOf(msg *message.Message) JobContext {
	ctx := msg.Context()
	md := metadatapkg.FromWatermill(msg.Metadata)
	return JobContext{
		Context:       ctx,
		ConsumerKey:   message.SubscribeTopicFromCtx(ctx),
		RouterHandler: message.HandlerNameFromCtx(ctx),
		Resource:      md[metadatapkg.KeyResource],
		Handler:       md[metadatapkg.KeyHandler],
		MessageUUID:   msg.UUID,
		TraceID:       md[metadatapkg.KeyTraceID],
		Metadata:      md,
		StartedAt:     time.Now(),
	}
}

func (j JobContext) fields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"consumer_key": j.ConsumerKey,
		"resource":     j.Resource,
		"handler":      j.Handler,
		"message_uuid": j.MessageUUID,
	}
	if j.Duration > 0 {
		fields["duration_ms"] = j.Duration.Milliseconds()
	}
	return fields
}

// JobHooks observes deliveries on every router handler. Unset callbacks
// are skipped. Hooks run synchronously inside the middleware chain.
type JobHooks struct {
	OnJobStart func(JobContext)
	OnJobDone  func(JobContext)
	// OnJobError runs before the failure reaches the reject middleware.
	OnJobError func(JobContext, error)
}

func (h JobHooks) IsZero() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func (h JobHooks) start(j JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(j)
	}
}

func (h JobHooks) done(j JobContext) {
	if h.OnJobDone != nil {
		h.OnJobDone(j)
	}
}

func (h JobHooks) failed(j JobContext, err error) {
	if h.OnJobError != nil {
		h.OnJobError(j, err)
	}
}

// Merge returns hooks running h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	if h.IsZero() {
		return other
	}
	if other.IsZero() {
		return h
	}
	return JobHooks{
		OnJobStart: func(j JobContext) { h.start(j); other.start(j) },
		OnJobDone:  func(j JobContext) { h.done(j); other.done(j) },
		OnJobError: func(j JobContext, err error) { h.failed(j, err); other.failed(j, err) },
	}
}

// Middleware wraps a router handler with the hooks.
func (h JobHooks) Middleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		job := jobContextOf(msg)
		h.start(job)

		produced, err := next(msg)
		job.Duration = time.Since(job.StartedAt)
		if err != nil {
			h.failed(job, err)
		} else {
			h.done(job)
		}
		return produced, err
	}
}

// JobHooksMiddleware registers hooks in a custom middleware chain. Zero
// hooks add nothing.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(*Service) (message.HandlerMiddleware, error) {
			if hooks.IsZero() {
				return nil, nil
			}
			return hooks.Middleware, nil
		},
	}
}

// LoggingHooks logs start and completion at info level and failures at
// error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(j JobContext) { logger.Info("Job started", j.fields()) },
		OnJobDone:  func(j JobContext) { logger.Info("Job completed", j.fields()) },
		OnJobError: func(j JobContext, err error) { logger.Error("Job failed", err, j.fields()) },
	}
}

// MetricsHooks feeds resource and handler names to counters kept outside
// the service. Nil callbacks are ignored.
func MetricsHooks(onStart, onDone, onError func(resource, handler string)) JobHooks {
	report := func(fn func(string, string)) func(JobContext) {
		if fn == nil {
			return nil
		}
		return func(j JobContext) { fn(j.Resource, j.Handler) }
	}
	hooks := JobHooks{OnJobStart: report(onStart), OnJobDone: report(onDone)}
	if failed := report(onError); failed != nil {
		hooks.OnJobError = func(j JobContext, _ error) { failed(j) }
	}
	return hooks
}

// AlertingHooks only observes failures.
func AlertingHooks(alert func(JobContext, error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
