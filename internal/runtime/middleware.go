package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	idspkg "github.com/drblury/ninjin/internal/runtime/ids"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

// MiddlewareBuilder creates a middleware once the service it runs in
// exists. A nil middleware without error means the builder opted out.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration names a router middleware. Exactly one of
// Middleware and Builder is used, Middleware first.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

func built(name string, build MiddlewareBuilder) MiddlewareRegistration {
	return MiddlewareRegistration{Name: name, Builder: build}
}

func (r MiddlewareRegistration) resolve(s *Service) (message.HandlerMiddleware, error) {
	switch {
	case r.Middleware != nil:
		return r.Middleware, nil
	case r.Builder != nil:
		mw, err := r.Builder(s)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", r.Name, err)
		}
		return mw, nil
	}
	return nil, fmt.Errorf("middleware %q: registration requires Middleware or Builder", r.Name)
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

// withDefaults fills non-positive fields: 5 retries, doubling from 1s to at
// most 16s.
func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	cfg.MaxRetries = positiveOr(cfg.MaxRetries, 5)
	cfg.InitialInterval = positiveOr(cfg.InitialInterval, time.Second)
	cfg.MaxInterval = positiveOr(cfg.MaxInterval, 16*time.Second)
	return cfg
}

// DefaultMiddlewares returns the standard chain, outermost first. Rejection
// wraps everything so no failure ever reaches the broker as a nack.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RejectMiddleware(),
		TraceIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		configuredRetryMiddleware(),
		RecovererMiddleware(),
	}
}

// RejectMiddleware acknowledges failed messages instead of requeueing them.
// The failure is logged and counted, and the message is copied to
// Config.PoisonQueue when one is set.
func RejectMiddleware() MiddlewareRegistration {
	return built("reject", func(s *Service) (message.HandlerMiddleware, error) {
		return s.rejectMiddleware, nil
	})
}

// TraceIDMiddleware gives every delivery a trace id, minting one when the
// message has none. Envelopes published while handling it inherit the id.
func TraceIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{Name: "trace_id", Middleware: traceIDMiddleware}
}

// LogMessagesMiddleware logs payload and metadata of every delivery at
// debug level, to logger or else the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return built("log_messages", func(s *Service) (message.HandlerMiddleware, error) {
		l := logger
		if l == nil {
			l = s.Logger
		}
		if l == nil {
			return nil, errors.New("no logger")
		}
		return logMessagesMiddleware(l), nil
	})
}

// TracerMiddleware runs every delivery in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{Name: "tracer", Middleware: tracerMiddleware}
}

// MetricsMiddleware adds Prometheus router metrics and exports the runtime
// counters. It is a no-op unless Config.MetricsEnabled is set.
func MetricsMiddleware() MiddlewareRegistration {
	return built("metrics", (*Service).metricsMiddleware)
}

func (s *Service) metricsMiddleware() (message.HandlerMiddleware, error) {
	if !s.Conf.MetricsEnabled {
		return nil, nil
	}
	if err := s.metrics.Register(); err != nil {
		return nil, err
	}

	wm := metrics.NewPrometheusMetricsBuilder(s.metrics.registerer, metricsNamespace, s.Conf.PubSubSystem)
	// the router middleware is returned, so only the decorators go on the
	// router here
	s.router.AddPublisherDecorators(wm.DecoratePublisher)
	s.router.AddSubscriberDecorators(wm.DecorateSubscriber)

	if s.Conf.MetricsPort > 0 {
		gatherer, ok := s.metrics.registerer.(prometheus.Gatherer)
		if !ok {
			gatherer = prometheus.DefaultGatherer
		}
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return wm.NewRouterMiddleware().Middleware, nil
}

// RetryMiddleware retries failed deliveries with exponential backoff.
// Validation and routing failures are never retried unless cfg.RetryIf
// says otherwise.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	cfg = cfg.withDefaults()
	return built("retry", func(s *Service) (message.HandlerMiddleware, error) {
		return s.retryMiddleware(cfg), nil
	})
}

// configuredRetryMiddleware is RetryMiddleware driven by Config.Retry*. It
// stays out of the chain while Config.RetryMaxRetries is zero.
func configuredRetryMiddleware() MiddlewareRegistration {
	return built("retry", func(s *Service) (message.HandlerMiddleware, error) {
		if s.Conf.RetryMaxRetries <= 0 {
			return nil, nil
		}
		cfg := RetryMiddlewareConfig{
			MaxRetries:      s.Conf.RetryMaxRetries,
			InitialInterval: s.Conf.RetryInitialInterval,
			MaxInterval:     s.Conf.RetryMaxInterval,
		}
		return s.retryMiddleware(cfg.withDefaults()), nil
	})
}

// PoisonQueueMiddleware publishes messages whose error matches filter to
// topic and reports them as handled. Register it through
// ServiceDependencies.Middlewares to divert selected failures before they
// are rejected.
func PoisonQueueMiddleware(topic string, filter func(error) bool) MiddlewareRegistration {
	return built("poison_queue", func(s *Service) (message.HandlerMiddleware, error) {
		divert := filter
		if divert == nil {
			classify := s.getErrorClassifier()
			divert = func(err error) bool { return classify(err) == ErrorCategoryValidation }
		}
		return middleware.PoisonQueueWithFilter(s.topology.Broker().Publisher(), topic, divert)
	})
}

// RecovererMiddleware turns handler panics into errors, which are then
// rejected like any other failure.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{Name: "recoverer", Middleware: middleware.Recoverer}
}

// RegisterMiddleware adds reg to the router. It has to happen before Start.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}
	mw, err := reg.resolve(s)
	if err != nil || mw == nil {
		return err
	}
	s.router.AddMiddleware(mw)
	return nil
}

func (s *Service) rejectMiddleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := next(msg)
		if err != nil {
			s.reject(msg, err)
			return nil, nil
		}
		return produced, nil
	}
}

func (s *Service) reject(msg *message.Message, err error) {
	queue := message.SubscribeTopicFromCtx(msg.Context())
	category := s.getErrorClassifier()(err)
	fields := loggingpkg.LogFields{
		"queue":        queue,
		"message_uuid": msg.UUID,
		"resource":     msg.Metadata.Get(metadatapkg.KeyResource),
		"handler":      msg.Metadata.Get(metadatapkg.KeyHandler),
		"reason":       string(category),
	}
	if category == ErrorCategoryRouting {
		fields["error"] = err.Error()
		s.Logger.Info("Message rejected, no handler bound", fields)
	} else {
		s.Logger.Error("Message rejected", err, fields)
	}
	s.metrics.RecordRejected(queue, string(category))

	if s.Conf.PoisonQueue == "" {
		return
	}
	msg.Metadata.Set(middleware.ReasonForPoisonedKey, err.Error())
	msg.Metadata.Set(middleware.PoisonedTopicKey, queue)
	msg.Metadata.Set(middleware.PoisonedHandlerKey, message.HandlerNameFromCtx(msg.Context()))
	if perr := s.topology.Broker().Publisher().Publish(s.Conf.PoisonQueue, msg); perr != nil {
		s.Logger.Error("Cannot publish message to poison queue", perr, fields)
	}
}

type traceIDKey struct{}

// ContextWithTraceID returns a context whose outgoing envelopes carry id.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceIDFromContext returns the trace id bound to ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

func traceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		id := msg.Metadata.Get(metadatapkg.KeyTraceID)
		if id == "" {
			id = idspkg.CreateULID()
			msg.Metadata.Set(metadatapkg.KeyTraceID, id)
		}
		msg.SetContext(ContextWithTraceID(msg.Context(), id))
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"queue":        message.SubscribeTopicFromCtx(msg.Context()),
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func (s *Service) retryMiddleware(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	retryIf := cfg.RetryIf
	if retryIf == nil {
		classify := s.getErrorClassifier()
		retryIf = func(err error) bool {
			switch classify(err) {
			case ErrorCategoryValidation, ErrorCategoryRouting:
				return false
			}
			return true
		}
	}
	return middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		Logger:          loggingpkg.NewWatermillAdapter(s.Logger),
		ShouldRetry: func(params middleware.RetryParams) bool {
			return retryIf(params.Err)
		},
	}.Middleware
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "ninjin.dispatch")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(msg.Context())),
			attribute.String("ninjin.resource", msg.Metadata.Get(metadatapkg.KeyResource)),
			attribute.String("ninjin.handler", msg.Metadata.Get(metadatapkg.KeyHandler)),
		)
		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}
