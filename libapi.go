package ninjin

import (
	"context"
	"encoding/json"

	runtimepkg "github.com/drblury/ninjin/internal/runtime"
	configpkg "github.com/drblury/ninjin/internal/runtime/config"
	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
	idspkg "github.com/drblury/ninjin/internal/runtime/ids"
	jsoncodec "github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
	"github.com/drblury/ninjin/internal/runtime/query"
	transportpkg "github.com/drblury/ninjin/internal/runtime/transport"
	"github.com/drblury/ninjin/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	Envelope = envelope.Envelope

	// Resources and handlers
	Resource        = runtimepkg.Resource
	ResourceBuilder = runtimepkg.ResourceBuilder
	HandlerSpec     = runtimepkg.HandlerSpec
	HandlerKind     = runtimepkg.HandlerKind
	ReplyPolicy     = runtimepkg.ReplyPolicy
	ActorOption     = runtimepkg.ActorOption
	HandlerFunc     = handlerpkg.Func
	HandlerContext  = handlerpkg.Context
	QueryDefaults   = handlerpkg.QueryDefaults

	// CRUD resources
	Record      = runtimepkg.Record
	ListQuery   = runtimepkg.ListQuery
	CRUDStore   = runtimepkg.CRUDStore
	CRUDOptions = runtimepkg.CRUDOptions

	// List queries
	AllowedFilters = query.AllowedFilters
	Filter         = query.Filter
	Filtering      = query.Filtering
	Ordering       = query.Ordering
	Pagination     = query.Pagination
	FilterOp       = query.Op

	PublishOption   = runtimepkg.PublishOption
	JobID           = runtimepkg.JobID
	PendingCallInfo = runtimepkg.PendingCallInfo

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	TopologyInfo          = runtimepkg.TopologyInfo
	RuntimeMetrics        = runtimepkg.RuntimeMetrics
	MetricsSnapshot       = runtimepkg.MetricsSnapshot
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Brokers
	Broker            = transport.Broker
	Topology          = transport.Topology
	QueueKind         = transport.QueueKind
	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportRegistry = transport.Registry
	Capabilities      = transport.Capabilities
	DelayedPublisher  = transport.DelayedPublisher
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewResource        = runtimepkg.NewResource
	ResourceName       = runtimepkg.ResourceName
	NewCRUDResource    = runtimepkg.NewCRUDResource
	ReplyAlwaysTo      = runtimepkg.ReplyAlwaysTo
	WithRemote         = runtimepkg.WithRemote
	NeverReply         = runtimepkg.NeverReply
	NoReply            = handlerpkg.NoReply
	EncodeEnvelope     = envelope.Encode
	DecodeEnvelope     = envelope.Decode
	ParseFiltering     = query.ParseFiltering
	ParseOrdering      = query.ParseOrdering
	ParsePagination    = query.ParsePagination
	DefaultMiddlewares = runtimepkg.DefaultMiddlewares

	// Publish options
	ToResource        = runtimepkg.ToResource
	ToHandler         = runtimepkg.ToHandler
	WithPagination    = runtimepkg.WithPagination
	WithFiltering     = runtimepkg.WithFiltering
	WithOrdering      = runtimepkg.WithOrdering
	WithDelay         = runtimepkg.WithDelay
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithReplyTo       = runtimepkg.WithReplyTo

	RejectMiddleware      = runtimepkg.RejectMiddleware
	TraceIDMiddleware     = runtimepkg.TraceIDMiddleware
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	RetryMiddleware       = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware
	ContextWithTraceID    = runtimepkg.ContextWithTraceID
	TraceIDFromContext    = runtimepkg.TraceIDFromContext

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewRuntimeMetrics = runtimepkg.NewRuntimeMetrics

	// Broker registry. Import github.com/drblury/ninjin/transport/transports
	// to register every built-in broker.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrImproperlyConfigured = errspkg.ErrImproperlyConfigured
	ErrDuplicateResource    = errspkg.ErrDuplicateResource
	ErrAlreadyStarted       = errspkg.ErrAlreadyStarted
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrConsumerKeyRequired  = errspkg.ErrConsumerKeyRequired
	ErrUnknownConsumer      = errspkg.ErrUnknownConsumer
	ErrUnknownHandler       = errspkg.ErrUnknownHandler
	ErrIncorrectMessage     = errspkg.ErrIncorrectMessage
	ErrEmptyPayload         = errspkg.ErrEmptyPayload
	ErrValidation           = errspkg.ErrValidation
	ErrRPCTimeout           = errspkg.ErrRPCTimeout
	ErrServiceClosed        = errspkg.ErrServiceClosed
	ErrInvalidDelay         = errspkg.ErrInvalidDelay
	ErrDestinationRequired  = errspkg.ErrDestinationRequired
	ErrUnknownJob           = errspkg.ErrUnknownJob

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys set on every published message.
const (
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyTraceID       = metadatapkg.KeyTraceID
	MetadataKeyJobID         = metadatapkg.KeyJobID
	MetadataKeyResource      = metadatapkg.KeyResource
	MetadataKeyHandler       = metadatapkg.KeyHandler
)

// Handler kinds.
const (
	KindActor    = runtimepkg.KindActor
	KindPeriodic = runtimepkg.KindPeriodic
)

// Filter operators.
const (
	OpLT       = query.OpLT
	OpLTE      = query.OpLTE
	OpGT       = query.OpGT
	OpGTE      = query.OpGTE
	OpExact    = query.OpExact
	OpIn       = query.OpIn
	OpContains = query.OpContains
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryRouting    = runtimepkg.ErrorCategoryRouting
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// JSON adapts a typed handler: the payload is decoded into T and validated,
// and the returned O becomes the reply payload.
func JSON[T any, O any](fn func(ctx context.Context, in T, hc *HandlerContext) (O, error)) HandlerFunc {
	return handlerpkg.JSON(fn)
}

// JSONActor adds a typed actor to b.
func JSONActor[T any, O any](b *ResourceBuilder, name string, fn func(ctx context.Context, in T, hc *HandlerContext) (O, error), opts ...ActorOption) *ResourceBuilder {
	return runtimepkg.JSONActor(b, name, fn, opts...)
}

// JSONEvent adds a typed actor that never replies.
func JSONEvent[T any](b *ResourceBuilder, name string, fn func(ctx context.Context, in T, hc *HandlerContext) error) *ResourceBuilder {
	return runtimepkg.JSONEvent(b, name, fn)
}

// CallJSON calls resource.handler behind destination and decodes the reply
// into T.
func CallJSON[T any](ctx context.Context, s *Service, destination, resource, handler string, payload any) (T, error) {
	return runtimepkg.CallJSON[T](ctx, s, destination, resource, handler, payload)
}

// RawPayload encodes v for use as an envelope payload.
func RawPayload(v any) (json.RawMessage, error) {
	return jsoncodec.Raw(v)
}
