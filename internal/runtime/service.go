package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/ninjin/internal/runtime/config"
	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	transportpkg "github.com/drblury/ninjin/internal/runtime/transport"
	brokers "github.com/drblury/ninjin/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier
	// Hooks run around every delivery, inside the default chain.
	Hooks JobHooks
	// MetricsRegisterer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service connects to the broker and routes envelopes between the consumer
// queues, the RPC reply queue and the schedule queue of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	topology   *Topology
	router     *message.Router
	publisher  *Publisher
	correlator *Correlator
	scheduler  *Scheduler
	registry   *Registry
	dispatcher *Dispatcher
	metrics    *RuntimeMetrics

	handlers     []*HandlerInfo
	stats        map[string]*HandlerStats
	periodicJobs map[string]JobID
	handlersMu   sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpListeners []*http.Server
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	processSampler  *processSampler

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot. Register resources on the returned Service before calling
// Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning the error instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.NewSlogServiceLogger(slog.Default())
	}
	log.Info("Creating ninjin service", loggingpkg.LogFields{
		"service":       conf.ServiceName,
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	topology, err := Connect(ctx, conf, deps.TransportFactory, log)
	if err != nil {
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.CloseTimeout}, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, errors.Join(err, topology.Close())
	}
	router.AddPlugin(plugin.SignalsHandler)

	s := &Service{
		Conf:            conf,
		Logger:          log,
		topology:        topology,
		router:          router,
		registry:        NewRegistry(),
		metrics:         NewRuntimeMetrics(deps.MetricsRegisterer),
		stats:           make(map[string]*HandlerStats),
		periodicJobs:    make(map[string]JobID),
		errorClassifier: deps.ErrorClassifier,
		processSampler:  newProcessSampler(),
	}
	names := topology.Names()
	s.publisher = NewPublisher(topology.Broker(), log)
	s.correlator = NewCorrelator(s.publisher, names.RPCQueue, conf.RPCTimeout, log, s.metrics)
	s.scheduler = NewScheduler(s.publisher, log, s.metrics)
	s.dispatcher = &Dispatcher{
		registry:  s.registry,
		publisher: s.publisher,
		logger:    log,
		defaults: handlerpkg.QueryDefaults{
			ItemsPerPage:    conf.ItemsPerPage,
			MaxItemsPerPage: conf.MaxItemsPerPage,
		},
		metrics:    s.metrics,
		stats:      s.handlerStats,
		classifier: s.getErrorClassifier(),
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, errors.Join(err, topology.Close())
	}
	s.addInternalHandlers()

	return s, nil
}

// Start freezes the registry, subscribes to every consumer queue and runs
// the router until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyStarted
	}
	s.registry.Freeze()
	if err := s.addConsumerHandlers(); err != nil {
		return err
	}

	s.StartWebUIServer()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running is closed once the router consumes from every queue.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops consuming, fails outstanding RPC calls and disconnects from
// the broker. Calling it more than once returns the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
		s.correlator.Close(errspkg.ErrServiceClosed)
		errs = append(errs, s.shutdownHTTPServers())
		if err := s.topology.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Publish sends payload to destination as a one-way message.
func (s *Service) Publish(ctx context.Context, destination string, payload any, opts ...PublishOption) error {
	env, err := buildEnvelope(payload, opts...)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, destination, env)
}

// PublishEnvelope sends a prepared envelope to destination.
func (s *Service) PublishEnvelope(ctx context.Context, destination string, env *envelope.Envelope) error {
	return s.publisher.Publish(ctx, destination, env)
}

// Call invokes resource.handler behind destination and waits for its reply.
func (s *Service) Call(ctx context.Context, destination, resource, handler string, payload any, opts ...PublishOption) (json.RawMessage, error) {
	opts = append(opts, ToResource(resource), ToHandler(handler))
	env, err := buildEnvelope(payload, opts...)
	if err != nil {
		return nil, err
	}
	return s.correlator.Call(ctx, destination, env)
}

// CallEnvelope invokes the handler addressed by env behind destination.
func (s *Service) CallEnvelope(ctx context.Context, destination string, env *envelope.Envelope) (json.RawMessage, error) {
	return s.correlator.Call(ctx, destination, env)
}

// ScheduleOnce delivers env to destination after delay.
func (s *Service) ScheduleOnce(ctx context.Context, env *envelope.Envelope, delay time.Duration, destination string) error {
	return s.scheduler.ScheduleOnce(ctx, env, delay, destination)
}

// SchedulePeriodic delivers env to destination every period until the job is
// cancelled.
func (s *Service) SchedulePeriodic(ctx context.Context, env *envelope.Envelope, period time.Duration, destination string) (JobID, error) {
	return s.scheduler.SchedulePeriodic(ctx, env, period, destination)
}

// Cancel stops a periodic job started by this process at its next firing.
func (s *Service) Cancel(id JobID) error {
	return s.scheduler.Cancel(id)
}

// Pending returns the number of RPC calls waiting for a reply.
func (s *Service) Pending() int {
	return s.correlator.Pending()
}

// Topology returns the exchange and queue names of this process.
func (s *Service) Topology() brokers.Topology {
	return s.topology.Names()
}

// Metrics returns the runtime counters.
func (s *Service) Metrics() *RuntimeMetrics {
	return s.metrics
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	if !deps.Hooks.IsZero() {
		// inside everything but the recoverer, so hooks observe panics as errors
		hooks := JobHooksMiddleware(deps.Hooks)
		if n := len(defaults); n > 0 {
			defaults = append(defaults[:n-1:n-1], hooks, defaults[n-1])
		} else {
			defaults = append(defaults, hooks)
		}
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("%w: register middleware %s: %w", errspkg.ErrImproperlyConfigured, name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getProcessSampler() *processSampler {
	if s.processSampler == nil {
		s.processSampler = newProcessSampler()
	}
	return s.processSampler
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.httpListeners = append(s.httpListeners, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) shutdownHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range s.httpListeners {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	s.httpListeners = nil
	return errors.Join(errs...)
}
