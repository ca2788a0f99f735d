package runtime

import (
	"context"
	"fmt"
	"slices"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	brokers "github.com/drblury/ninjin/transport"
)

const (
	consumerHandlerPrefix = "consumer."
	replyHandlerName      = "rpc"
	scheduleHandlerName   = "scheduler"
)

func statsKey(consumerKey, resource, handler string) string {
	return fmt.Sprintf("%s/%s/%s", consumerKey, resource, handler)
}

// Register binds res to the queue named consumerKey. The queue is declared
// right away and periodic handlers of res get their first firing scheduled.
// When either step fails nothing of res stays registered. Registration is
// closed once Start has been called.
func (s *Service) Register(consumerKey string, res *Resource) error {
	if err := s.registry.Register(consumerKey, res); err != nil {
		return err
	}

	ctx := context.Background()
	if err := s.topology.DeclareConsumerQueue(ctx, consumerKey); err != nil {
		s.registry.Unregister(consumerKey, res.Name())
		return fmt.Errorf("declare consumer queue %q: %w", consumerKey, err)
	}

	jobs, err := s.bootstrapPeriodic(ctx, consumerKey, res)
	if err != nil {
		for _, id := range jobs {
			// the first firing is already queued; drop it when it arrives
			_ = s.scheduler.Cancel(id)
		}
		s.registry.Unregister(consumerKey, res.Name())
		return err
	}

	s.handlersMu.Lock()
	for _, spec := range res.Handlers() {
		key := statsKey(consumerKey, res.Name(), spec.Name)
		stats := newHandlerStats(consumerKey, spec.Reply.ReplyTo, s.getProcessSampler())
		s.stats[key] = stats
		s.handlers = append(s.handlers, &HandlerInfo{
			Name:        key,
			ConsumerKey: consumerKey,
			Resource:    res.Name(),
			Handler:     spec.Name,
			Kind:        spec.Kind,
			Reply:       spec.Reply,
			RunEveryMs:  spec.RunEvery.Milliseconds(),
			Stats:       stats,
		})
		if id, ok := jobs[spec.Name]; ok {
			s.periodicJobs[key] = id
		}
	}
	s.handlersMu.Unlock()

	for _, spec := range res.Periodic() {
		s.Logger.Info("Periodic handler scheduled", loggingpkg.LogFields{
			"consumer_key": consumerKey,
			"resource":     res.Name(),
			"handler":      spec.Name,
			"run_every":    spec.RunEvery.String(),
			"job_id":       string(jobs[spec.Name]),
		})
	}
	return nil
}

// RegisterResource binds res to the queue named after the service.
func (s *Service) RegisterResource(res *Resource) error {
	return s.Register(s.Conf.ServiceName, res)
}

// bootstrapPeriodic schedules the first firing of every periodic handler of
// res. On failure the jobs issued so far are returned with the error.
func (s *Service) bootstrapPeriodic(ctx context.Context, consumerKey string, res *Resource) (map[string]JobID, error) {
	jobs := make(map[string]JobID)
	for _, spec := range res.Periodic() {
		inner := &envelope.Envelope{
			Resource: res.Name(),
			Handler:  spec.Name,
			Payload:  emptyReply,
		}
		id, err := s.scheduler.SchedulePeriodic(ctx, inner, spec.RunEvery, consumerKey)
		if err != nil {
			return jobs, fmt.Errorf("schedule periodic handler %s.%s: %w", res.Name(), spec.Name, err)
		}
		jobs[spec.Name] = id
	}
	return jobs, nil
}

// PeriodicJob returns the job driving a periodic handler, for use with Cancel.
func (s *Service) PeriodicJob(consumerKey, resource, handler string) (JobID, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	id, ok := s.periodicJobs[statsKey(consumerKey, resource, handler)]
	return id, ok
}

func (s *Service) handlerStats(consumerKey, resource, handler string) *HandlerStats {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.stats[statsKey(consumerKey, resource, handler)]
}

// Handlers describes every registered handler.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return slices.Clone(s.handlers)
}

func (s *Service) addInternalHandlers() {
	names := s.topology.Names()
	broker := s.topology.Broker()

	s.router.AddConsumerHandler(
		replyHandlerName,
		names.RPCQueue,
		broker.Subscriber(brokers.QueueReply),
		s.correlator.HandleReply,
	)
	s.router.AddConsumerHandler(
		scheduleHandlerName,
		names.ScheduleQueue,
		broker.Subscriber(brokers.QueueSchedule),
		s.scheduler.HandleFiring,
	)
}

// consumerWorkers is the number of router handlers per consumer key. More
// than one only helps on brokers where they compete for deliveries.
func (s *Service) consumerWorkers() int {
	if !brokers.GetCapabilities(s.Conf.PubSubSystem).SupportsCompetingConsumers {
		return 1
	}
	return max(s.Conf.ConsumerWorkers, 1)
}

func consumerHandlerName(key string, worker int) string {
	if worker == 0 {
		return consumerHandlerPrefix + key
	}
	return fmt.Sprintf("%s%s#%d", consumerHandlerPrefix, key, worker)
}

func (s *Service) addConsumerHandlers() error {
	keys := s.registry.ConsumerKeys()
	if len(keys) == 0 {
		s.Logger.Warn("No resources registered, only replies and scheduled messages are consumed", nil)
	}
	subscriber := s.topology.Broker().Subscriber(brokers.QueueConsumer)
	workers := s.consumerWorkers()
	for _, key := range keys {
		if key == "" {
			return errspkg.ErrConsumerKeyRequired
		}
		handler := s.dispatcher.Handler(key)
		for i := range workers {
			s.router.AddConsumerHandler(consumerHandlerName(key, i), key, subscriber, handler)
		}
	}
	if workers > 1 {
		s.Logger.Info("Consumer keys served by several workers", loggingpkg.LogFields{
			"workers":       workers,
			"consumer_keys": keys,
		})
	}
	return nil
}
