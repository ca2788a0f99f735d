package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	idspkg "github.com/drblury/ninjin/internal/runtime/ids"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

// JobID identifies a periodic job so it can be cancelled.
type JobID string

// Scheduler delays envelopes through the broker. Jobs live only as messages
// in the schedule queue: each firing forwards the inner envelope and, for
// periodic jobs, publishes the next occurrence.
type Scheduler struct {
	publisher *Publisher
	logger    loggingpkg.ServiceLogger
	metrics   *RuntimeMetrics

	mu        sync.Mutex
	issued    map[JobID]time.Duration
	cancelled map[JobID]time.Time
	now       func() time.Time
}

// NewScheduler publishes jobs through publisher and counts firings in
// metrics.
func NewScheduler(publisher *Publisher, logger loggingpkg.ServiceLogger, metrics *RuntimeMetrics) *Scheduler {
	return &Scheduler{
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		issued:    make(map[JobID]time.Duration),
		cancelled: make(map[JobID]time.Time),
		now:       time.Now,
	}
}

// cancelTTL bounds how long a cancellation waits for its job to fire here.
// The schedule queue is shared, so another process may keep the chain.
func cancelTTL(period time.Duration) time.Duration {
	return 3*period + time.Minute
}

// ScheduleOnce delivers env to destination once, after delay.
func (s *Scheduler) ScheduleOnce(ctx context.Context, env *envelope.Envelope, delay time.Duration, destination string) error {
	if err := envelope.CheckDelay(delay); err != nil {
		return err
	}
	wrapped, err := envelope.Wrap(unscheduled(env), destination, delay, 0)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, destination, wrapped)
}

// SchedulePeriodic delivers env to destination every period until the job
// is cancelled. The first delivery happens one period from now.
func (s *Scheduler) SchedulePeriodic(ctx context.Context, env *envelope.Envelope, period time.Duration, destination string) (JobID, error) {
	if err := envelope.CheckDelay(period); err != nil {
		return "", err
	}
	wrapped, err := envelope.Wrap(unscheduled(env), destination, 0, period)
	if err != nil {
		return "", err
	}
	id := JobID(idspkg.NewJobID())
	md := metadatapkg.New(metadatapkg.KeyJobID, string(id))
	if err := s.publisher.PublishWithMetadata(ctx, destination, wrapped, md); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.issued[id] = period
	s.mu.Unlock()
	return id, nil
}

// Cancel stops a periodic job issued by this scheduler the next time it
// fires here. Unknown ids, one-shot jobs included, yield ErrUnknownJob.
func (s *Scheduler) Cancel(id JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	period, ok := s.issued[id]
	if !ok {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownJob, id)
	}
	now := s.now()
	s.pruneLocked(now)
	s.cancelled[id] = now.Add(cancelTTL(period))
	return nil
}

func (s *Scheduler) consumeCancellation(id JobID) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(s.now())
	if _, ok := s.cancelled[id]; !ok {
		return false
	}
	delete(s.cancelled, id)
	delete(s.issued, id)
	return true
}

// pruneLocked forgets cancellations whose job never came back. The job is
// forgotten with them.
func (s *Scheduler) pruneLocked(now time.Time) {
	for id, deadline := range s.cancelled {
		if now.After(deadline) {
			delete(s.cancelled, id)
			delete(s.issued, id)
		}
	}
}

// HandleFiring consumes a delivery from the schedule queue.
func (s *Scheduler) HandleFiring(msg *message.Message) error {
	wrapped, err := envelope.Decode(msg.Payload)
	if err != nil {
		return err
	}
	inner, err := envelope.Unwrap(wrapped)
	if err != nil {
		return err
	}

	id := JobID(msg.Metadata.Get(metadatapkg.KeyJobID))
	fields := loggingpkg.LogFields{
		"forward":  wrapped.Forward,
		"resource": inner.Resource,
		"handler":  inner.Handler,
		"job_id":   id,
	}
	if s.consumeCancellation(id) {
		s.metrics.RecordFiring(firingCancelled)
		s.logger.Info("Periodic job cancelled", fields)
		return nil
	}

	if err := s.publisher.Publish(msg.Context(), wrapped.Forward, inner); err != nil {
		return fmt.Errorf("forward scheduled envelope: %w", err)
	}
	s.metrics.RecordFiring(firingForwarded)
	s.logger.Debug("Scheduled envelope forwarded", fields)

	if wrapped.Period <= 0 {
		return nil
	}
	var md metadatapkg.Metadata
	if id != "" {
		md = metadatapkg.New(metadatapkg.KeyJobID, string(id))
	}
	// each occurrence starts its own trace
	if err := s.publisher.PublishWithMetadata(context.Background(), wrapped.Forward, wrapped.Rescheduled(), md); err != nil {
		return fmt.Errorf("reschedule periodic envelope: %w", err)
	}
	s.metrics.RecordFiring(firingRescheduled)
	return nil
}

func unscheduled(env *envelope.Envelope) *envelope.Envelope {
	if env == nil {
		return nil
	}
	c := env.Clone()
	c.Period, c.Delay = 0, 0
	return c
}
