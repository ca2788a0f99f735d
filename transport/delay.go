package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrDelayEmulatorClosed is returned for publishes after Close.
var ErrDelayEmulatorClosed = errors.New("delay emulator closed")

// DelayEmulator holds deliveries back with in-process timers for brokers
// without native delayed delivery. Pending deliveries are lost when the
// process exits.
type DelayEmulator struct {
	publisher message.Publisher
	logger    watermill.LoggerAdapter

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewDelayEmulator publishes through publisher once each delay elapses.
func NewDelayEmulator(publisher message.Publisher, logger watermill.LoggerAdapter) *DelayEmulator {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &DelayEmulator{
		publisher: publisher,
		logger:    logger,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// PublishWithDelay schedules the publish. A non-positive delay publishes
// immediately.
func (d *DelayEmulator) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDelayEmulatorClosed
	}
	if delay <= 0 {
		return d.publisher.Publish(topic, messages...)
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		if err := d.publisher.Publish(topic, messages...); err != nil {
			d.logger.Error("Delayed publish failed", err, watermill.LogFields{"topic": topic})
		}
	})
	d.timers[timer] = struct{}{}
	return nil
}

// Pending returns the number of deliveries still waiting.
func (d *DelayEmulator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Close cancels every pending delivery.
func (d *DelayEmulator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for timer := range d.timers {
		timer.Stop()
	}
	clear(d.timers)
	return nil
}
