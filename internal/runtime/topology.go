package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sethvargo/go-retry"

	configpkg "github.com/drblury/ninjin/internal/runtime/config"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	transportpkg "github.com/drblury/ninjin/internal/runtime/transport"
	brokers "github.com/drblury/ninjin/transport"
)

// Topology owns the broker connection and the queues declared on it.
type Topology struct {
	broker brokers.Broker
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	declared map[string]struct{}
}

// Connect builds the broker, retrying at a fixed pace of conf.ReconnectDelay
// until it succeeds or ctx ends. Unknown broker names fail immediately.
func Connect(ctx context.Context, conf *configpkg.Config, factory transportpkg.Factory, logger loggingpkg.ServiceLogger) (*Topology, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: config is required", errspkg.ErrImproperlyConfigured)
	}
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	wmLogger := loggingpkg.NewWatermillAdapter(logger)

	attempt := 0
	broker, err := retry.DoValue(ctx, retry.NewConstant(conf.GetReconnectDelay()), func(ctx context.Context) (brokers.Broker, error) {
		attempt++
		broker, err := factory.Build(ctx, conf, wmLogger)
		if err == nil {
			return broker, nil
		}
		if errors.Is(err, brokers.ErrUnknownTransport) {
			return nil, err
		}
		logger.Error("Broker connection failed, retrying", err, loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"attempt":       attempt,
			"retry_in":      conf.GetReconnectDelay().String(),
		})
		return nil, retry.RetryableError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s broker: %w", conf.PubSubSystem, err)
	}

	topo := broker.Topology()
	logger.Info("Broker connected", loggingpkg.LogFields{
		"pubsub_system":    conf.PubSubSystem,
		"exchange":         topo.ExchangeName,
		"delayed_exchange": topo.DelayedExchange,
		"rpc_queue":        topo.RPCQueue,
		"schedule_queue":   topo.ScheduleQueue,
	})

	return &Topology{
		broker:   broker,
		logger:   logger,
		declared: make(map[string]struct{}),
	}, nil
}

func (t *Topology) Broker() brokers.Broker { return t.broker }

// Names returns the exchange and queue names of this process.
func (t *Topology) Names() brokers.Topology { return t.broker.Topology() }

// DeclareConsumerQueue declares the durable queue for key once per process.
func (t *Topology) DeclareConsumerQueue(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.declared[key]; ok {
		return nil
	}
	if err := t.broker.DeclareConsumerQueue(ctx, key); err != nil {
		return err
	}
	t.declared[key] = struct{}{}
	t.logger.Debug("Consumer queue declared", loggingpkg.LogFields{"queue": key})
	return nil
}

// Declared reports whether the consumer queue for key has been declared.
func (t *Topology) Declared(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.declared[key]
	return ok
}

// Close closes the broker. Pending delay timers are stopped with it.
func (t *Topology) Close() error {
	return t.broker.Close()
}
