package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ninjin/internal/runtime/config"
	"github.com/drblury/ninjin/transport"
)

func testConfig(group string) *config.Config {
	cfg := config.Default("users")
	cfg.PubSubSystem = TransportName
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.KafkaConsumerGroup = group
	return cfg
}

// stubFactories replaces the watermill constructors until t ends.
func stubFactories(t *testing.T, pub func(kafka.PublisherConfig) (message.Publisher, error), sub func(kafka.SubscriberConfig) (message.Subscriber, error)) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		return pub(cfg)
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub(cfg)
	}
}

func idle(kafka.SubscriberConfig) (message.Subscriber, error) { return idleSubscriber{}, nil }

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.RequiresDelayEmulation())
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuildConsumerGroups(t *testing.T) {
	var mu sync.Mutex
	groups := map[string]kafka.SubscriberConfig{}
	pub := &recordingPublisher{}

	stubFactories(t,
		func(cfg kafka.PublisherConfig) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "users", cfg.OverwriteSaramaConfig.ClientID)
			return pub, nil
		},
		func(cfg kafka.SubscriberConfig) (message.Subscriber, error) {
			mu.Lock()
			defer mu.Unlock()
			groups[cfg.ConsumerGroup] = cfg
			return idleSubscriber{}, nil
		},
	)

	broker, err := Build(context.Background(), testConfig(""), nil)
	require.NoError(t, err)
	defer broker.Close()

	// one group per queue kind: the consumer key, this process, the schedule
	topo := broker.Topology()
	require.Len(t, groups, 3)
	assert.Contains(t, groups, "users")
	assert.Contains(t, groups, topo.RPCQueue)
	assert.Contains(t, groups, topo.ScheduleQueue)
	assert.Equal(t, 5*time.Second, groups["users"].ReconnectRetrySleep)

	assert.Same(t, pub, broker.Publisher())
	assert.NoError(t, broker.DeclareConsumerQueue(context.Background(), "orders"))
}

func TestBuildUsesConfiguredGroup(t *testing.T) {
	seen := make(chan string, 3)
	stubFactories(t,
		func(kafka.PublisherConfig) (message.Publisher, error) { return &recordingPublisher{}, nil },
		func(cfg kafka.SubscriberConfig) (message.Subscriber, error) {
			seen <- cfg.ConsumerGroup
			return idleSubscriber{}, nil
		},
	)

	broker, err := Build(context.Background(), testConfig("billing-workers"), nil)
	require.NoError(t, err)
	defer broker.Close()

	close(seen)
	var got []string
	for group := range seen {
		got = append(got, group)
	}
	assert.Contains(t, got, "billing-workers")
}

func TestDelayedPublishIsEmulated(t *testing.T) {
	pub := &recordingPublisher{topics: make(chan string, 1)}
	stubFactories(t, func(kafka.PublisherConfig) (message.Publisher, error) { return pub, nil }, idle)

	broker, err := Build(context.Background(), testConfig(""), nil)
	require.NoError(t, err)
	defer broker.Close()

	require.NoError(t, broker.DelayedPublisher().PublishWithDelay("users.delayed", 20*time.Millisecond, message.NewMessage("m", nil)))
	select {
	case topic := <-pub.topics:
		assert.Equal(t, "users.delayed", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed message was not published")
	}
}

func TestBuildErrors(t *testing.T) {
	stubFactories(t, func(kafka.PublisherConfig) (message.Publisher, error) {
		return nil, errors.New("brokers unreachable")
	}, idle)
	_, err := Build(context.Background(), testConfig(""), watermill.NopLogger{})
	assert.ErrorContains(t, err, "brokers unreachable")

	stubFactories(t,
		func(kafka.PublisherConfig) (message.Publisher, error) { return &recordingPublisher{}, nil },
		func(kafka.SubscriberConfig) (message.Subscriber, error) { return nil, errors.New("group rebalancing") },
	)
	_, err = Build(context.Background(), testConfig(""), watermill.NopLogger{})
	assert.ErrorContains(t, err, "group rebalancing")
}

type recordingPublisher struct {
	topics chan string
}

func (p *recordingPublisher) Publish(topic string, _ ...*message.Message) error {
	if p.topics != nil {
		p.topics <- topic
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type idleSubscriber struct{}

func (idleSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (idleSubscriber) Close() error { return nil }
