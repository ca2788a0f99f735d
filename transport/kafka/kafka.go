// Package kafka provides a Kafka broker. Topics stand in for queues: consumer
// keys, the reply queue and the schedule queue each map to a topic of the
// same name. Kafka has no delayed delivery, so delays are held in process.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ninjin/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Broker is a Kafka client with one subscriber per queue kind.
type Broker struct {
	publisher   message.Publisher
	delayed     *transport.DelayEmulator
	subscribers map[transport.QueueKind]message.Subscriber
	topology    transport.Topology
}

// Build creates a new Kafka broker.
//
// Consumer queues share the configured consumer group (the service name when
// unset) so processes compete for deliveries. The schedule queue is consumed
// by a group named after it and the reply queue by a group unique to this
// process.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	brokers := cfg.GetKafkaBrokers()
	topo := transport.NewTopology(cfg)

	saramaPublisher := kafka.DefaultSaramaSyncPublisherConfig()
	saramaPublisher.ClientID = topo.ServiceName

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisher,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}

	b := &Broker{
		publisher:   publisher,
		delayed:     transport.NewDelayEmulator(publisher, logger),
		subscribers: make(map[transport.QueueKind]message.Subscriber, 3),
		topology:    topo,
	}

	consumerGroup := cfg.GetKafkaConsumerGroup()
	if consumerGroup == "" {
		consumerGroup = topo.ServiceName
	}
	groups := map[transport.QueueKind]string{
		transport.QueueConsumer: consumerGroup,
		transport.QueueReply:    topo.RPCQueue,
		transport.QueueSchedule: topo.ScheduleQueue,
	}
	for kind, group := range groups {
		saramaSubscriber := kafka.DefaultSaramaSubscriberConfig()
		saramaSubscriber.ClientID = topo.ServiceName

		sub, err := SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           kafka.DefaultMarshaler{},
				ConsumerGroup:         group,
				ReconnectRetrySleep:   cfg.GetReconnectDelay(),
				OverwriteSaramaConfig: saramaSubscriber,
			},
			logger,
		)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create kafka %s subscriber: %w", kind, err), b.Close())
		}
		b.subscribers[kind] = sub
	}

	return b, nil
}

func (b *Broker) Publisher() message.Publisher                 { return b.publisher }
func (b *Broker) DelayedPublisher() transport.DelayedPublisher { return b.delayed }
func (b *Broker) Topology() transport.Topology                 { return b.topology }

func (b *Broker) Subscriber(kind transport.QueueKind) message.Subscriber {
	return b.subscribers[kind]
}

// DeclareConsumerQueue is a no-op; topics are created by the cluster on first
// use.
func (b *Broker) DeclareConsumerQueue(context.Context, string) error { return nil }

func (b *Broker) Close() error {
	errs := []error{b.delayed.Close()}
	for _, sub := range b.subscribers {
		errs = append(errs, sub.Close())
	}
	errs = append(errs, b.publisher.Close())
	return errors.Join(errs...)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
