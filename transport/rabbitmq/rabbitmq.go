// Package rabbitmq provides the RabbitMQ broker. It declares a topic exchange
// for consumer queues, a delayed-message exchange feeding the service schedule
// queue, and an exclusive reply queue per process.
//
// Delayed delivery requires the rabbitmq_delayed_message_exchange plugin.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ninjin/internal/runtime/metadata"
	"github.com/drblury/ninjin/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "rabbitmq"

// delayedInnerType is the routing behaviour of the delayed exchange once a
// delay has elapsed.
const delayedInnerType = "topic"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the RabbitMQ broker with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before using the broker.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Broker is a RabbitMQ connection with the service topology declared. All
// publishers and subscribers share one connection so the exclusive reply
// queue stays reachable by its consumer.
type Broker struct {
	conn        *amqp.ConnectionWrapper
	publisher   message.Publisher
	delayed     *delayedPublisher
	subscribers map[transport.QueueKind]message.Subscriber
	topology    transport.Topology
}

// Build connects to RabbitMQ and declares the delayed exchange, the schedule
// queue and the reply queue. Consumer queues are declared per key through
// DeclareConsumerQueue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	topo := transport.NewTopology(cfg)
	url := cfg.GetRabbitMQURL()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: reconnectConfig(cfg.GetReconnectDelay()),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	b := &Broker{
		conn:        conn,
		subscribers: make(map[transport.QueueKind]message.Subscriber, 3),
		topology:    topo,
	}
	if err := b.setup(cfg, url, logger); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return b, nil
}

func (b *Broker) setup(cfg transport.Config, url string, logger watermill.LoggerAdapter) error {
	topo := b.topology

	publisher, err := PublisherFactory(newConfig(url, cfg, mainExchange(topo), amqp.QueueConfig{}), logger, b.conn)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	b.publisher = publisher

	delayed, err := PublisherFactory(newConfig(url, cfg, delayedExchange(topo), amqp.QueueConfig{}), logger, b.conn)
	if err != nil {
		return fmt.Errorf("create delayed publisher: %w", err)
	}
	b.delayed = &delayedPublisher{publisher: delayed}

	queues := map[transport.QueueKind]struct {
		exchange amqp.ExchangeConfig
		queue    amqp.QueueConfig
	}{
		transport.QueueConsumer: {mainExchange(topo), amqp.QueueConfig{GenerateName: amqp.GenerateQueueNameTopicName, Durable: true}},
		transport.QueueReply:    {mainExchange(topo), amqp.QueueConfig{GenerateName: amqp.GenerateQueueNameTopicName, Exclusive: true}},
		transport.QueueSchedule: {delayedExchange(topo), amqp.QueueConfig{GenerateName: amqp.GenerateQueueNameTopicName, Durable: true}},
	}
	for kind, q := range queues {
		sub, err := SubscriberFactory(newConfig(url, cfg, q.exchange, q.queue), logger, b.conn)
		if err != nil {
			return fmt.Errorf("create %s subscriber: %w", kind, err)
		}
		b.subscribers[kind] = sub
	}

	for _, kind := range []transport.QueueKind{transport.QueueSchedule, transport.QueueReply} {
		if err := initialize(b.subscribers[kind], topo.Queue(kind)); err != nil {
			return fmt.Errorf("declare %s queue %q: %w", kind, topo.Queue(kind), err)
		}
	}
	return nil
}

func (b *Broker) Publisher() message.Publisher                 { return b.publisher }
func (b *Broker) DelayedPublisher() transport.DelayedPublisher { return b.delayed }
func (b *Broker) Topology() transport.Topology                 { return b.topology }

func (b *Broker) Subscriber(kind transport.QueueKind) message.Subscriber {
	return b.subscribers[kind]
}

// DeclareConsumerQueue declares the durable queue for key and binds it to the
// main exchange with key as routing key.
func (b *Broker) DeclareConsumerQueue(_ context.Context, key string) error {
	if err := initialize(b.subscribers[transport.QueueConsumer], key); err != nil {
		return fmt.Errorf("declare consumer queue %q: %w", key, err)
	}
	return nil
}

// Close closes publishers and subscribers before the shared connection.
func (b *Broker) Close() error {
	var errs []error
	if b.publisher != nil {
		errs = append(errs, b.publisher.Close())
	}
	if b.delayed != nil {
		errs = append(errs, b.delayed.publisher.Close())
	}
	for _, sub := range b.subscribers {
		errs = append(errs, sub.Close())
	}
	errs = append(errs, closeConnection(b.conn))
	return errors.Join(errs...)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

type delayedPublisher struct {
	publisher message.Publisher
}

// PublishWithDelay routes messages through the delayed exchange. The plugin
// holds each message for the x-delay header before routing it by topic.
func (p *delayedPublisher) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	for _, msg := range messages {
		msg.Metadata.Set(metadata.KeyDelay, strconv.FormatInt(max(delay.Milliseconds(), 0), 10))
	}
	return p.publisher.Publish(topic, messages...)
}

func newConfig(url string, cfg transport.Config, exchange amqp.ExchangeConfig, queue amqp.QueueConfig) amqp.Config {
	return amqp.Config{
		Connection: amqp.ConnectionConfig{AmqpURI: url},
		Marshaler:  Marshaler{},
		Exchange:   exchange,
		Queue:      queue,
		QueueBind:  amqp.QueueBindConfig{GenerateRoutingKey: routingKey},
		Publish:    amqp.PublishConfig{GenerateRoutingKey: routingKey},
		Consume: amqp.ConsumeConfig{
			Qos: amqp.QosConfig{PrefetchCount: cfg.GetPrefetchCount()},
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
}

// routingKey routes by queue name: consumer keys, the reply queue and the
// schedule queue are all bound under their own name.
func routingKey(topic string) string { return topic }

func mainExchange(topo transport.Topology) amqp.ExchangeConfig {
	return amqp.ExchangeConfig{
		GenerateName: amqp.GenerateExchangeNameConstant(topo.ExchangeName),
		Type:         topo.ExchangeType,
		Durable:      topo.ExchangeDurable,
		AutoDeleted:  topo.ExchangeAutoDelete,
	}
}

func delayedExchange(topo transport.Topology) amqp.ExchangeConfig {
	return amqp.ExchangeConfig{
		GenerateName: amqp.GenerateExchangeNameConstant(topo.DelayedExchange),
		Type:         transport.DelayedExchangeType,
		Durable:      true,
		Arguments:    amqp091.Table{"x-delayed-type": delayedInnerType},
	}
}

// reconnectConfig retries at a fixed pace instead of backing off.
func reconnectConfig(delay time.Duration) *amqp.ReconnectConfig {
	rc := amqp.DefaultReconnectConfig()
	if delay > 0 {
		rc.BackoffInitialInterval = delay
		rc.BackoffMaxInterval = delay
		rc.BackoffMultiplier = 1
		rc.BackoffRandomizationFactor = 0
	}
	return rc
}

func initialize(sub message.Subscriber, topic string) error {
	initializer, ok := sub.(message.SubscribeInitializer)
	if !ok {
		return nil
	}
	return initializer.SubscribeInitialize(topic)
}

// closeConnection skips wrappers that never connected; they hold nothing.
func closeConnection(conn *amqp.ConnectionWrapper) error {
	if conn == nil || conn.Connection() == nil {
		return nil
	}
	return conn.Close()
}
