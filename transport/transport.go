// Package transport defines the broker abstraction the runtime is built on.
// Each broker implementation (rabbitmq, kafka, nats, channel) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// QueueKind selects one of the queue families a service consumes from.
type QueueKind int

const (
	// QueueConsumer queues are durable, shared and named after their consumer key.
	QueueConsumer QueueKind = iota
	// QueueReply is the private, exclusive RPC reply queue of this process.
	QueueReply
	// QueueSchedule is the durable queue fed by the delay exchange.
	QueueSchedule
)

func (k QueueKind) String() string {
	switch k {
	case QueueConsumer:
		return "consumer"
	case QueueReply:
		return "reply"
	case QueueSchedule:
		return "schedule"
	}
	return "unknown"
}

// Broker is a connected message broker with the service topology declared.
//
// Topics passed to Publisher and Subscriber are queue names: a consumer key,
// the reply queue or the schedule queue. The broker routes them through the
// main exchange with the queue name as routing key.
type Broker interface {
	Publisher() message.Publisher
	// DelayedPublisher publishes through the delay exchange.
	DelayedPublisher() DelayedPublisher
	Subscriber(kind QueueKind) message.Subscriber
	// DeclareConsumerQueue declares the durable queue for key and binds it to
	// the main exchange. Calling it again for the same key is harmless.
	DeclareConsumerQueue(ctx context.Context, key string) error
	Topology() Topology
	Close() error
}

// DelayedPublisher is implemented by brokers that can hold back a delivery.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error
}

// Builder connects to a broker and declares the fixed topology.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by brokers.
// This interface allows brokers to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the broker type name.
	GetPubSubSystem() string
	GetServiceName() string

	// Main exchange.
	GetExchangeName() string
	GetExchangeType() string
	GetExchangeDurable() bool
	GetExchangeAutoDelete() bool

	// RabbitMQ
	GetRabbitMQURL() string
	GetPrefetchCount() int
	GetReconnectDelay() time.Duration

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// NATS
	GetNATSURL() string
}

// CapabilitiesProvider is implemented by brokers that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
