package transport

// Capabilities describes what a broker backend supports. The web UI serves
// the capabilities of the configured broker.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsDelay is false for brokers whose delayed delivery is emulated
	// with in-process timers. Such deliveries do not survive a restart.
	SupportsDelay bool `json:"supports_delay"`

	// SupportsExclusiveQueues is true when the broker itself keeps reply
	// queues private rather than their random names.
	SupportsExclusiveQueues bool `json:"supports_exclusive_queues"`

	// SupportsCompetingConsumers is true when processes sharing a consumer
	// key split the deliveries instead of each receiving a copy.
	SupportsCompetingConsumers bool `json:"supports_competing_consumers"`

	SupportsOrdering bool `json:"supports_ordering"`
	SupportsTracing  bool `json:"supports_tracing"` // headers survive the hop
	SupportsAck      bool `json:"supports_ack"`
	SupportsNack     bool `json:"supports_nack"`

	MaxMessageSize int64 `json:"max_message_size"` // 0 when unknown
}

func (c Capabilities) RequiresDelayEmulation() bool { return !c.SupportsDelay }

// SupportsReliableDelivery reports at-least-once delivery: failed messages
// can be handed back to the broker.
func (c Capabilities) SupportsReliableDelivery() bool { return c.SupportsAck && c.SupportsNack }

const defaultMaxMessageSize = 1 << 20

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// RabbitMQCapabilities assume the delayed message exchange plugin.
	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsDelay:              true,
		SupportsExclusiveQueues:    true,
		SupportsCompetingConsumers: true,
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsCompetingConsumers: true,
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		MaxMessageSize:             defaultMaxMessageSize,
	}

	// NATSCapabilities cover NATS Core with queue groups.
	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsCompetingConsumers: true,
		SupportsTracing:            true,
		MaxMessageSize:             defaultMaxMessageSize,
	}
)
