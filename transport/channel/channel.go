// Package channel provides an in-memory broker backed by watermill's Go
// channel pub/sub. It keeps the queue semantics a service relies on inside
// one process, which makes it the broker of choice for tests and local runs.
package channel

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ninjin/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing. Services that
// should talk to each other in one process must share a pub/sub, see Shared.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// Shared returns a factory handing out the same pub/sub to every broker.
func Shared(pubSub *gochannel.GoChannel) func(gochannel.Config, watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	return func(gochannel.Config, watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		return pubSub, pubSub
	}
}

// PubSubConfig is the gochannel configuration used by Build. Persistence
// emulates durable queues: messages published before a consumer subscribes
// are kept and delivered once it does.
var PubSubConfig = gochannel.Config{Persistent: true}

func init() {
	Register()
}

// Register registers the in-memory broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Broker is the in-memory broker. Queue names map one to one onto gochannel
// topics, so binding a consumer queue needs no work.
type Broker struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	delayed    *transport.DelayEmulator
	topology   transport.Topology
}

// Build creates a new in-memory broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(PubSubConfig, logger)
	return &Broker{
		publisher:  pub,
		subscriber: sub,
		delayed:    transport.NewDelayEmulator(pub, logger),
		topology:   transport.NewTopology(cfg),
	}, nil
}

func (b *Broker) Publisher() message.Publisher                      { return b.publisher }
func (b *Broker) DelayedPublisher() transport.DelayedPublisher      { return b.delayed }
func (b *Broker) Subscriber(transport.QueueKind) message.Subscriber { return b.subscriber }
func (b *Broker) Topology() transport.Topology                      { return b.topology }

// DeclareConsumerQueue is a no-op: gochannel topics exist on first use.
func (b *Broker) DeclareConsumerQueue(context.Context, string) error { return nil }

// Close drops pending delayed deliveries and closes the pub/sub.
func (b *Broker) Close() error {
	return errors.Join(
		b.delayed.Close(),
		b.publisher.Close(),
		b.subscriber.Close(),
	)
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
