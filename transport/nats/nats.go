// Package nats provides a NATS Core broker. Subjects stand in for queues and
// queue groups make processes sharing a consumer key compete. Core NATS keeps
// nothing for absent subscribers and has no delayed delivery, so delays are
// held in process.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/ninjin/transport"
)

// TransportName is the name used to register this broker.
const TransportName = "nats"

// QueueGroup is shared by every subscriber of consumer and schedule subjects.
const QueueGroup = "ninjin"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

// Register registers the NATS broker with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before using the broker.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Broker is a NATS client with one subscriber per queue kind.
type Broker struct {
	publisher   message.Publisher
	delayed     *transport.DelayEmulator
	subscribers map[transport.QueueKind]message.Subscriber
	topology    transport.Topology
}

// Build connects to NATS. The reply subject is consumed without a queue group
// since only this process listens on it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := cfg.GetNATSURL()
	topo := transport.NewTopology(cfg)
	marshaler := &wmnats.NATSMarshaler{}
	options := connectOptions(topo.ServiceName, cfg.GetReconnectDelay())
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			Marshaler:   marshaler,
			NatsOptions: options,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	b := &Broker{
		publisher:   publisher,
		delayed:     transport.NewDelayEmulator(publisher, logger),
		subscribers: make(map[transport.QueueKind]message.Subscriber, 3),
		topology:    topo,
	}

	groups := map[transport.QueueKind]string{
		transport.QueueConsumer: QueueGroup,
		transport.QueueReply:    "",
		transport.QueueSchedule: QueueGroup,
	}
	for kind, group := range groups {
		sub, err := SubscriberFactory(
			wmnats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				Unmarshaler:      marshaler,
				NatsOptions:      options,
				JetStream:        jetStream,
			},
			logger,
		)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create nats %s subscriber: %w", kind, err), b.Close())
		}
		b.subscribers[kind] = sub
	}

	return b, nil
}

func connectOptions(name string, reconnectWait time.Duration) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(reconnectWait),
	}
}

func (b *Broker) Publisher() message.Publisher                 { return b.publisher }
func (b *Broker) DelayedPublisher() transport.DelayedPublisher { return b.delayed }
func (b *Broker) Topology() transport.Topology                 { return b.topology }

func (b *Broker) Subscriber(kind transport.QueueKind) message.Subscriber {
	return b.subscribers[kind]
}

// DeclareConsumerQueue is a no-op; subjects need no declaration.
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
	return transport.NATSCapabilities
}
