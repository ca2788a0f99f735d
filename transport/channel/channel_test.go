package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ninjin/internal/runtime/config"
	"github.com/drblury/ninjin/transport"
)

func testConfig() *config.Config {
	cfg := config.Default("users")
	cfg.PubSubSystem = TransportName
	return cfg
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.RequiresDelayEmulation())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildTopology(t *testing.T) {
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer broker.Close()

	topo := broker.Topology()
	assert.Equal(t, "users.delayed", topo.ScheduleQueue)
	assert.Contains(t, topo.RPCQueue, "users.rpc.")
	assert.NoError(t, broker.DeclareConsumerQueue(context.Background(), "users"))
	assert.Same(t, broker.Subscriber(transport.QueueReply), broker.Subscriber(transport.QueueConsumer))
}

func TestPublishBeforeSubscribeIsKept(t *testing.T) {
	broker, err := Build(context.Background(), testConfig(), watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"handler":"echo"}`))
	require.NoError(t, broker.Publisher().Publish("users", msg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	messages, err := broker.Subscriber(transport.QueueConsumer).Subscribe(ctx, "users")
	require.NoError(t, err)

	select {
	case got := <-messages:
		assert.Equal(t, msg.UUID, got.UUID)
		got.Ack()
	case <-ctx.Done():
		t.Fatal("message published before subscribe was lost")
	}
}

func TestDelayedPublish(t *testing.T) {
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	queue := broker.Topology().ScheduleQueue
	messages, err := broker.Subscriber(transport.QueueSchedule).Subscribe(ctx, queue)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, broker.DelayedPublisher().PublishWithDelay(queue, 40*time.Millisecond, message.NewMessage(watermill.NewUUID(), nil)))

	select {
	case got := <-messages:
		got.Ack()
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	case <-ctx.Done():
		t.Fatal("delayed message was not delivered")
	}
}

func TestSharedFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pubSub := gochannel.NewGoChannel(PubSubConfig, watermill.NopLogger{})
	Factory = Shared(pubSub)

	a, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	b, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	assert.Same(t, a.Publisher(), b.Publisher())
	assert.NotEqual(t, a.Topology().RPCQueue, b.Topology().RPCQueue)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}
