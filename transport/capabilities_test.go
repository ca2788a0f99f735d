package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityPredicates(t *testing.T) {
	tests := []struct {
		caps         Capabilities
		wantEmulated bool
		wantReliable bool
	}{
		{Capabilities{}, true, false},
		{Capabilities{SupportsDelay: true}, false, false},
		{Capabilities{SupportsAck: true}, true, false},
		{Capabilities{SupportsAck: true, SupportsNack: true}, true, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantEmulated, tt.caps.RequiresDelayEmulation(), "%+v", tt.caps)
		assert.Equal(t, tt.wantReliable, tt.caps.SupportsReliableDelivery(), "%+v", tt.caps)
	}
}

func TestOnlyRabbitMQDelaysNatively(t *testing.T) {
	assert.False(t, RabbitMQCapabilities.RequiresDelayEmulation())
	assert.True(t, RabbitMQCapabilities.SupportsExclusiveQueues)
	assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())

	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, NATSCapabilities} {
		assert.True(t, caps.RequiresDelayEmulation(), caps.Name)
		assert.False(t, caps.SupportsExclusiveQueues, caps.Name)
	}
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
	assert.EqualValues(t, 1<<20, KafkaCapabilities.MaxMessageSize)
}
