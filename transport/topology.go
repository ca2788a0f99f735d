package transport

import (
	"fmt"

	"github.com/google/uuid"
)

// DelayedExchangeType is the exchange type provided by the RabbitMQ delayed
// message plugin.
const DelayedExchangeType = "x-delayed-message"

// Topology names the exchanges and queues of one service process.
type Topology struct {
	ServiceName string `json:"service_name"`

	// ExchangeName is the main exchange. Empty means the broker default exchange.
	ExchangeName       string `json:"exchange_name"`
	ExchangeType       string `json:"exchange_type"`
	ExchangeDurable    bool   `json:"exchange_durable"`
	ExchangeAutoDelete bool   `json:"exchange_auto_delete"`

	// DelayedExchange receives scheduler envelopes carrying an x-delay header.
	DelayedExchange string `json:"delayed_exchange"`
	// RPCQueue is "<service>.rpc.<uuid>", unique per process.
	RPCQueue string `json:"rpc_queue"`
	// ScheduleQueue is "<service>.delayed", shared by every process of the service.
	ScheduleQueue string `json:"schedule_queue"`
}

// NewTopology derives the topology names from cfg. Every call yields a fresh
// RPC queue name.
func NewTopology(cfg Config) Topology {
	service := cfg.GetServiceName()
	delayedBase := cfg.GetExchangeName()
	if delayedBase == "" {
		delayedBase = service
	}
	return Topology{
		ServiceName:        service,
		ExchangeName:       cfg.GetExchangeName(),
		ExchangeType:       cfg.GetExchangeType(),
		ExchangeDurable:    cfg.GetExchangeDurable(),
		ExchangeAutoDelete: cfg.GetExchangeAutoDelete(),
		DelayedExchange:    fmt.Sprintf("%s.delayed", delayedBase),
		RPCQueue:           fmt.Sprintf("%s.rpc.%s", service, uuid.NewString()),
		ScheduleQueue:      fmt.Sprintf("%s.delayed", service),
	}
}

// Queue returns the queue consumed for kind. Consumer queues are named by
// their key and therefore have no single name here.
func (t Topology) Queue(kind QueueKind) string {
	switch kind {
	case QueueReply:
		return t.RPCQueue
	case QueueSchedule:
		return t.ScheduleQueue
	}
	return ""
}
