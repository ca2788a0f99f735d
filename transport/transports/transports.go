// Package transports registers every built-in broker with the default
// registry. RabbitMQ and NATS register explicitly; import this package to get
// all of them.
package transports

import (
	_ "github.com/drblury/ninjin/transport/channel"
	_ "github.com/drblury/ninjin/transport/kafka"
	"github.com/drblury/ninjin/transport/nats"
	"github.com/drblury/ninjin/transport/rabbitmq"
)

func init() {
	rabbitmq.Register()
	nats.Register()
}
