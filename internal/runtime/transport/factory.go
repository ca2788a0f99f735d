package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/ninjin/internal/runtime/config"
	brokers "github.com/drblury/ninjin/transport"

	_ "github.com/drblury/ninjin/transport/transports"
)

// Factory abstracts how a Service connects its broker.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Broker, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Broker, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Broker, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the broker registry, with
// every built-in broker registered.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Broker, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}
	return brokers.Build(ctx, conf, logger)
}
