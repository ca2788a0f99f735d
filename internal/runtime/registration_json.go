package runtime

import (
	"context"

	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
)

// JSONActor adds a typed actor to b. The payload is decoded into T and
// validated before fn runs; the O it returns is the reply payload.
func JSONActor[T any, O any](b *ResourceBuilder, name string, fn func(ctx context.Context, in T, hc *handlerpkg.Context) (O, error), opts ...ActorOption) *ResourceBuilder {
	return b.Actor(name, handlerpkg.JSON(fn), opts...)
}

// JSONEvent adds a typed actor whose result is never sent anywhere.
func JSONEvent[T any](b *ResourceBuilder, name string, fn func(ctx context.Context, in T, hc *handlerpkg.Context) error) *ResourceBuilder {
	if fn == nil {
		return b.Actor(name, nil)
	}
	return JSONActor(b, name, func(ctx context.Context, in T, hc *handlerpkg.Context) (any, error) {
		return nil, fn(ctx, in, hc)
	}, NeverReply())
}
