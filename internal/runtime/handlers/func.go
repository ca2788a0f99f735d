package handlers

import "context"

// Func handles one envelope. The result becomes the reply payload when a
// reply is due.
type Func func(ctx context.Context, hc *Context) (any, error)

// JSON adapts a typed handler: the payload is decoded into T and validated
// before fn runs.
func JSON[T any, O any](fn func(ctx context.Context, in T, hc *Context) (O, error)) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, hc *Context) (any, error) {
		var in T
		if err := hc.Bind(&in); err != nil {
			return nil, err
		}
		return fn(ctx, in, hc)
	}
}

// NoReply adapts a handler that never produces a result.
func NoReply(fn func(ctx context.Context, hc *Context) error) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, hc *Context) (any, error) {
		return nil, fn(ctx, hc)
	}
}
