package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

func TestPublisherPublishesToDestination(t *testing.T) {
	broker := newFakeBroker()
	pub := NewPublisher(broker, newTestLogger())

	ctx := ContextWithTraceID(context.Background(), "trace-1")
	env := &envelope.Envelope{
		Resource:      "user",
		Handler:       "echo",
		Payload:       envelope.MustRaw(map[string]string{"name": "ada"}),
		CorrelationID: "corr-1",
		ReplyTo:       "svc.rpc.x",
	}
	require.NoError(t, pub.Publish(ctx, "users", env))

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "users", published[0].topic)
	assert.Empty(t, broker.Delayed())

	msg := published[0].msg
	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "user", msg.Metadata.Get(metadatapkg.KeyResource))
	assert.Equal(t, "echo", msg.Metadata.Get(metadatapkg.KeyHandler))
	assert.Equal(t, "corr-1", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, "svc.rpc.x", msg.Metadata.Get(metadatapkg.KeyReplyTo))
	assert.Equal(t, "trace-1", msg.Metadata.Get(metadatapkg.KeyTraceID))
	assert.NotEmpty(t, msg.Metadata.Get(metadataKeyEnqueuedAt))

	got := decodeMessage(t, msg)
	assert.Equal(t, "user", got.Resource)
	assert.Equal(t, "echo", got.Handler)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "svc.rpc.x", got.ReplyTo)
	assert.JSONEq(t, `{"name":"ada"}`, string(got.Payload))
}

func TestPublisherRoutesScheduledEnvelopesThroughDelayExchange(t *testing.T) {
	broker := newFakeBroker()
	pub := NewPublisher(broker, newTestLogger())

	env := &envelope.Envelope{
		Resource: "user",
		Handler:  "remind",
		Payload:  envelope.MustRaw(map[string]int{"id": 1}),
		Delay:    1500,
	}
	require.NoError(t, pub.Publish(context.Background(), "users", env))

	assert.Empty(t, broker.Published())
	delayed := broker.Delayed()
	require.Len(t, delayed, 1)
	assert.Equal(t, "svc.delayed", delayed[0].topic)
	assert.Equal(t, 1500*time.Millisecond, delayed[0].delay)

	wrapped := decodeMessage(t, delayed[0].msg)
	assert.Equal(t, envelope.SchedulerResource, wrapped.Resource)
	assert.Equal(t, "users", wrapped.Forward)

	inner, err := envelope.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "remind", inner.Handler)
	assert.Zero(t, inner.Delay)
	assert.Zero(t, inner.Period)
}

func TestPublisherErrors(t *testing.T) {
	var nilPublisher *Publisher
	err := nilPublisher.Publish(context.Background(), "users", &envelope.Envelope{Handler: "x"})
	assert.ErrorIs(t, err, errspkg.ErrNotConnected)

	broker := newFakeBroker()
	pub := NewPublisher(broker, newTestLogger())

	assert.ErrorIs(t, pub.Publish(context.Background(), "users", nil), errspkg.ErrIncorrectMessage)
	assert.ErrorIs(t, pub.Publish(context.Background(), "", &envelope.Envelope{Handler: "x", Payload: emptyReply}), errspkg.ErrDestinationRequired)
	assert.ErrorIs(t, pub.Publish(context.Background(), "users", &envelope.Envelope{Payload: emptyReply}), errspkg.ErrIncorrectMessage)

	broker.publishErr = errors.New("broker down")
	err = pub.Publish(context.Background(), "users", &envelope.Envelope{Handler: "x", Payload: emptyReply})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	assert.Empty(t, broker.Published())
}

func TestServicePublishGuardsEmptyPayload(t *testing.T) {
	svc, broker := newFakeService(t, nil)
	ctx := context.Background()

	var nilMap map[string]any
	assert.ErrorIs(t, svc.Publish(ctx, "users", nil), errspkg.ErrEmptyPayload)
	assert.ErrorIs(t, svc.Publish(ctx, "users", nilMap), errspkg.ErrEmptyPayload)
	assert.ErrorIs(t, svc.Publish(ctx, "users", envelope.MustRaw(nil)), errspkg.ErrEmptyPayload)
	assert.ErrorIs(t, svc.Publish(ctx, "users", func() {}), errspkg.ErrIncorrectMessage)

	assert.Empty(t, broker.Published())
	assert.Empty(t, broker.Delayed())
}

func TestServicePublishEnvelopeGuardsEmptyPayload(t *testing.T) {
	svc, broker := newFakeService(t, nil)
	ctx := context.Background()

	for name, payload := range map[string]json.RawMessage{
		"missing": nil,
		"null":    json.RawMessage("null"),
		"blank":   json.RawMessage("  "),
	} {
		env := &envelope.Envelope{Resource: "user", Handler: "create", Payload: payload}
		if err := svc.PublishEnvelope(ctx, "users", env); !errors.Is(err, errspkg.ErrEmptyPayload) {
			t.Fatalf("%s payload: expected ErrEmptyPayload, got %v", name, err)
		}
		_, err := svc.CallEnvelope(ctx, "users", env)
		assert.ErrorIs(t, err, errspkg.ErrEmptyPayload, name)
		assert.ErrorIs(t, svc.ScheduleOnce(ctx, env, time.Second, "users"), errspkg.ErrEmptyPayload, name)
		_, err = svc.SchedulePeriodic(ctx, env, time.Second, "users")
		assert.ErrorIs(t, err, errspkg.ErrEmptyPayload, name)
	}

	assert.Empty(t, broker.Published())
	assert.Empty(t, broker.Delayed())
	assert.Zero(t, svc.Pending())
}

func TestServicePublishOptions(t *testing.T) {
	svc, broker := newFakeService(t, nil)

	err := svc.Publish(context.Background(), "users", map[string]string{"q": "ada"},
		ToResource("user"),
		ToHandler("get_list"),
		WithFiltering(map[string]any{"age__gte": 18}),
		WithOrdering("-name"),
		WithPagination(map[string]int{"page": 2}),
		WithCorrelationID("c-1"),
		WithReplyTo("elsewhere"),
	)
	require.NoError(t, err)

	published := broker.Published()
	require.Len(t, published, 1)
	env := decodeMessage(t, published[0].msg)
	assert.Equal(t, "user", env.Resource)
	assert.Equal(t, "get_list", env.Handler)
	assert.JSONEq(t, `{"age__gte":18}`, string(env.Filtering))
	assert.Equal(t, "-name", env.Ordering)
	assert.JSONEq(t, `{"page":2}`, string(env.Pagination))
	assert.Equal(t, "c-1", env.CorrelationID)
	assert.Equal(t, "elsewhere", env.ReplyTo)
	assert.JSONEq(t, `{"q":"ada"}`, string(env.Payload))
}

func TestServicePublishDefaultsHandler(t *testing.T) {
	svc, broker := newFakeService(t, nil)

	require.NoError(t, svc.Publish(context.Background(), "users", map[string]int{"n": 1}, ToHandler("")))
	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, envelope.DefaultHandler, decodeMessage(t, published[0].msg).Handler)
}

func TestServicePublishWithDelay(t *testing.T) {
	svc, broker := newFakeService(t, nil)

	err := svc.Publish(context.Background(), "users", map[string]int{"n": 1}, WithDelay(0))
	assert.ErrorIs(t, err, errspkg.ErrInvalidDelay)
	err = svc.Publish(context.Background(), "users", map[string]int{"n": 1}, WithDelay(500*time.Microsecond))
	assert.ErrorIs(t, err, errspkg.ErrInvalidDelay)
	assert.Empty(t, broker.Delayed())

	require.NoError(t, svc.Publish(context.Background(), "users", map[string]int{"n": 1}, WithDelay(250*time.Millisecond)))
	assert.Empty(t, broker.Published())
	delayed := broker.Delayed()
	require.Len(t, delayed, 1)
	assert.Equal(t, 250*time.Millisecond, delayed[0].delay)
}
