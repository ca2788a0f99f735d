package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

func newTestDispatcher(t *testing.T, broker *fakeBroker, resources ...*Resource) *Dispatcher {
	t.Helper()
	registry := NewRegistry()
	for _, res := range resources {
		require.NoError(t, registry.Register("users", res))
	}
	registry.Freeze()
	return &Dispatcher{
		registry:  registry,
		publisher: NewPublisher(broker, newTestLogger()),
		logger:    newTestLogger(),
		defaults:  handlerpkg.QueryDefaults{ItemsPerPage: 10, MaxItemsPerPage: 50},
		metrics:   NewRuntimeMetrics(prometheus.NewRegistry()),
	}
}

func echoHandler(_ context.Context, hc *handlerpkg.Context) (any, error) {
	return hc.Payload(), nil
}

func TestDispatchInvokesHandlerOnce(t *testing.T) {
	var calls atomic.Int32
	var seen *envelope.Envelope
	res := NewResource("user").
		Actor("echo", func(_ context.Context, hc *handlerpkg.Context) (any, error) {
			calls.Add(1)
			seen = hc.Envelope
			return nil, nil
		}).
		MustBuild()

	broker := newFakeBroker()
	d := newTestDispatcher(t, broker, res)

	msg := newDeliveredMessage(t, &envelope.Envelope{
		Resource: "user",
		Handler:  "echo",
		Payload:  envelope.MustRaw(map[string]string{"name": "ada"}),
	})
	require.NoError(t, d.Dispatch("users", msg))

	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, seen)
	assert.JSONEq(t, `{"name":"ada"}`, string(seen.Payload))
	assert.Empty(t, broker.Published(), "no reply address, no reply")
}

func TestDispatchRoutingErrors(t *testing.T) {
	res := NewResource("user").Actor("echo", echoHandler).MustBuild()
	d := newTestDispatcher(t, newFakeBroker(), res)

	tests := []struct {
		name        string
		consumerKey string
		env         *envelope.Envelope
		want        error
	}{
		{"unknown consumer key", "orders", &envelope.Envelope{Resource: "user", Handler: "echo"}, errspkg.ErrUnknownConsumer},
		{"unknown resource", "users", &envelope.Envelope{Resource: "order", Handler: "echo"}, errspkg.ErrUnknownConsumer},
		{"unknown handler", "users", &envelope.Envelope{Resource: "user", Handler: "nope"}, errspkg.ErrUnknownHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Dispatch(tt.consumerKey, newDeliveredMessage(t, tt.env))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDispatchRejectsUndecodableBody(t *testing.T) {
	d := newTestDispatcher(t, newFakeBroker())
	msg := newDeliveredMessage(t, &envelope.Envelope{Handler: "x"})
	msg.Payload = []byte(`{"resource":"user"}`)
	assert.ErrorIs(t, d.Dispatch("users", msg), errspkg.ErrIncorrectMessage)
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	res := NewResource("user").
		Actor("fail", func(context.Context, *handlerpkg.Context) (any, error) { return nil, boom }).
		MustBuild()
	broker := newFakeBroker()
	d := newTestDispatcher(t, broker, res)

	msg := newDeliveredMessage(t, &envelope.Envelope{Resource: "user", Handler: "fail", ReplyTo: "svc.rpc.caller"})
	assert.ErrorIs(t, d.Dispatch("users", msg), boom)
	assert.Empty(t, broker.Published(), "a failed handler does not reply")
}

func TestDispatchReplies(t *testing.T) {
	answer := func(v any) handlerpkg.Func {
		return func(context.Context, *handlerpkg.Context) (any, error) { return v, nil }
	}
	res := NewResource("user").
		Actor("get", answer(map[string]string{"name": "ada"})).
		Actor("touch", answer(nil)).
		Actor("silent", answer("ignored"), NeverReply()).
		Actor("audit", answer(1), ReplyAlwaysTo("audit")).
		Actor("notify", answer(true), WithRemote("inbox", "received")).
		MustBuild()

	tests := []struct {
		name        string
		handler     string
		replyTo     string
		wantTopic   string
		wantPayload string
		wantRes     string
		wantHandler string
	}{
		{"result is the reply payload", "get", "svc.rpc.caller", "svc.rpc.caller", `{"name":"ada"}`, "", envelope.DefaultHandler},
		{"nil result replies with an empty object", "touch", "svc.rpc.caller", "svc.rpc.caller", `{}`, "", envelope.DefaultHandler},
		{"never reply", "silent", "svc.rpc.caller", "", "", "", ""},
		{"fixed reply address wins", "audit", "svc.rpc.caller", "audit", `1`, "", envelope.DefaultHandler},
		{"fixed reply address without request", "audit", "", "audit", `1`, "", envelope.DefaultHandler},
		{"remote resource and handler", "notify", "elsewhere", "elsewhere", `true`, "inbox", "received"},
		{"no reply address", "get", "", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newFakeBroker()
			d := newTestDispatcher(t, broker, res)

			msg := newDeliveredMessage(t, &envelope.Envelope{
				Resource:      "user",
				Handler:       tt.handler,
				ReplyTo:       tt.replyTo,
				CorrelationID: "corr-7",
			})
			require.NoError(t, d.Dispatch("users", msg))

			published := broker.Published()
			if tt.wantTopic == "" {
				assert.Empty(t, published)
				return
			}
			require.Len(t, published, 1)
			assert.Equal(t, tt.wantTopic, published[0].topic)

			reply := decodeMessage(t, published[0].msg)
			assert.JSONEq(t, tt.wantPayload, string(reply.Payload))
			assert.Equal(t, tt.wantRes, reply.Resource)
			assert.Equal(t, tt.wantHandler, reply.Handler)
			assert.Equal(t, "corr-7", reply.CorrelationID)
			assert.Empty(t, reply.ReplyTo)
		})
	}
}

func TestDispatchReplyUsesMetadataAddress(t *testing.T) {
	res := NewResource("user").Actor("echo", echoHandler).MustBuild()
	broker := newFakeBroker()
	d := newTestDispatcher(t, broker, res)

	msg := newDeliveredMessage(t, &envelope.Envelope{Resource: "user", Handler: "echo", Payload: json.RawMessage(`[1,2]`)})
	msg.Metadata.Set(metadatapkg.KeyReplyTo, "svc.rpc.meta")
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-meta")
	require.NoError(t, d.Dispatch("users", msg))

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "svc.rpc.meta", published[0].topic)
	reply := decodeMessage(t, published[0].msg)
	assert.Equal(t, "corr-meta", reply.CorrelationID)
	assert.JSONEq(t, `[1,2]`, string(reply.Payload))
}

func TestDispatchReplyCarriesPagination(t *testing.T) {
	res := NewResource("user").
		Actor("get_list", func(_ context.Context, hc *handlerpkg.Context) (any, error) {
			page, err := hc.Pagination()
			if err != nil {
				return nil, err
			}
			return map[string]int{"limit": page.Limit, "offset": page.Offset}, nil
		}).
		MustBuild()
	broker := newFakeBroker()
	d := newTestDispatcher(t, broker, res)

	msg := newDeliveredMessage(t, &envelope.Envelope{
		Resource:   "user",
		Handler:    "get_list",
		Pagination: json.RawMessage(`{"page":2,"items_per_page":5}`),
		ReplyTo:    "svc.rpc.caller",
	})
	require.NoError(t, d.Dispatch("users", msg))

	published := broker.Published()
	require.Len(t, published, 1)
	reply := decodeMessage(t, published[0].msg)
	assert.JSONEq(t, `{"limit":15,"offset":10}`, string(reply.Payload))
	assert.JSONEq(t, `{"page":2}`, string(reply.Pagination))
}

func TestDispatchRecordsHandlerStats(t *testing.T) {
	res := NewResource("user").
		Actor("echo", echoHandler).
		Actor("bad", func(context.Context, *handlerpkg.Context) (any, error) {
			return nil, errspkg.ErrValidation
		}).
		MustBuild()
	d := newTestDispatcher(t, newFakeBroker(), res)

	stats := map[string]*HandlerStats{
		"echo": newHandlerStats("users", "", nil),
		"bad":  newHandlerStats("users", "", nil),
	}
	d.stats = func(consumerKey, resource, handler string) *HandlerStats {
		if consumerKey != "users" || resource != "user" {
			return nil
		}
		return stats[handler]
	}

	require.NoError(t, d.Dispatch("users", newDeliveredMessage(t, &envelope.Envelope{Resource: "user", Handler: "echo"})))
	require.Error(t, d.Dispatch("users", newDeliveredMessage(t, &envelope.Envelope{Resource: "user", Handler: "bad"})))

	assert.Equal(t, uint64(1), stats["echo"].Processed)
	assert.Zero(t, stats["echo"].Failed)
	assert.Equal(t, uint64(1), stats["bad"].Failed)
	assert.Equal(t, uint64(1), stats["bad"].Errors.Validation)
}

func TestDispatchUnnamedResource(t *testing.T) {
	var calls atomic.Int32
	unnamed := NewResource(ResourceName("Resource")).
		Actor("ping", func(context.Context, *handlerpkg.Context) (any, error) {
			calls.Add(1)
			return nil, nil
		}).
		MustBuild()
	require.Empty(t, unnamed.Name())

	d := newTestDispatcher(t, newFakeBroker(), unnamed, NewResource("user").Actor("ping", noopHandler).MustBuild())

	require.NoError(t, d.Dispatch("users", newDeliveredMessage(t, &envelope.Envelope{Handler: "ping"})))
	assert.Equal(t, int32(1), calls.Load())

	err := d.Dispatch("users", newDeliveredMessage(t, &envelope.Envelope{Resource: "order", Handler: "ping"}))
	assert.ErrorIs(t, err, errspkg.ErrUnknownConsumer)
}
