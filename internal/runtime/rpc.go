package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	idspkg "github.com/drblury/ninjin/internal/runtime/ids"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	metadatapkg "github.com/drblury/ninjin/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/ninjin"

type rpcResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	result      chan rpcResult
	destination string
	startedAt   time.Time
}

// PendingCallInfo describes an outstanding RPC call.
type PendingCallInfo struct {
	CorrelationID string    `json:"correlation_id"`
	Destination   string    `json:"destination"`
	StartedAt     time.Time `json:"started_at"`
}

// Correlator matches replies arriving on the private reply queue with the
// calls waiting for them.
type Correlator struct {
	publisher  *Publisher
	replyQueue string
	timeout    time.Duration
	logger     loggingpkg.ServiceLogger
	metrics    *RuntimeMetrics

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewCorrelator answers calls through replyQueue. A zero timeout leaves calls
// bounded by their context only.
func NewCorrelator(publisher *Publisher, replyQueue string, timeout time.Duration, logger loggingpkg.ServiceLogger, metrics *RuntimeMetrics) *Correlator {
	return &Correlator{
		publisher:  publisher,
		replyQueue: replyQueue,
		timeout:    timeout,
		logger:     logger,
		metrics:    metrics,
		pending:    make(map[string]*pendingCall),
	}
}

// Call publishes env to destination and waits for the reply payload.
func (c *Correlator) Call(ctx context.Context, destination string, env *envelope.Envelope) (json.RawMessage, error) {
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "rpc.call")
	defer span.End()

	correlationID := idspkg.CreateULID()
	span.SetAttributes(
		attribute.String("rpc.destination", destination),
		attribute.String("rpc.resource", env.Resource),
		attribute.String("rpc.handler", env.Handler),
		attribute.String("rpc.correlation_id", correlationID),
	)

	call, err := c.register(correlationID, destination)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	request := env.Clone()
	request.CorrelationID = correlationID
	request.ReplyTo = c.replyQueue

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.publisher.Publish(ctx, destination, request); err != nil {
		c.remove(correlationID)
		c.metrics.RecordRPC(destination, rpcOutcomeError, time.Since(call.startedAt))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	select {
	case res := <-call.result:
		outcome := rpcOutcomeOK
		if res.err != nil {
			outcome = rpcOutcomeClosed
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		c.metrics.RecordRPC(destination, outcome, time.Since(call.startedAt))
		return res.payload, res.err
	case <-ctx.Done():
		c.remove(correlationID)
		err := ctx.Err()
		outcome := rpcOutcomeCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = rpcOutcomeTimeout
			err = fmt.Errorf("%w: %s on %q after %s", errspkg.ErrRPCTimeout, env.Handler, destination, time.Since(call.startedAt).Round(time.Millisecond))
		}
		c.metrics.RecordRPC(destination, outcome, time.Since(call.startedAt))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

func (c *Correlator) register(correlationID, destination string) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errspkg.ErrServiceClosed
	}
	call := &pendingCall{
		result:      make(chan rpcResult, 1),
		destination: destination,
		startedAt:   time.Now(),
	}
	c.pending[correlationID] = call
	c.metrics.SetPendingRPC(len(c.pending))
	return call, nil
}

// take removes and returns the pending call, if it is still waiting.
func (c *Correlator) take(correlationID string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
		c.metrics.SetPendingRPC(len(c.pending))
	}
	return call, ok
}

func (c *Correlator) remove(correlationID string) {
	c.take(correlationID)
}

// HandleReply consumes a delivery from the reply queue. Replies nobody waits
// for are dropped.
func (c *Correlator) HandleReply(msg *message.Message) error {
	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		return err
	}
	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	}

	call, ok := c.take(correlationID)
	if !ok {
		c.logger.Debug("Dropping reply without pending call", loggingpkg.LogFields{
			"correlation_id": correlationID,
			"message_uuid":   msg.UUID,
		})
		return nil
	}
	call.result <- rpcResult{payload: env.Payload}
	return nil
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingCalls lists the outstanding calls, oldest first.
func (c *Correlator) PendingCalls() []PendingCallInfo {
	c.mu.Lock()
	calls := lo.MapToSlice(c.pending, func(id string, call *pendingCall) PendingCallInfo {
		return PendingCallInfo{CorrelationID: id, Destination: call.destination, StartedAt: call.startedAt}
	})
	c.mu.Unlock()

	slices.SortFunc(calls, func(a, b PendingCallInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return calls
}

// Close fails every outstanding call with err and refuses new ones.
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, call := range c.pending {
		call.result <- rpcResult{err: err}
		delete(c.pending, id)
	}
	c.metrics.SetPendingRPC(0)
}

// CallJSON performs an RPC call and decodes the reply payload into T.
func CallJSON[T any](ctx context.Context, s *Service, destination, resource, handler string, payload any) (T, error) {
	var out T
	raw, err := s.Call(ctx, destination, resource, handler, payload)
	if err != nil {
		return out, err
	}
	if jsoncodec.IsNull(raw) {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode reply: %v", errspkg.ErrIncorrectMessage, err)
	}
	return out, nil
}
