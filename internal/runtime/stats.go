package runtime

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/samber/lo"

	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	"github.com/drblury/ninjin/internal/runtime/jsoncodec"
)

const (
	// set by brokers or publishers that know how deep the queue was
	metadataKeyQueueDepth = "queue_depth"
	metadataKeyEnqueuedAt = "enqueued_at"

	latencyRingSize = 256
	rateBuckets     = 60 // one per second
)

// ErrorCategory groups handler failures for statistics and rejection
// metrics.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryRouting    ErrorCategory = "routing"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to its category. Nil errors map to
// ErrorCategoryNone.
type ErrorClassifier func(error) ErrorCategory

var errorCategories = []struct {
	category ErrorCategory
	targets  []error
}{
	{ErrorCategoryValidation, []error{errspkg.ErrValidation, errspkg.ErrIncorrectMessage}},
	{ErrorCategoryRouting, []error{errspkg.ErrUnknownConsumer, errspkg.ErrUnknownHandler}},
	{ErrorCategoryDownstream, []error{errspkg.ErrRPCTimeout, context.DeadlineExceeded, context.Canceled}},
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	for _, c := range errorCategories {
		if lo.SomeBy(c.targets, func(target error) bool { return errors.Is(err, target) }) {
			return c.category
		}
	}
	return ErrorCategoryOther
}

// Health of a queue a handler depends on.
const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

// LatencyStats summarises the most recent invocation durations.
type LatencyStats struct {
	Samples int           `json:"samples"`
	Last    time.Duration `json:"last_ns"`
	Mean    time.Duration `json:"mean_ns"`
	P50     time.Duration `json:"p50_ns"`
	P95     time.Duration `json:"p95_ns"`
	P99     time.Duration `json:"p99_ns"`
}

// RateStats counts invocations over the trailing minute.
type RateStats struct {
	PerSecond float64 `json:"per_second"`
	Window    float64 `json:"window_seconds"`
	InWindow  uint64  `json:"in_window"`
}

// ErrorCounts tallies failures per ErrorCategory.
type ErrorCounts struct {
	Validation uint64 `json:"validation"`
	Routing    uint64 `json:"routing"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

func (e *ErrorCounts) add(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	e.LastError = err.Error()
	counter := map[ErrorCategory]*uint64{
		ErrorCategoryValidation: &e.Validation,
		ErrorCategoryRouting:    &e.Routing,
		ErrorCategoryDownstream: &e.Downstream,
	}[category]
	if counter == nil {
		counter = &e.Other
	}
	*counter++
}

// BacklogStats reports concurrency and, when the message carries the hints,
// queue depth and lag. Unknown values are -1.
type BacklogStats struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
	QueueDepth  int64  `json:"queue_depth"`
	LagMillis   int64  `json:"lag_ms"`
}

// ResourceUsage is a process-wide reading taken when a handler finishes.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// HandlerStats accumulates invocation statistics of one handler. Read the
// exported fields through MarshalJSON while the service runs.
type HandlerStats struct {
	mu sync.Mutex

	consumerKey string
	replyTo     string
	sampler     *processSampler
	latencies   *durationRing
	rate        *rateCounter
	deps        map[string]int

	Processed    uint64             `json:"processed"`
	Failed       uint64             `json:"failed"`
	BusyTime     time.Duration      `json:"busy_ns"`
	LastSeen     time.Time          `json:"last_seen"`
	Latency      LatencyStats       `json:"latency"`
	Rate         RateStats          `json:"rate"`
	Errors       ErrorCounts        `json:"errors"`
	Process      ResourceUsage      `json:"process"`
	Backlog      BacklogStats       `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`
}

// HandlerInfo describes a registered handler for the web UI.
type HandlerInfo struct {
	Name        string        `json:"name"`
	ConsumerKey string        `json:"consumer_key"`
	Resource    string        `json:"resource"`
	Handler     string        `json:"handler"`
	Kind        HandlerKind   `json:"kind"`
	Reply       ReplyPolicy   `json:"reply"`
	RunEveryMs  int64         `json:"run_every_ms,omitempty"`
	Stats       *HandlerStats `json:"stats"`
}

func newHandlerStats(consumerKey, replyTo string, sampler *processSampler) *HandlerStats {
	h := &HandlerStats{
		consumerKey: consumerKey,
		replyTo:     replyTo,
		sampler:     sampler,
		latencies:   &durationRing{buf: make([]time.Duration, latencyRingSize)},
		rate:        &rateCounter{},
		deps:        map[string]int{},
		Backlog:     BacklogStats{QueueDepth: -1, LagMillis: -1},
	}
	h.dependency("consumer:" + consumerKey)
	if replyTo != "" {
		h.dependency("reply:" + replyTo)
	}
	return h
}

// dependency returns the entry called name, adding it when missing.
func (h *HandlerStats) dependency(name string) *DependencyHealth {
	idx, ok := h.deps[name]
	if !ok {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: name, Status: DependencyStatusUnknown})
		idx = len(h.Dependencies) - 1
		h.deps[name] = idx
	}
	return &h.Dependencies[idx]
}

func (h *HandlerStats) mark(name, status, details string) {
	dep := h.dependency(name)
	dep.Status, dep.Details, dep.LastChecked = status, details, time.Now().UTC()
}

// invocation carries the backlog hints read when a delivery starts.
type invocation struct {
	depth int64
	lag   int64
}

func (h *HandlerStats) begin(msg *message.Message) invocation {
	inv := backlogHints(msg)

	h.mu.Lock()
	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
	h.mu.Unlock()

	return inv
}

func (h *HandlerStats) finish(inv invocation, took time.Duration, err error, classify ErrorClassifier) {
	if classify == nil {
		classify = defaultErrorClassifier
	}
	category := classify(err)
	now := time.Now()
	usage := h.sampler.Snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight -= min(h.Backlog.InFlight, 1)
	if inv.depth >= 0 {
		h.Backlog.QueueDepth = inv.depth
	}
	if inv.lag >= 0 {
		h.Backlog.LagMillis = inv.lag
	}

	h.Processed++
	h.BusyTime += took
	h.LastSeen = now.UTC()
	if err != nil {
		h.Failed++
	}
	h.Errors.add(category, err)

	h.latencies.push(took)
	h.Latency = h.latencies.stats()
	h.Rate = h.rate.hit(now)
	if h.sampler != nil {
		h.Process = usage
	}

	h.mark("consumer:"+h.consumerKey, DependencyStatusHealthy, "")
	if h.replyTo == "" {
		return
	}
	if err != nil {
		h.mark("reply:"+h.replyTo, DependencyStatusDegraded, err.Error())
	} else {
		h.mark("reply:"+h.replyTo, DependencyStatusHealthy, "")
	}
}

func backlogHints(msg *message.Message) invocation {
	inv := invocation{depth: -1, lag: -1}
	if msg == nil {
		return inv
	}
	if n, err := strconv.ParseInt(msg.Metadata.Get(metadataKeyQueueDepth), 10, 64); err == nil {
		inv.depth = n
	}
	if at, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(metadataKeyEnqueuedAt)); err == nil {
		inv.lag = max(0, time.Since(at).Milliseconds())
	}
	return inv
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain HandlerStats
	return jsoncodec.Marshal((*plain)(h))
}

// durationRing keeps the latest len(buf) durations.
type durationRing struct {
	buf  []time.Duration
	n    int
	last time.Duration
}

func (r *durationRing) push(d time.Duration) {
	r.buf[r.n%len(r.buf)] = d
	r.n++
	r.last = d
}

func (r *durationRing) stats() LatencyStats {
	out := LatencyStats{Last: r.last}
	window := slices.Clone(r.buf[:min(r.n, len(r.buf))])
	if len(window) == 0 {
		return out
	}
	slices.Sort(window)
	out.Samples = len(window)
	out.Mean = lo.Sum(window) / time.Duration(len(window))
	out.P50 = quantile(window, 0.50)
	out.P95 = quantile(window, 0.95)
	out.P99 = quantile(window, 0.99)
	return out
}

// quantile interpolates between the neighbouring ranks of sorted.
func quantile[T ~int64](sorted []T, q float64) T {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + T(float64(sorted[i+1]-sorted[i])*(pos-float64(i)))
}

// rateCounter buckets hits per second over the last rateBuckets seconds.
type rateCounter struct {
	counts [rateBuckets]uint64
	second [rateBuckets]int64
	first  time.Time
}

func (c *rateCounter) hit(now time.Time) RateStats {
	if c.first.IsZero() {
		c.first = now
	}
	sec := now.Unix()
	slot := sec % rateBuckets
	if c.second[slot] != sec {
		c.second[slot], c.counts[slot] = sec, 0
	}
	c.counts[slot]++

	var total uint64
	for i, s := range c.second {
		if sec-s < rateBuckets {
			total += c.counts[i]
		}
	}
	window := min(now.Sub(c.first), rateBuckets*time.Second).Seconds()
	if window < 1 {
		window = 1
	}
	return RateStats{PerSecond: float64(total) / window, Window: window, InWindow: total}
}
