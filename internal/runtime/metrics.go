package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ninjin"

const (
	rpcOutcomeOK        = "ok"
	rpcOutcomeTimeout   = "timeout"
	rpcOutcomeCancelled = "cancelled"
	rpcOutcomeClosed    = "closed"
	rpcOutcomeError     = "error"

	firingForwarded   = "forwarded"
	firingRescheduled = "rescheduled"
	firingCancelled   = "cancelled"
)

// RuntimeMetrics counts rejections, RPC outcomes, scheduler firings and
// replies. Counts are kept in memory for the web UI and exported to
// Prometheus once registered. A nil *RuntimeMetrics records nothing.
type RuntimeMetrics struct {
	mu sync.RWMutex

	rejected map[string]uint64
	rpc      map[string]uint64
	firings  map[string]uint64
	replies  uint64
	pending  int

	rejectedTotal *prometheus.CounterVec
	rpcTotal      *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	rpcPending    *prometheus.GaugeVec
	firingsTotal  *prometheus.CounterVec
	repliesTotal  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// MetricsSnapshot is a point-in-time view of RuntimeMetrics.
type MetricsSnapshot struct {
	Rejected    map[string]uint64 `json:"rejected"`
	RPC         map[string]uint64 `json:"rpc"`
	Firings     map[string]uint64 `json:"scheduler_firings"`
	Replies     uint64            `json:"replies"`
	PendingRPC  int               `json:"pending_rpc"`
	CollectedAt time.Time         `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewRuntimeMetrics creates the collectors. They are exported once Register
// is called.
func NewRuntimeMetrics(registerer prometheus.Registerer) *RuntimeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RuntimeMetrics{
		rejected:      make(map[string]uint64),
		rpc:           make(map[string]uint64),
		firings:       make(map[string]uint64),
		registerer:    registerer,
		rejectedTotal: newCounterVec("dispatcher", "rejected_total", "Messages rejected without requeue", []string{"queue", "reason"}),
		rpcTotal:      newCounterVec("rpc", "calls_total", "RPC calls by outcome", []string{"destination", "outcome"}),
		rpcDuration:   newHistogramVec("rpc", "call_duration_seconds", "Time from request publish to reply", prometheus.DefBuckets, []string{"destination"}),
		rpcPending:    newGaugeVec("rpc", "pending_calls", "RPC calls waiting for a reply", nil),
		firingsTotal:  newCounterVec("scheduler", "firings_total", "Scheduled envelopes handled by outcome", []string{"outcome"}),
		repliesTotal:  newCounterVec("dispatcher", "replies_total", "Replies published by handlers", []string{"resource", "handler"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RuntimeMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.rejectedTotal,
		m.rpcTotal,
		m.rpcDuration,
		m.rpcPending,
		m.firingsTotal,
		m.repliesTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *RuntimeMetrics) RecordRejected(queue, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
	m.rejectedTotal.WithLabelValues(queue, reason).Inc()
}

func (m *RuntimeMetrics) RecordRPC(destination, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rpc[outcome]++
	m.mu.Unlock()
	m.rpcTotal.WithLabelValues(destination, outcome).Inc()
	if outcome == rpcOutcomeOK {
		m.rpcDuration.WithLabelValues(destination).Observe(elapsed.Seconds())
	}
}

func (m *RuntimeMetrics) SetPendingRPC(n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
	m.rpcPending.WithLabelValues().Set(float64(n))
}

func (m *RuntimeMetrics) RecordFiring(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.firings[outcome]++
	m.mu.Unlock()
	m.firingsTotal.WithLabelValues(outcome).Inc()
}

func (m *RuntimeMetrics) RecordReply(resource, handler string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.replies++
	m.mu.Unlock()
	m.repliesTotal.WithLabelValues(resource, handler).Inc()
}

// Snapshot copies the in-memory counts.
func (m *RuntimeMetrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Rejected:    make(map[string]uint64),
		RPC:         make(map[string]uint64),
		Firings:     make(map[string]uint64),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for k, v := range m.rejected {
		snapshot.Rejected[k] = v
	}
	for k, v := range m.rpc {
		snapshot.RPC[k] = v
	}
	for k, v := range m.firings {
		snapshot.Firings[k] = v
	}
	snapshot.Replies = m.replies
	snapshot.PendingRPC = m.pending
	return snapshot
}
