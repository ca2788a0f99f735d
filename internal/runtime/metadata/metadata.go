package metadata

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Header keys understood by the runtime and the broker adapters.
const (
	KeyReplyTo       = "reply_to"
	KeyCorrelationID = "correlation_id"
	// KeyDelay carries the delivery delay in milliseconds for the delay exchange.
	KeyDelay    = "x-delay"
	KeyTraceID  = "trace_id"
	KeyJobID    = "job_id"
	KeyResource = "resource"
	KeyHandler  = "handler"
	// KeyRoutingKey lets adapters that publish to a shared exchange override
	// the routing key derived from the topic.
	KeyRoutingKey = "routing_key"
)

// Metadata represents the headers carried alongside an envelope.
type Metadata map[string]string

// Clone returns a shallow copy. The copy is never nil.
func (m Metadata) Clone() Metadata {
	return m.grow(0)
}

func (m Metadata) grow(extra int) Metadata {
	out := make(Metadata, len(m)+extra)
	maps.Copy(out, m)
	return out
}

// With returns a copy holding key. Empty values leave key unset.
func (m Metadata) With(key, value string) Metadata {
	out := m.grow(1)
	if value != "" {
		out[key] = value
	}
	return out
}

// WithAll returns a copy with entries laid over m.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := m.grow(len(entries))
	maps.Copy(out, entries)
	return out
}

// WithDelay records a delivery delay, truncated to whole milliseconds.
func (m Metadata) WithDelay(d time.Duration) Metadata {
	return m.With(KeyDelay, strconv.FormatInt(d.Milliseconds(), 10))
}

// Delay parses the x-delay header. Missing or malformed values yield zero.
func (m Metadata) Delay() time.Duration {
	raw, ok := m[KeyDelay]
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// New builds headers from alternating keys and values. A trailing key
// without value is dropped.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for kv := range slices.Chunk(pairs, 2) {
		if len(kv) == 2 {
			md[kv[0]] = kv[1]
		}
	}
	return md
}
