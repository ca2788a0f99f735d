package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build for unregistered broker names.
var ErrUnknownTransport = errors.New("unknown transport")

type registration struct {
	build Builder
	caps  *Capabilities
}

// Registry maps PubSubSystem names to broker builders. Names are case
// insensitive. Broker packages add themselves from their Register function.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry Register and Build work on.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registration{}}
}

func registryKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register binds name to build. Capabilities registered earlier are kept.
func (r *Registry) Register(name string, build Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(name)
	entry := r.entries[key]
	entry.build = build
	r.entries[key] = entry
}

// RegisterWithCapabilities binds name to build and records what the broker
// supports.
func (r *Registry) RegisterWithCapabilities(name string, build Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey(name)] = registration{build: build, caps: &caps}
}

// GetCapabilities reports what the broker called name supports. Unknown
// brokers get capabilities carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[registryKey(name)]; ok && entry.caps != nil {
		return *entry.caps
	}
	return Capabilities{Name: name}
}

// Build connects the broker selected by cfg.GetPubSubSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	entry, ok := r.entries[registryKey(name)]
	r.mu.RUnlock()
	if !ok || entry.build == nil {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}
	return entry.build(ctx, cfg, logger)
}

// Names lists the registered brokers in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[registryKey(name)]
	return ok
}

func Register(name string, build Builder) { DefaultRegistry.Register(name, build) }

func RegisterWithCapabilities(name string, build Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, build, caps)
}

func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

// GetCapabilities looks name up in DefaultRegistry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
