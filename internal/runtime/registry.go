package runtime

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
)

// Registry maps consumer keys to the resources bound under them. It is
// mutable until Freeze; lookups after that take no lock.
type Registry struct {
	mu        sync.RWMutex
	frozen    atomic.Bool
	consumers map[string]map[string]*Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[string]map[string]*Resource)}
}

// Register binds res under consumerKey. A resource name may appear once per
// key; distinct resources can share a key.
func (r *Registry) Register(consumerKey string, res *Resource) error {
	if consumerKey == "" {
		return errspkg.ErrConsumerKeyRequired
	}
	if res == nil {
		return errspkg.ErrResourceRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %s on %q after start", errspkg.ErrImproperlyConfigured, res.Name(), consumerKey)
	}

	resources, ok := r.consumers[consumerKey]
	if !ok {
		resources = make(map[string]*Resource)
		r.consumers[consumerKey] = resources
	}
	if _, exists := resources[res.Name()]; exists {
		return fmt.Errorf("%w: %s on %q", errspkg.ErrDuplicateResource, res.Name(), consumerKey)
	}
	resources[res.Name()] = res
	return nil
}

// Unregister drops the binding of resource under consumerKey, and the key
// itself once nothing is bound to it. It reports whether a binding was
// removed; a frozen registry is left untouched.
func (r *Registry) Unregister(consumerKey, resource string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return false
	}
	resources, ok := r.consumers[consumerKey]
	if !ok {
		return false
	}
	if _, ok := resources[resource]; !ok {
		return false
	}
	delete(resources, resource)
	if len(resources) == 0 {
		delete(r.consumers, consumerKey)
	}
	return true
}

// Resolve finds the handler addressed by an envelope delivered on
// consumerKey. A resource missing under a known key is reported as an
// unknown consumer.
func (r *Registry) Resolve(consumerKey, resource, handler string) (*HandlerSpec, error) {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	res, ok := r.consumers[consumerKey][resource]
	if !ok {
		return nil, fmt.Errorf("%w: resource %q is not registered on %q", errspkg.ErrUnknownConsumer, resource, consumerKey)
	}
	spec, ok := res.Handler(handler)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no handler %q", errspkg.ErrUnknownHandler, resource, handler)
	}
	return spec, nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool { return r.frozen.Load() }

// ConsumerKeys returns the bound keys in sorted order.
func (r *Registry) ConsumerKeys() []string {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	keys := lo.Keys(r.consumers)
	slices.Sort(keys)
	return keys
}

// Resources returns the resources bound under consumerKey, sorted by name.
func (r *Registry) Resources(consumerKey string) []*Resource {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	resources := lo.Values(r.consumers[consumerKey])
	slices.SortFunc(resources, func(a, b *Resource) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return resources
}
