package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/drblury/ninjin/internal/runtime/envelope"
	errspkg "github.com/drblury/ninjin/internal/runtime/errors"
	handlerpkg "github.com/drblury/ninjin/internal/runtime/handlers"
)

// HandlerKind tells actors, which answer deliveries, from periodic tasks,
// which are fired by the delay scheduler.
type HandlerKind int

const (
	KindActor HandlerKind = iota
	KindPeriodic
)

func (k HandlerKind) String() string {
	if k == KindPeriodic {
		return "periodic"
	}
	return "actor"
}

func (k HandlerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ReplyPolicy decides where and how an actor answers.
type ReplyPolicy struct {
	// ReplyTo is a fixed reply address. It takes precedence over the reply_to
	// of the incoming message.
	ReplyTo string `json:"reply_to,omitempty"`
	// RemoteResource and RemoteHandler address the reply envelope.
	RemoteResource string `json:"remote_resource,omitempty"`
	RemoteHandler  string `json:"remote_handler,omitempty"`
	// NeverReply suppresses replies even when the sender asked for one.
	NeverReply bool `json:"never_reply,omitempty"`
}

func (p ReplyPolicy) remoteHandler() string {
	if p.RemoteHandler == "" {
		return envelope.DefaultHandler
	}
	return p.RemoteHandler
}

// HandlerSpec is one registered handler of a resource.
type HandlerSpec struct {
	Name     string          `json:"name"`
	Kind     HandlerKind     `json:"kind"`
	Reply    ReplyPolicy     `json:"reply"`
	RunEvery time.Duration   `json:"run_every,omitempty"`
	Func     handlerpkg.Func `json:"-"`
}

// ActorOption customises the reply policy of an actor.
type ActorOption func(*ReplyPolicy)

// ReplyAlwaysTo sends every reply to addr, whatever the sender asked for.
func ReplyAlwaysTo(addr string) ActorOption {
	return func(p *ReplyPolicy) { p.ReplyTo = addr }
}

// WithRemote addresses replies to resource and handler on the receiving side.
func WithRemote(resource, handler string) ActorOption {
	return func(p *ReplyPolicy) {
		p.RemoteResource = resource
		p.RemoteHandler = handler
	}
}

// NeverReply drops the handler result even when a reply address is known.
func NeverReply() ActorOption {
	return func(p *ReplyPolicy) { p.NeverReply = true }
}

// Resource is an immutable named group of handlers. Build one with
// NewResource.
type Resource struct {
	name     string
	handlers map[string]*HandlerSpec
	order    []string
}

// Name returns the resource name envelopes address.
func (r *Resource) Name() string { return r.name }

// Handler looks up a handler by name.
func (r *Resource) Handler(name string) (*HandlerSpec, bool) {
	spec, ok := r.handlers[name]
	return spec, ok
}

// Handlers returns the handlers in declaration order.
func (r *Resource) Handlers() []*HandlerSpec {
	return lo.Map(r.order, func(name string, _ int) *HandlerSpec {
		return r.handlers[name]
	})
}

// Periodic returns the periodic handlers in declaration order.
func (r *Resource) Periodic() []*HandlerSpec {
	return lo.Filter(r.Handlers(), func(spec *HandlerSpec, _ int) bool {
		return spec.Kind == KindPeriodic
	})
}

// ResourceBuilder collects handlers for a Resource. The first error stops
// the builder and is returned by Build.
type ResourceBuilder struct {
	res *Resource
	err error
}

// NewResource starts a resource named name. The empty name is valid: that
// resource receives envelopes that name no resource.
func NewResource(name string) *ResourceBuilder {
	b := &ResourceBuilder{res: &Resource{
		name:     name,
		handlers: make(map[string]*HandlerSpec),
	}}
	if name != strings.TrimSpace(name) {
		b.err = fmt.Errorf("%w: resource name %q has surrounding spaces", errspkg.ErrResourceRequired, name)
	}
	return b
}

// Actor adds a handler invoked for envelopes addressed to name.
func (b *ResourceBuilder) Actor(name string, fn handlerpkg.Func, opts ...ActorOption) *ResourceBuilder {
	var policy ReplyPolicy
	for _, opt := range opts {
		opt(&policy)
	}
	return b.add(&HandlerSpec{Name: name, Kind: KindActor, Reply: policy, Func: fn})
}

// Periodic adds a handler fired every runEvery once the resource is
// registered. Periodic handlers never reply.
func (b *ResourceBuilder) Periodic(name string, runEvery time.Duration, fn handlerpkg.Func) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	if err := envelope.CheckDelay(runEvery); err != nil {
		b.err = fmt.Errorf("%w: periodic handler %q: %w", errspkg.ErrImproperlyConfigured, name, err)
		return b
	}
	return b.add(&HandlerSpec{
		Name:     name,
		Kind:     KindPeriodic,
		Reply:    ReplyPolicy{NeverReply: true},
		RunEvery: runEvery,
		Func:     fn,
	})
}

func (b *ResourceBuilder) add(spec *HandlerSpec) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	switch {
	case spec.Name == "":
		b.err = errspkg.ErrHandlerNameRequired
	case spec.Func == nil:
		b.err = fmt.Errorf("%w: %s.%s", errspkg.ErrHandlerRequired, b.res.name, spec.Name)
	default:
		if _, exists := b.res.handlers[spec.Name]; exists {
			b.err = fmt.Errorf("%w: handler %s.%s declared twice", errspkg.ErrImproperlyConfigured, b.res.name, spec.Name)
			return b
		}
		b.res.handlers[spec.Name] = spec
		b.res.order = append(b.res.order, spec.Name)
	}
	return b
}

// Build returns the resource or the first declaration error.
func (b *ResourceBuilder) Build() (*Resource, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.res, nil
}

// MustBuild is Build for package-level declarations; it panics on error.
func (b *ResourceBuilder) MustBuild() *Resource {
	res, err := b.Build()
	if err != nil {
		panic(err)
	}
	return res
}

// ResourceName derives a resource name from a type name: "UserResource"
// becomes "user" and a type named just "Resource" yields the unnamed
// resource.
func ResourceName(typeName string) string {
	if i := strings.LastIndex(typeName, "."); i >= 0 {
		typeName = typeName[i+1:]
	}
	name := strings.ToLower(strings.TrimLeft(typeName, "*"))
	return strings.TrimSuffix(name, "resource")
}
