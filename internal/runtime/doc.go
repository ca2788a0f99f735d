/*
Package runtime implements the ninjin message routing runtime.

# Architecture Overview

Every process connects to one broker and consumes three kinds of queues:
the consumer queues its resources are registered on, a private RPC reply
queue and the schedule queue of its service. Messages on all of them carry a
JSON envelope naming the target resource and handler. A Watermill router
drives the consumption, and the default middleware chain wraps every
delivery.

# Package Structure

## Core Service (service.go, registration.go)

The Service struct wires together:
  - the broker connection and its queue names (topology.go)
  - the router with one handler per consumer queue plus the reply and
    schedule consumers
  - the Publisher, Correlator and Scheduler
  - HTTP servers for metrics and the web UI

Resources are registered before Start; the registry is frozen afterwards.

## Resources (resource.go, registry.go, registration_json.go, crud.go)

A Resource groups actors, which answer deliveries and may reply, and
periodic handlers, which the scheduler fires. The Registry maps a consumer
key to its resources. NewCRUDResource builds the create, update, delete,
get and get_list actors over a CRUDStore.

## Dispatching (dispatcher.go)

The Dispatcher decodes the envelope, resolves the handler, invokes it and
publishes its reply following the handler's ReplyPolicy. Any error it
returns rejects the message.

## RPC and scheduling (rpc.go, scheduler.go)

The Correlator matches replies to pending calls by correlation id. The
Scheduler wraps envelopes for the delayed exchange and forwards them when
they come back on the schedule queue, rescheduling periodic jobs.

## Middleware (middleware.go, hooks.go)

  - Reject: acknowledges failed deliveries, optionally copying them to a
    poison queue
  - TraceID: carries a trace id across hops
  - LogMessages: debug logging of payloads
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus router metrics
  - Retry: exponential backoff for transient failures
  - Recoverer: panics become errors

JobHooks run inside the chain around every delivery.

## Stats & Monitoring (stats.go, resources.go, metrics.go, webui.go)

Per-handler latency, throughput, error categories and backlog estimates,
runtime counters exported to Prometheus, and a read-only JSON API.

# Sub-packages

  - config/: configuration, validation and the viper loader
  - envelope/: the wire envelope and its scheduler wrapping
  - errors/: sentinel errors
  - handlers/: handler context, typed adapters
  - ids/: ULID and UUID generation
  - jsoncodec/: sonic-backed JSON helpers
  - logging/: logger interface and adapters
  - metadata/: message header helpers
  - query/: filtering, ordering and pagination of list requests
  - transport/: broker factory bridging config and the transport registry
  - validation/: struct validation

# Usage Example

	conf := config.Default("billing")
	svc := runtime.NewService(conf, logger, ctx, runtime.ServiceDependencies{})

	invoices := runtime.NewResource("invoice").
		Actor("get", getInvoice).
		Periodic("expire", time.Hour, expireInvoices).
		MustBuild()
	if err := svc.RegisterResource(invoices); err != nil {
		return err
	}

	return svc.Start(ctx)
*/
package runtime
