// Package ninjin routes JSON envelopes between services over a message
// broker. A process registers resources on consumer queues; each resource
// exposes named handlers. Actors answer deliveries and may reply, periodic
// handlers are fired by a delay scheduler, and Service.Call performs a
// request/reply round trip through a private reply queue.
//
// The broker is chosen by Config.PubSubSystem: RabbitMQ (the default, with
// a delayed-message exchange), Kafka and NATS (delays emulated in process),
// or the in-memory channel broker for tests and local runs. Import
// github.com/drblury/ninjin/transport/transports to register all of them.
//
// A minimal setup fills a Config, creates a Service, registers resources and
// calls Start:
//
//	svc := ninjin.NewService(ninjin.DefaultConfig("users"), logger, ctx, ninjin.ServiceDependencies{})
//	users := ninjin.NewResource("user").
//		Actor("get", getUser).
//		Periodic("cleanup", time.Hour, cleanup).
//		MustBuild()
//	if err := svc.RegisterResource(users); err != nil {
//		return err
//	}
//	return svc.Start(ctx)
//
// # Middleware
//
// Every delivery passes the default chain: rejection of failed messages
// (optionally copied to a poison queue), trace id propagation, payload
// logging, OpenTelemetry tracing, Prometheus metrics, retries with
// exponential backoff and panic recovery. Custom middleware goes into
// ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// ServiceDependencies.Hooks provides OnJobStart, OnJobDone and OnJobError
// callbacks for logging, metrics collection and alerting around handler
// execution.
package ninjin
