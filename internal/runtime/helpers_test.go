package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/ninjin/internal/runtime/config"
	"github.com/drblury/ninjin/internal/runtime/envelope"
	loggingpkg "github.com/drblury/ninjin/internal/runtime/logging"
	transportpkg "github.com/drblury/ninjin/internal/runtime/transport"
	brokers "github.com/drblury/ninjin/transport"
	"github.com/drblury/ninjin/transport/channel"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type publishedMessage struct {
	topic string
	delay time.Duration
	msg   *message.Message
}

// fakeBroker records everything published through it.
type fakeBroker struct {
	mu         sync.Mutex
	published  []publishedMessage
	delayed    []publishedMessage
	declared   []string
	publishErr error
	declareErr error
	// maxDelayed fails delayed publishes once that many were recorded.
	maxDelayed int
	closed     bool
	topology   brokers.Topology
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		topology: brokers.Topology{
			ServiceName:     "svc",
			DelayedExchange: "svc.delayed",
			RPCQueue:        "svc.rpc.test",
			ScheduleQueue:   "svc.delayed",
		},
	}
}

func (b *fakeBroker) Publish(topic string, messages ...*message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	for _, msg := range messages {
		b.published = append(b.published, publishedMessage{topic: topic, msg: msg})
	}
	return nil
}

func (b *fakeBroker) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	if b.maxDelayed > 0 && len(b.delayed) >= b.maxDelayed {
		return errors.New("delayed exchange full")
	}
	for _, msg := range messages {
		b.delayed = append(b.delayed, publishedMessage{topic: topic, delay: delay, msg: msg})
	}
	return nil
}

func (b *fakeBroker) Publisher() message.Publisher               { return b }
func (b *fakeBroker) DelayedPublisher() brokers.DelayedPublisher { return b }
func (b *fakeBroker) Topology() brokers.Topology                 { return b.topology }

func (b *fakeBroker) Subscriber(brokers.QueueKind) message.Subscriber {
	return &testSubscriber{}
}

func (b *fakeBroker) DeclareConsumerQueue(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared = append(b.declared, key)
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) Published() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

func (b *fakeBroker) Delayed() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.delayed...)
}

func (b *fakeBroker) Declared() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.declared...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

func brokerFactory(b brokers.Broker) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (brokers.Broker, error) {
		return b, nil
	})
}

func testConfig(name string) *configpkg.Config {
	conf := configpkg.Default(name)
	conf.PubSubSystem = channel.TransportName
	conf.ReconnectDelay = 10 * time.Millisecond
	conf.RPCTimeout = 2 * time.Second
	conf.CloseTimeout = time.Second
	return conf
}

// newFakeService builds a Service on top of a fakeBroker. It never runs.
func newFakeService(t *testing.T, mutate func(*configpkg.Config)) (*Service, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	conf := testConfig("svc")
	if mutate != nil {
		mutate(conf)
	}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory:  brokerFactory(broker),
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, broker
}

// sharePubSub makes every channel broker built during the test use one
// in-memory pub/sub, so services can reach each other.
func sharePubSub(t *testing.T) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(channel.PubSubConfig, watermill.NopLogger{})
	orig := channel.Factory
	channel.Factory = channel.Shared(pubSub)
	t.Cleanup(func() {
		channel.Factory = orig
		_ = pubSub.Close()
	})
}

// newChannelService builds a Service on the in-memory broker. Resources are
// registered before it starts; the service is closed with the test.
func newChannelService(t *testing.T, name string, deps ServiceDependencies, mutate func(*configpkg.Config), register func(*Service)) *Service {
	t.Helper()
	conf := testConfig(name)
	if mutate != nil {
		mutate(conf)
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("new service %s: %v", name, err)
	}
	if register != nil {
		register(svc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = svc.Close()
		<-done
	})

	select {
	case <-svc.Running():
	case err := <-done:
		t.Fatalf("service %s stopped: %v", name, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service %s did not start", name)
	}
	return svc
}

func decodeMessage(t *testing.T, msg *message.Message) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func newDeliveredMessage(t *testing.T, env *envelope.Envelope) *message.Message {
	t.Helper()
	body, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	msg := message.NewMessage(watermill.NewULID(), body)
	msg.SetContext(context.Background())
	return msg
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry in memory. Loggers derived with With
// share the entries of their parent.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
	parent  *recordingLogger
	base    loggingpkg.LogFields
}

func (l *recordingLogger) root() *recordingLogger {
	if l.parent != nil {
		return l.parent.root()
	}
	return l
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r := l.root()
	r.mu.Lock()
	r.entries = append(r.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	r.mu.Unlock()
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	base := loggingpkg.LogFields{}
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &recordingLogger{parent: l, base: base}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) {
	l.record("warn", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) messages(level string) []string {
	r := l.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

func (l *recordingLogger) snapshot() []logEntry {
	r := l.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logEntry(nil), r.entries...)
}
