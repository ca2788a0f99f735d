package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	DefaultPubSubSystem    = "rabbitmq"
	DefaultBrokerHost      = "localhost"
	DefaultBrokerPort      = 5672
	DefaultBrokerLogin     = "guest"
	DefaultBrokerPassword  = "guest"
	DefaultBrokerVHost     = "/"
	DefaultExchangeType    = "topic"
	DefaultReconnectDelay  = 5 * time.Second
	DefaultRPCTimeout      = 30 * time.Second
	DefaultCloseTimeout    = 30 * time.Second
	DefaultItemsPerPage    = 100
	DefaultMaxItemsPerPage = 1000
	DefaultConsumerWorkers = 1
)

// Config holds broker and runtime settings. Brokers read only the fields that
// concern them.
type Config struct {
	// ServiceName names the service. It is the default consumer key and the
	// prefix of the private reply queue and the schedule queue.
	ServiceName string

	// PubSubSystem selects the backing broker. Supported values: "rabbitmq",
	// "channel", "kafka" and "nats".
	PubSubSystem string

	// AMQP endpoint and credentials.
	BrokerHost     string
	BrokerPort     int
	BrokerLogin    string
	BrokerPassword string
	BrokerVHost    string

	// Main exchange. An empty name routes through the broker default exchange.
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool

	// PrefetchCount bounds unacknowledged deliveries per consumer. Zero means
	// unlimited.
	PrefetchCount int

	// ConsumerWorkers is the number of consumers attached to every consumer
	// key. Each one takes a delivery at a time, so a handler calling its own
	// key needs at least two. Brokers that copy deliveries to every consumer
	// instead of splitting them always get one.
	ConsumerWorkers int

	// ReconnectDelay is the fixed pause between connection attempts.
	ReconnectDelay time.Duration

	// Kafka bootstrap servers and the group prefix of the consumers.
	KafkaBrokers       []string
	KafkaConsumerGroup string

	NATSURL string

	// RPCTimeout bounds every RPC call. Zero waits until the caller context
	// ends.
	RPCTimeout time.Duration

	// CloseTimeout bounds how long Close waits for in-flight handlers.
	CloseTimeout time.Duration

	// Pagination defaults used by the query helpers.
	ItemsPerPage    int
	MaxItemsPerPage int

	// PoisonQueue receives envelopes rejected by the dispatcher. Empty
	// disables forwarding; rejected messages are dropped either way.
	PoisonQueue string

	// RetryMiddleware tuning. Retries are disabled while RetryMaxRetries is 0.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Prometheus endpoint. A zero port registers the collectors without
	// serving them.
	MetricsEnabled bool
	MetricsPort    int

	// Read-only JSON API, served on 8081 unless WebUIPort is set. Cross-origin
	// requests are answered only for WebUICORSAllowedOrigins ("*" allows any).
	WebUIEnabled            bool
	WebUIPort               int
	WebUICORSAllowedOrigins []string
}

// Default returns a configuration carrying the stock broker credentials and
// timings.
func Default(serviceName string) *Config {
	return &Config{
		ServiceName:     serviceName,
		PubSubSystem:    DefaultPubSubSystem,
		BrokerHost:      DefaultBrokerHost,
		BrokerPort:      DefaultBrokerPort,
		BrokerLogin:     DefaultBrokerLogin,
		BrokerPassword:  DefaultBrokerPassword,
		BrokerVHost:     DefaultBrokerVHost,
		ExchangeType:    DefaultExchangeType,
		ExchangeDurable: true,
		ConsumerWorkers: DefaultConsumerWorkers,
		ReconnectDelay:  DefaultReconnectDelay,
		RPCTimeout:      DefaultRPCTimeout,
		CloseTimeout:    DefaultCloseTimeout,
		ItemsPerPage:    DefaultItemsPerPage,
		MaxItemsPerPage: DefaultMaxItemsPerPage,
	}
}

// transport.Config
func (c *Config) GetServiceName() string        { return c.ServiceName }
func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetExchangeName() string       { return c.ExchangeName }
func (c *Config) GetExchangeDurable() bool      { return c.ExchangeDurable }
func (c *Config) GetExchangeAutoDelete() bool   { return c.ExchangeAutoDelete }
func (c *Config) GetPrefetchCount() int         { return c.PrefetchCount }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetNATSURL() string            { return c.NATSURL }

func (c *Config) GetReconnectDelay() time.Duration {
	if c.ReconnectDelay <= 0 {
		return DefaultReconnectDelay
	}
	return c.ReconnectDelay
}

func (c *Config) GetExchangeType() string {
	if c.ExchangeType == "" {
		return DefaultExchangeType
	}
	return c.ExchangeType
}

// GetRabbitMQURL assembles the AMQP URI from the broker fields.
func (c *Config) GetRabbitMQURL() string {
	host := c.BrokerHost
	if host == "" {
		host = DefaultBrokerHost
	}
	port := c.BrokerPort
	if port == 0 {
		port = DefaultBrokerPort
	}
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}
	if c.BrokerLogin != "" {
		u.User = url.UserPassword(c.BrokerLogin, c.BrokerPassword)
	}
	if vhost := strings.TrimPrefix(c.BrokerVHost, "/"); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

const redacted = "***REDACTED***"

// String prints every field with the broker password and URL credentials
// masked.
func (c Config) String() string {
	type plain Config
	masked := plain(c)
	if masked.BrokerPassword != "" {
		masked.BrokerPassword = redacted
	}
	masked.NATSURL = redactURL(masked.NATSURL)
	return fmt.Sprintf("%+v", masked)
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}

// check pairs a failing condition with the error it reports.
type check struct {
	failed bool
	err    error
}

func notNegative[T int | time.Duration](scope, what string, v T) check {
	return check{v < 0, fmt.Errorf("%s: %s cannot be negative", scope, what)}
}

func validPort(scope string, port int) check {
	return check{port < 0 || port > 65535, fmt.Errorf("%s: invalid port %d", scope, port)}
}

// Validate reports every invalid setting at once. Unknown pubsub systems
// pass so custom transports can be registered.
func (c *Config) Validate() error {
	checks := []check{
		{strings.TrimSpace(c.ServiceName) == "", errors.New("service: name is required")},
		notNegative("consumer", "workers", c.ConsumerWorkers),
		notNegative("reconnect", "delay", c.ReconnectDelay),
		notNegative("rpc", "timeout", c.RPCTimeout),
		notNegative("close", "timeout", c.CloseTimeout),
		notNegative("pagination", "items per page", c.ItemsPerPage),
		notNegative("pagination", "max items per page", c.MaxItemsPerPage),
		notNegative("retry", "max retries", c.RetryMaxRetries),
		notNegative("retry", "initial interval", c.RetryInitialInterval),
		notNegative("retry", "max interval", c.RetryMaxInterval),
		{
			c.RetryMaxInterval > 0 && c.RetryInitialInterval > c.RetryMaxInterval,
			errors.New("retry: initial interval cannot exceed max interval"),
		},
		validPort("metrics", c.MetricsPort),
		validPort("webui", c.WebUIPort),
	}
	checks = append(checks, c.transportChecks()...)

	return errors.Join(lo.FilterMap(checks, func(ch check, _ int) (error, bool) {
		return ch.err, ch.failed
	})...)
}

func (c *Config) transportChecks() []check {
	switch strings.ToLower(c.PubSubSystem) {
	case "kafka":
		return []check{{len(c.KafkaBrokers) == 0, errors.New("kafka: brokers are required")}}
	case "nats":
		return []check{{c.NATSURL == "", errors.New("nats: URL is required")}}
	case "rabbitmq", "amqp":
		return []check{
			validPort("rabbitmq", c.BrokerPort),
			notNegative("rabbitmq", "prefetch count", c.PrefetchCount),
		}
	}
	return nil
}

// ValidateConfig validates c, treating nil as invalid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
