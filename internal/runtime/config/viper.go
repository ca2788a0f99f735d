package config

import (
	"bytes"
	"errors"
	"path"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. NINJIN_BROKER_HOST.
const EnvPrefix = "NINJIN"

// Load reads configuration from an optional file plus the environment.
// An empty path uses defaults and environment variables only. The file type
// is inferred from the extension.
func Load(pathFile string) (*Config, error) {
	v := newViper()
	if pathFile != "" {
		filename := path.Base(pathFile)
		v.AddConfigPath(path.Dir(pathFile))
		v.SetConfigName(filename[:len(filename)-len(path.Ext(filename))])
		if ext := strings.TrimPrefix(path.Ext(filename), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return fromViper(v), nil
}

// LoadFromBytes reads configuration from memory. configType should be a
// format supported by Viper (e.g. "yaml", "json", "toml").
func LoadFromBytes(configType string, data []byte) (*Config, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, errors.New("config type is required")
	}

	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return fromViper(v), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("service_name", "")
	v.SetDefault("pubsub_system", DefaultPubSubSystem)
	v.SetDefault("broker.host", DefaultBrokerHost)
	v.SetDefault("broker.port", DefaultBrokerPort)
	v.SetDefault("broker.login", DefaultBrokerLogin)
	v.SetDefault("broker.password", DefaultBrokerPassword)
	v.SetDefault("broker.vhost", DefaultBrokerVHost)
	v.SetDefault("exchange.name", "")
	v.SetDefault("exchange.type", DefaultExchangeType)
	v.SetDefault("exchange.durable", true)
	v.SetDefault("exchange.auto_delete", false)
	v.SetDefault("prefetch_count", 0)
	v.SetDefault("consumer.workers", DefaultConsumerWorkers)
	v.SetDefault("reconnect_delay", DefaultReconnectDelay)
	v.SetDefault("rpc_timeout", DefaultRPCTimeout)
	v.SetDefault("close_timeout", DefaultCloseTimeout)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("pagination.items_per_page", DefaultItemsPerPage)
	v.SetDefault("pagination.max_items_per_page", DefaultMaxItemsPerPage)
	v.SetDefault("poison_queue", "")
	v.SetDefault("retry.max_retries", 0)
	v.SetDefault("retry.initial_interval", 0)
	v.SetDefault("retry.max_interval", 0)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 0)
	v.SetDefault("webui.enabled", false)
	v.SetDefault("webui.port", 0)
	v.SetDefault("webui.cors_allowed_origins", []string{})
	return v
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		ServiceName:             v.GetString("service_name"),
		PubSubSystem:            v.GetString("pubsub_system"),
		BrokerHost:              v.GetString("broker.host"),
		BrokerPort:              v.GetInt("broker.port"),
		BrokerLogin:             v.GetString("broker.login"),
		BrokerPassword:          v.GetString("broker.password"),
		BrokerVHost:             v.GetString("broker.vhost"),
		ExchangeName:            v.GetString("exchange.name"),
		ExchangeType:            v.GetString("exchange.type"),
		ExchangeDurable:         v.GetBool("exchange.durable"),
		ExchangeAutoDelete:      v.GetBool("exchange.auto_delete"),
		PrefetchCount:           v.GetInt("prefetch_count"),
		ConsumerWorkers:         v.GetInt("consumer.workers"),
		ReconnectDelay:          v.GetDuration("reconnect_delay"),
		RPCTimeout:              v.GetDuration("rpc_timeout"),
		CloseTimeout:            v.GetDuration("close_timeout"),
		KafkaBrokers:            v.GetStringSlice("kafka.brokers"),
		KafkaConsumerGroup:      v.GetString("kafka.consumer_group"),
		NATSURL:                 v.GetString("nats.url"),
		ItemsPerPage:            v.GetInt("pagination.items_per_page"),
		MaxItemsPerPage:         v.GetInt("pagination.max_items_per_page"),
		PoisonQueue:             v.GetString("poison_queue"),
		RetryMaxRetries:         v.GetInt("retry.max_retries"),
		RetryInitialInterval:    v.GetDuration("retry.initial_interval"),
		RetryMaxInterval:        v.GetDuration("retry.max_interval"),
		MetricsEnabled:          v.GetBool("metrics.enabled"),
		MetricsPort:             v.GetInt("metrics.port"),
		WebUIEnabled:            v.GetBool("webui.enabled"),
		WebUIPort:               v.GetInt("webui.port"),
		WebUICORSAllowedOrigins: v.GetStringSlice("webui.cors_allowed_origins"),
	}
}
