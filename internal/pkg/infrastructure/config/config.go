package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/juju/errors"
)

const (
	SMSTransportNone = "none"
	SMSTransportHTTP = "http"
	SMSTransportMQTT = "mqtt"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

//Config holds the gateway runtime configuration loaded from environment variables
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"iot-wearable-gateway"`
	ServicePort string `env:"SERVICE_PORT" envDefault:"8880"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StreamAddr         string        `env:"GATEWAY_STREAM_ADDR" envDefault:":8001"`
	ReadTimeout        time.Duration `env:"GATEWAY_READ_TIMEOUT" envDefault:"15m"`
	ReadLimit          int           `env:"GATEWAY_READ_LIMIT" envDefault:"16384"`
	OnlineWindow       time.Duration `env:"GATEWAY_ONLINE_WINDOW" envDefault:"10m"`
	QueueSize          int           `env:"GATEWAY_QUEUE_SIZE" envDefault:"1024"`
	SinkWorkers        int           `env:"GATEWAY_SINK_WORKERS" envDefault:"4"`
	RetainUnrecognized bool          `env:"GATEWAY_RETAIN_UNRECOGNIZED" envDefault:"false"`
	DefaultPassword    string        `env:"GATEWAY_DEFAULT_PASSWORD" envDefault:"123456"`
	DispatchTimeout    time.Duration `env:"GATEWAY_DISPATCH_TIMEOUT" envDefault:"10s"`

	MessagingEnabled bool `env:"MESSAGING_ENABLED" envDefault:"false"`

	Database DatabaseConfig `envPrefix:"GATEWAY_DB_"`
	SMS      SMSConfig      `envPrefix:"SMS_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
}

//DatabaseConfig selects and parameterizes the relational store
type DatabaseConfig struct {
	Driver     string `env:"DRIVER" envDefault:"postgres"`
	Host       string `env:"HOST"`
	User       string `env:"USER"`
	Name       string `env:"NAME"`
	Password   string `env:"PASSWORD"`
	SSLMode    string `env:"SSLMODE" envDefault:"require"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"file::memory:?cache=shared"`
}

//DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", c.Host, c.User, c.Name, c.SSLMode, c.Password)
}

//SMSConfig selects the short-message transport
type SMSConfig struct {
	Transport string `env:"TRANSPORT" envDefault:"none"`

	ProviderURL   string `env:"PROVIDER_URL"`
	ProviderToken string `env:"PROVIDER_TOKEN"`
	Sender        string `env:"SENDER"`

	MQTTBroker      string `env:"MQTT_BROKER"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"iot-wearable-gateway"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"sms"`
}

//RedisConfig configures the optional presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

//Load parses the environment into a Config and validates it
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Annotate(err, "parse env")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

//Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.ServicePort); err != nil || port < 1 || port > 65535 {
		return errors.NotValidf("SERVICE_PORT %q (range 1..65535)", c.ServicePort)
	}
	if c.StreamAddr == "" {
		return errors.NotValidf("empty GATEWAY_STREAM_ADDR")
	}
	if c.ReadLimit <= 0 {
		return errors.NotValidf("GATEWAY_READ_LIMIT %d", c.ReadLimit)
	}
	if c.QueueSize <= 0 {
		return errors.NotValidf("GATEWAY_QUEUE_SIZE %d", c.QueueSize)
	}
	if c.SinkWorkers <= 0 {
		return errors.NotValidf("GATEWAY_SINK_WORKERS %d", c.SinkWorkers)
	}
	if c.OnlineWindow <= 0 {
		return errors.NotValidf("GATEWAY_ONLINE_WINDOW %s", c.OnlineWindow)
	}
	if c.DispatchTimeout <= 0 {
		return errors.NotValidf("GATEWAY_DISPATCH_TIMEOUT %s", c.DispatchTimeout)
	}

	switch c.Database.Driver {
	case DBDriverPostgres, DBDriverSQLite:
	default:
		return errors.NotValidf("GATEWAY_DB_DRIVER %q (use %q or %q)", c.Database.Driver, DBDriverPostgres, DBDriverSQLite)
	}

	switch c.SMS.Transport {
	case SMSTransportNone:
	case SMSTransportHTTP:
		if c.SMS.ProviderURL == "" {
			return errors.NotValidf("empty SMS_PROVIDER_URL with SMS_TRANSPORT=%s", SMSTransportHTTP)
		}
	case SMSTransportMQTT:
		if c.SMS.MQTTBroker == "" {
			return errors.NotValidf("empty SMS_MQTT_BROKER with SMS_TRANSPORT=%s", SMSTransportMQTT)
		}
	default:
		return errors.NotValidf("SMS_TRANSPORT %q", c.SMS.Transport)
	}

	return nil
}
