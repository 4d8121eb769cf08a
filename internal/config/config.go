package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Database struct {
	Driver   string `mapstructure:"driver"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
	// Migrations is the goose migrations directory.
	Migrations string `mapstructure:"migrations"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentEvents   string `mapstructure:"payment-events"`
	PaymentRequests string `mapstructure:"payment-requests"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Enabled bool        `mapstructure:"enabled"`
	Writer  KafkaWriter `mapstructure:"writer"`
	Broker  KafkaBroker `mapstructure:"broker"`
	Topic   KafkaTopic  `mapstructure:"topic"`
	Reader  KafkaReader `mapstructure:"reader"`
}

const (
	EnvironmentSandbox = "sandbox"
	EnvironmentLive    = "live"

	BusinessTypePaybill = "paybill"
	BusinessTypeTill    = "till"
)

type Mpesa struct {
	Environment       string `mapstructure:"environment"`
	ShortCode         string `mapstructure:"shortcode"`
	ConsumerKey       string `mapstructure:"consumer-key"`
	ConsumerSecret    string `mapstructure:"consumer-secret"`
	Passkey           string `mapstructure:"passkey"`
	InitiatorName     string `mapstructure:"initiator-name"`
	InitiatorPassword string `mapstructure:"initiator-password"`
	CertificatePath   string `mapstructure:"certificate-path"`
	BusinessType      string `mapstructure:"business-type"`
	CountryCode       string `mapstructure:"country-code"`
	// CallbackBaseURL is the public URL of this service; webhook paths are appended to it.
	CallbackBaseURL string `mapstructure:"callback-base-url"`
	// BaseURL overrides the environment URL, e.g. to point at provider-mock.
	BaseURL         string `mapstructure:"base-url"`
	TimeoutMs       int    `mapstructure:"timeout-ms"`
	C2BEnabled      bool   `mapstructure:"c2b-enabled"`
	ReversalEnabled bool   `mapstructure:"reversal-enabled"`

	AllowInsecureCredentialFallback bool `mapstructure:"allow-insecure-credential-fallback"`
}

func (m Mpesa) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

type Webhook struct {
	Secret             string `mapstructure:"secret"`
	RequireSignature   bool   `mapstructure:"require-signature"`
	C2BValidation      string `mapstructure:"c2b-validation"`
	ReversalForwardURL string `mapstructure:"reversal-forward-url"`
	ForwardTimeoutMs   int    `mapstructure:"forward-timeout-ms"`
}

type Order struct {
	PaidStatus string `mapstructure:"paid-status"`
}

type Currency struct {
	Settlement    string `mapstructure:"settlement"`
	LiveRates     bool   `mapstructure:"live-rates"`
	LiveRatesURL  string `mapstructure:"live-rates-url"`
	LiveTimeoutMs int    `mapstructure:"live-timeout-ms"`
	CacheTTLMin   int    `mapstructure:"cache-ttl-min"`
	RateTable     string `mapstructure:"rate-table"`
}

type Poller struct {
	Enabled    bool `mapstructure:"enabled"`
	IntervalMs int  `mapstructure:"interval-ms"`
	MinAgeSec  int  `mapstructure:"min-age-sec"`
	FetchSize  int  `mapstructure:"fetch-size"`
	// MaxAgeMin hands a payment still unresolved after this long to manual reconciliation.
	MaxAgeMin int `mapstructure:"max-age-min"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Tracing struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service-name"`
}

type Config struct {
	Database Database `mapstructure:"database"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Mpesa    Mpesa    `mapstructure:"mpesa"`
	Webhook  Webhook  `mapstructure:"webhook"`
	Order    Order    `mapstructure:"order"`
	Currency Currency `mapstructure:"currency"`
	Poller   Poller   `mapstructure:"poller"`
	Server   Server   `mapstructure:"server"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
	Tracing  Tracing  `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("database.migrations", "migrations")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("kafka.topic.payment-events", "payment-events")
	v.SetDefault("kafka.topic.payment-requests", "payment-requests")
	v.SetDefault("kafka.reader.group-id", "mpesa-reconciler")
	v.SetDefault("mpesa.environment", EnvironmentSandbox)
	v.SetDefault("mpesa.business-type", BusinessTypePaybill)
	v.SetDefault("mpesa.country-code", "254")
	v.SetDefault("mpesa.timeout-ms", 30_000)
	v.SetDefault("webhook.c2b-validation", "accept-all")
	v.SetDefault("webhook.forward-timeout-ms", 10_000)
	v.SetDefault("order.paid-status", "processing")
	v.SetDefault("currency.settlement", "KES")
	v.SetDefault("currency.live-rates-url", "https://open.er-api.com/v6/latest")
	v.SetDefault("currency.live-timeout-ms", 10_000)
	v.SetDefault("currency.cache-ttl-min", 360)
	v.SetDefault("poller.interval-ms", 30_000)
	v.SetDefault("poller.min-age-sec", 60)
	v.SetDefault("poller.fetch-size", 50)
	v.SetDefault("poller.max-age-min", 60)
	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("logs.level", "info")
	v.SetDefault("tracing.service-name", "mpesa-reconciler")
}

func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

func (c *Config) Validate() error {
	switch c.Mpesa.Environment {
	case EnvironmentSandbox, EnvironmentLive:
	default:
		return errors.Errorf("mpesa.environment: unknown value %q", c.Mpesa.Environment)
	}

	switch c.Mpesa.BusinessType {
	case BusinessTypePaybill, BusinessTypeTill:
	default:
		return errors.Errorf("mpesa.business-type: unknown value %q", c.Mpesa.BusinessType)
	}

	if c.Mpesa.ConsumerKey == "" || c.Mpesa.ConsumerSecret == "" {
		return errors.New("mpesa.consumer-key and mpesa.consumer-secret are required")
	}

	if c.Mpesa.ShortCode == "" {
		return errors.New("mpesa.shortcode is required")
	}

	if c.Webhook.RequireSignature && c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required when webhook.require-signature is set")
	}

	switch c.Webhook.C2BValidation {
	case "accept-all", "known-order":
	default:
		return errors.Errorf("webhook.c2b-validation: unknown value %q", c.Webhook.C2BValidation)
	}

	return nil
}

// ConnString builds the postgres URL used by both goose and pgx.
func (d Database) ConnString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name + "?sslmode=" + d.SSLMode
}
