package config

import (
	"errors"
	"io/fs"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Database struct {
	User          string `mapstructure:"user" validate:"required"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name" validate:"required"`
	Host          string `mapstructure:"host" validate:"required"`
	Port          string `mapstructure:"port" validate:"required"`
	SSLMode       string `mapstructure:"ssl-mode" validate:"required"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size" validate:"gte=1"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms" validate:"gte=1"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	StatusEvents string `mapstructure:"status-events"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type Events struct {
	Transport string `mapstructure:"transport" validate:"oneof=memory kafka"`
	QueueSize int    `mapstructure:"queue-size" validate:"gte=1"`
}

type Poller struct {
	IntervalMs   int  `mapstructure:"interval-ms" validate:"gte=100"`
	FetchSize    int  `mapstructure:"fetch-size" validate:"gte=1"`
	RetryDelayMs int  `mapstructure:"retry-delay-ms" validate:"gte=0"`
	AutoStart    bool `mapstructure:"auto-start"`
}

type Provision struct {
	MaxConcurrency int    `mapstructure:"max-concurrency" validate:"gte=1"`
	TimeoutMs      int    `mapstructure:"timeout-ms" validate:"gte=1"`
	CommentPrefix  string `mapstructure:"comment-prefix"`
}

type Ledger struct {
	PlatformUserID int64 `mapstructure:"platform-user-id" validate:"gt=0"`
}

type Gateway struct {
	BaseURL         string `mapstructure:"base-url" validate:"required,url"`
	Token           string `mapstructure:"token"`
	TimeoutMs       int    `mapstructure:"timeout-ms" validate:"gte=1"`
	NotificationURL string `mapstructure:"notification-url"`
}

type Webhook struct {
	Secret string `mapstructure:"secret"`
}

type Checkout struct {
	RateLimitRPS float64 `mapstructure:"rate-limit-rps" validate:"gt=0"`
	Burst        int     `mapstructure:"burst" validate:"gte=1"`
}

type Admin struct {
	Token string `mapstructure:"token"`
}

type Lock struct {
	RedisURL string `mapstructure:"redis-url"`
	TTLMs    int    `mapstructure:"ttl-ms" validate:"gte=100"`
}

type Server struct {
	Port string `mapstructure:"port" validate:"required"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

type Config struct {
	Database  Database  `mapstructure:"database"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Events    Events    `mapstructure:"events"`
	Poller    Poller    `mapstructure:"poller"`
	Provision Provision `mapstructure:"provision"`
	Ledger    Ledger    `mapstructure:"ledger"`
	Gateway   Gateway   `mapstructure:"gateway"`
	Webhook   Webhook   `mapstructure:"webhook"`
	Checkout  Checkout  `mapstructure:"checkout"`
	Admin     Admin     `mapstructure:"admin"`
	Lock      Lock      `mapstructure:"lock"`
	Server    Server    `mapstructure:"server"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Logs      Logs      `mapstructure:"logs"`
}

var defaults = map[string]any{
	"database.host":                 "localhost",
	"database.port":                 "5432",
	"database.ssl-mode":             "disable",
	"database.user":                 "",
	"database.password":             "",
	"database.name":                 "",
	"database.migrations-dir":       "migrations",
	"kafka.writer.batch-size":       100,
	"kafka.writer.batch-timeout-ms": 100,
	"kafka.broker.url":              "localhost:9092",
	"kafka.topic.status-events":     "payment-status-events",
	"kafka.reader.group-id":         "payment-reconciler",
	"events.transport":              "memory",
	"events.queue-size":             64,
	"poller.interval-ms":            30_000,
	"poller.fetch-size":             200,
	"poller.retry-delay-ms":         60_000,
	"poller.auto-start":             true,
	"provision.max-concurrency":     4,
	"provision.timeout-ms":          10_000,
	"provision.comment-prefix":      "paid",
	"ledger.platform-user-id":       0,
	"gateway.base-url":              "",
	"gateway.token":                 "",
	"gateway.timeout-ms":            10_000,
	"gateway.notification-url":      "",
	"webhook.secret":                "",
	"checkout.rate-limit-rps":       5.0,
	"checkout.burst":                10,
	"admin.token":                   "",
	"lock.redis-url":                "",
	"lock.ttl-ms":                   30_000,
	"server.port":                   "8080",
	"metrics.url":                   "",
	"metrics.interval-ms":           10_000,
	"metrics.common-labels":         "",
	"logs.url":                      "",
	"logs.level":                    "info",
}

var validate = validator.New()

// LoadConfig reads config.yaml from path, applies APP_* environment overrides
// (a .env file in the working directory is loaded first when present) and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := validate.Struct(&config); err != nil {
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
