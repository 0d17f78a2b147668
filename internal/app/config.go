package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverMySQL    = "mysql"
)

const (
	envPrefix     = "CAMPUS"
	envConfigFile = "CAMPUS_CONFIG"
)

// Config описывает настройки запуска сервиса.
// Структура плоская и сравнимая: тесты сравнивают её целиком.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	StorageDriver string        `mapstructure:"storage_driver"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	MySQLDSN      string        `mapstructure:"mysql_dsn"`
	AutoMigrate   bool          `mapstructure:"auto_migrate"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	// DBMaxOpenConns — размер пула SQL-соединений для postgres и mysql.
	DBMaxOpenConns int `mapstructure:"db_max_open_conns"`
	// SeedDemo заполняет memory-хранилище демонстрационным каталогом.
	SeedDemo bool `mapstructure:"seed_demo"`

	LowStockThreshold int           `mapstructure:"low_stock_threshold"`
	TxRetryAttempts   int           `mapstructure:"tx_retry_attempts"`
	TxRetryBaseDelay  time.Duration `mapstructure:"tx_retry_base_delay"`

	// PendingOrderTTL = 0 выключает автоотмену неоплаченных заказов.
	PendingOrderTTL   time.Duration `mapstructure:"pending_order_ttl"`
	ExpiryInterval    time.Duration `mapstructure:"expiry_interval"`
	ExpiryBatchSize   int           `mapstructure:"expiry_batch_size"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	FanoutQueueSize int           `mapstructure:"fanout_queue_size"`
	FanoutWorkers   int           `mapstructure:"fanout_workers"`
	SSEBuffer       int           `mapstructure:"sse_buffer"`
	SSEKeepAlive    time.Duration `mapstructure:"sse_keepalive"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisChannel  string `mapstructure:"redis_channel"`

	// Список брокеров через запятую.
	KafkaBrokers  string `mapstructure:"kafka_brokers"`
	KafkaTopic    string `mapstructure:"kafka_topic"`
	KafkaDLQTopic string `mapstructure:"kafka_dlq_topic"`

	SQSQueueURL    string `mapstructure:"sqs_queue_url"`
	SQSDLQQueueURL string `mapstructure:"sqs_dlq_queue_url"`
	AWSRegion      string `mapstructure:"aws_region"`
	SQSEndpoint    string `mapstructure:"sqs_endpoint"`

	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	OutboxMaxAttempts  int           `mapstructure:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `mapstructure:"outbox_retry_delay"`
	// OutboxStaleAfter — возраст самого старого pending-события, после которого /healthz отвечает degraded.
	OutboxStaleAfter time.Duration `mapstructure:"outbox_stale_after"`

	IdempotencyTTL              time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `mapstructure:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `mapstructure:"idempotency_cleanup_batch_size"`
	// IdempotencyProcessingLease: сколько ключ может висеть в processing, прежде чем очистка его освободит. 0 отключает.
	IdempotencyProcessingLease time.Duration `mapstructure:"idempotency_processing_lease"`

	WebhookSecret string `mapstructure:"webhook_secret"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
}

// DefaultConfig возвращает настройки для локального запуска на memory-хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver: StorageDriverMemory,
		AutoMigrate:   true,
		LockTimeout:   3 * time.Second,
		SeedDemo:      true,

		DBMaxOpenConns: 25,

		LowStockThreshold: 5,
		TxRetryAttempts:   3,
		TxRetryBaseDelay:  20 * time.Millisecond,

		PendingOrderTTL:   0,
		ExpiryInterval:    time.Minute,
		ExpiryBatchSize:   100,
		ReconcileInterval: 10 * time.Minute,

		FanoutQueueSize: 1024,
		FanoutWorkers:   2,
		SSEBuffer:       32,
		SSEKeepAlive:    15 * time.Second,

		RedisChannel: "campusstore:events",

		KafkaTopic:    "campusstore.notifications",
		KafkaDLQTopic: "campusstore.notifications.dlq",

		AWSRegion: "us-east-1",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  10,
		OutboxRetryDelay:   500 * time.Millisecond,
		OutboxStaleAfter:   5 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyProcessingLease:  2 * time.Minute,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig собирает Config из значений по умолчанию, необязательного файла
// (путь в CAMPUS_CONFIG) и переменных окружения CAMPUS_*.
func LoadConfig() (Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv видит только ключи, известные viper, поэтому регистрируем все.
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}

	if err := v.BindEnv("config_file", envConfigFile); err != nil {
		return Config{}, fmt.Errorf("bind %s: %w", envConfigFile, err)
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultValues() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"http_addr":                      d.HTTPAddr,
		"grpc_addr":                      d.GRPCAddr,
		"metrics_addr":                   d.MetricsAddr,
		"storage_driver":                 d.StorageDriver,
		"postgres_dsn":                   d.PostgresDSN,
		"mysql_dsn":                      d.MySQLDSN,
		"auto_migrate":                   d.AutoMigrate,
		"lock_timeout":                   d.LockTimeout,
		"db_max_open_conns":              d.DBMaxOpenConns,
		"seed_demo":                      d.SeedDemo,
		"low_stock_threshold":            d.LowStockThreshold,
		"tx_retry_attempts":              d.TxRetryAttempts,
		"tx_retry_base_delay":            d.TxRetryBaseDelay,
		"pending_order_ttl":              d.PendingOrderTTL,
		"expiry_interval":                d.ExpiryInterval,
		"expiry_batch_size":              d.ExpiryBatchSize,
		"reconcile_interval":             d.ReconcileInterval,
		"fanout_queue_size":              d.FanoutQueueSize,
		"fanout_workers":                 d.FanoutWorkers,
		"sse_buffer":                     d.SSEBuffer,
		"sse_keepalive":                  d.SSEKeepAlive,
		"redis_addr":                     d.RedisAddr,
		"redis_password":                 d.RedisPassword,
		"redis_db":                       d.RedisDB,
		"redis_channel":                  d.RedisChannel,
		"kafka_brokers":                  d.KafkaBrokers,
		"kafka_topic":                    d.KafkaTopic,
		"kafka_dlq_topic":                d.KafkaDLQTopic,
		"sqs_queue_url":                  d.SQSQueueURL,
		"sqs_dlq_queue_url":              d.SQSDLQQueueURL,
		"aws_region":                     d.AWSRegion,
		"sqs_endpoint":                   d.SQSEndpoint,
		"outbox_poll_interval":           d.OutboxPollInterval,
		"outbox_batch_size":              d.OutboxBatchSize,
		"outbox_max_attempts":            d.OutboxMaxAttempts,
		"outbox_retry_delay":             d.OutboxRetryDelay,
		"outbox_stale_after":             d.OutboxStaleAfter,
		"idempotency_ttl":                d.IdempotencyTTL,
		"idempotency_cleanup_interval":   d.IdempotencyCleanupInterval,
		"idempotency_cleanup_batch_size": d.IdempotencyCleanupBatchSize,
		"idempotency_processing_lease":   d.IdempotencyProcessingLease,
		"webhook_secret":                 d.WebhookSecret,
		"log_level":                      d.LogLevel,
		"log_format":                     d.LogFormat,
	}
}

// Validate проверяет согласованность настроек до старта компонентов.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage"))
		}
	case StorageDriverMySQL:
		if strings.TrimSpace(c.MySQLDSN) == "" {
			errs = append(errs, errors.New("mysql_dsn is required for mysql storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.KafkaBrokers != "" && c.SQSQueueURL != "" {
		errs = append(errs, errors.New("kafka_brokers and sqs_queue_url are mutually exclusive"))
	}
	if c.DBMaxOpenConns <= 0 {
		errs = append(errs, errors.New("db_max_open_conns must be > 0"))
	}
	if c.LowStockThreshold < 0 {
		errs = append(errs, errors.New("low_stock_threshold must be >= 0"))
	}
	if c.TxRetryAttempts < 1 {
		errs = append(errs, errors.New("tx_retry_attempts must be >= 1"))
	}
	if c.PendingOrderTTL < 0 {
		errs = append(errs, errors.New("pending_order_ttl must be >= 0"))
	}
	if c.IdempotencyProcessingLease < 0 {
		errs = append(errs, errors.New("idempotency_processing_lease must be >= 0"))
	} else if c.IdempotencyProcessingLease > 0 && c.IdempotencyProcessingLease >= c.IdempotencyTTL {
		errs = append(errs, errors.New("idempotency_processing_lease must be shorter than idempotency_ttl"))
	}
	if c.FanoutQueueSize <= 0 || c.FanoutWorkers <= 0 {
		errs = append(errs, errors.New("fanout_queue_size and fanout_workers must be > 0"))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// kafkaBrokerList разбирает KafkaBrokers, пропуская пустые элементы.
func (c Config) kafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
