// Package config loads the gosubsd service configuration.
//
// Sources, lowest precedence first: built-in defaults, a YAML file, then GOSUBS_* environment
// variables. A .env file is loaded into the environment before anything else, without
// overriding variables that are already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: server.addr is read from GOSUBS_SERVER_ADDR.
const EnvPrefix = "GOSUBS"

const redacted = "<redacted>"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore" yaml:"firestore"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Stripe    StripeConfig    `mapstructure:"stripe" yaml:"stripe"`
	AppStore  AppStoreConfig  `mapstructure:"appstore" yaml:"appstore"`
	AMQP      AMQPConfig      `mapstructure:"amqp" yaml:"amqp"`
	Schedule  ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
	// UserIDHeader carries the authenticated user id set by the fronting gateway.
	UserIDHeader string `mapstructure:"user_id_header" yaml:"user_id_header" validate:"required"`
	// WebhookRateLimit is the per-IP request budget per minute on webhook endpoints.
	WebhookRateLimit int `mapstructure:"webhook_rate_limit" yaml:"webhook_rate_limit" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" validate:"oneof=memory postgres"`
	PostgresDSN     string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
	EventRetention  time.Duration `mapstructure:"event_retention" yaml:"event_retention" validate:"gte=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval" validate:"gte=0"`
}

// RedisConfig enables the Redis receipt retry queue and status cache when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	StatusTTL time.Duration `mapstructure:"status_ttl" yaml:"status_ttl" validate:"gte=0"`
	// LocalTTL puts a per-process status cache with this TTL in front of Redis. Zero disables it.
	LocalTTL time.Duration `mapstructure:"local_ttl" yaml:"local_ttl" validate:"gte=0"`
}

// FirestoreConfig enables identity purge through Firestore when ProjectID is set.
type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	UsersCollection string `mapstructure:"users_collection" yaml:"users_collection"`
}

type EngineConfig struct {
	PaymentGrace         time.Duration `mapstructure:"payment_grace" yaml:"payment_grace" validate:"gte=0"`
	DeletionGrace        time.Duration `mapstructure:"deletion_grace" yaml:"deletion_grace" validate:"gte=0"`
	PaymentGraceWarning  time.Duration `mapstructure:"payment_grace_warning" yaml:"payment_grace_warning"`
	DeletionGraceWarning time.Duration `mapstructure:"deletion_grace_warning" yaml:"deletion_grace_warning"`
	ProcessingLease      time.Duration `mapstructure:"processing_lease" yaml:"processing_lease" validate:"gte=0"`
	RetryAttempts        int           `mapstructure:"retry_attempts" yaml:"retry_attempts" validate:"gte=0,lte=10"`
	Workers              int           `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
	QueueSize            int           `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=0"`
	// ReconcileConcurrency bounds concurrent provider fetches in a reconciliation pass.
	ReconcileConcurrency int `mapstructure:"reconcile_concurrency" yaml:"reconcile_concurrency" validate:"gte=0"`
}

// StripeConfig enables the card gateway rail when APIKey is set.
type StripeConfig struct {
	APIKey        string `mapstructure:"api_key" yaml:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret" validate:"required_with=APIKey"`
}

// AppStoreConfig enables the mobile in-app purchase rail when BundleID is set.
type AppStoreConfig struct {
	BundleID      string   `mapstructure:"bundle_id" yaml:"bundle_id"`
	RootCertFiles []string `mapstructure:"root_cert_files" yaml:"root_cert_files,omitempty" validate:"required_with=BundleID"`
	SharedSecret  string   `mapstructure:"shared_secret" yaml:"shared_secret"`
	// IssuerID, KeyID and PrivateKeyFile authorize App Store Server API status lookups.
	IssuerID       string `mapstructure:"issuer_id" yaml:"issuer_id"`
	KeyID          string `mapstructure:"key_id" yaml:"key_id" validate:"required_with=IssuerID"`
	PrivateKeyFile string `mapstructure:"private_key_file" yaml:"private_key_file" validate:"required_with=IssuerID"`
}

// AMQPConfig enables RabbitMQ notice publishing when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

// ScheduleConfig holds cron specs for the in-process jobs under `gosubsd serve`.
// An empty spec disables that job.
type ScheduleConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Reconcile     string `mapstructure:"reconcile" yaml:"reconcile"`
	GraceSweep    string `mapstructure:"grace_sweep" yaml:"grace_sweep"`
	DeletionSweep string `mapstructure:"deletion_sweep" yaml:"deletion_sweep"`
	ReceiptRetry  string `mapstructure:"receipt_retry" yaml:"receipt_retry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     30 * time.Second,
			ShutdownTimeout:  20 * time.Second,
			UserIDHeader:     "X-User-ID",
			WebhookRateLimit: 600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver:          "memory",
			MaxConns:        10,
			EventRetention:  90 * 24 * time.Hour,
			CleanupInterval: 6 * time.Hour,
		},
		Redis: RedisConfig{
			KeyPrefix: "gosubs:",
			StatusTTL: 5 * time.Minute,
			LocalTTL:  10 * time.Second,
		},
		Firestore: FirestoreConfig{
			UsersCollection: "users",
		},
		Engine: EngineConfig{
			PaymentGrace:         7 * 24 * time.Hour,
			DeletionGrace:        30 * 24 * time.Hour,
			PaymentGraceWarning:  2 * 24 * time.Hour,
			DeletionGraceWarning: 7 * 24 * time.Hour,
			ProcessingLease:      10 * time.Minute,
			RetryAttempts:        4,
			Workers:              4,
			QueueSize:            256,
			ReconcileConcurrency: 4,
		},
		AMQP: AMQPConfig{
			Exchange: "gosubs.notices",
		},
		Schedule: ScheduleConfig{
			Enabled:       true,
			Reconcile:     "0 */6 * * *",
			GraceSweep:    "*/15 * * * *",
			DeletionSweep: "0 3 * * *",
			ReceiptRetry:  "* * * * *",
		},
	}
}

// Load reads the configuration. file may be empty to use defaults and environment only.
// envFiles default to ".env"; a missing env file is not an error.
func Load(file string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and returns every violation in one error.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Redacted returns a copy with secrets masked, for printing.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Storage.PostgresDSN)
	mask(&out.Redis.Password)
	mask(&out.Stripe.APIKey)
	mask(&out.Stripe.WebhookSecret)
	mask(&out.AppStore.SharedSecret)
	mask(&out.AMQP.URL)
	out.AppStore.RootCertFiles = append([]string(nil), c.AppStore.RootCertFiles...)
	return &out
}

// setDefaults registers every key so AutomaticEnv can override keys absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]interface{}{
		"server.addr":               d.Server.Addr,
		"server.read_timeout":       d.Server.ReadTimeout,
		"server.write_timeout":      d.Server.WriteTimeout,
		"server.shutdown_timeout":   d.Server.ShutdownTimeout,
		"server.user_id_header":     d.Server.UserIDHeader,
		"server.webhook_rate_limit": d.Server.WebhookRateLimit,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"storage.driver":           d.Storage.Driver,
		"storage.postgres_dsn":     d.Storage.PostgresDSN,
		"storage.max_conns":        d.Storage.MaxConns,
		"storage.auto_migrate":     d.Storage.AutoMigrate,
		"storage.event_retention":  d.Storage.EventRetention,
		"storage.cleanup_interval": d.Storage.CleanupInterval,

		"redis.addr":       d.Redis.Addr,
		"redis.password":   d.Redis.Password,
		"redis.db":         d.Redis.DB,
		"redis.key_prefix": d.Redis.KeyPrefix,
		"redis.status_ttl": d.Redis.StatusTTL,
		"redis.local_ttl":  d.Redis.LocalTTL,

		"firestore.project_id":       d.Firestore.ProjectID,
		"firestore.users_collection": d.Firestore.UsersCollection,

		"engine.payment_grace":          d.Engine.PaymentGrace,
		"engine.deletion_grace":         d.Engine.DeletionGrace,
		"engine.payment_grace_warning":  d.Engine.PaymentGraceWarning,
		"engine.deletion_grace_warning": d.Engine.DeletionGraceWarning,
		"engine.processing_lease":       d.Engine.ProcessingLease,
		"engine.retry_attempts":         d.Engine.RetryAttempts,
		"engine.workers":                d.Engine.Workers,
		"engine.queue_size":             d.Engine.QueueSize,
		"engine.reconcile_concurrency":  d.Engine.ReconcileConcurrency,

		"stripe.api_key":        d.Stripe.APIKey,
		"stripe.webhook_secret": d.Stripe.WebhookSecret,

		"appstore.bundle_id":        d.AppStore.BundleID,
		"appstore.root_cert_files":  d.AppStore.RootCertFiles,
		"appstore.shared_secret":    d.AppStore.SharedSecret,
		"appstore.issuer_id":        d.AppStore.IssuerID,
		"appstore.key_id":           d.AppStore.KeyID,
		"appstore.private_key_file": d.AppStore.PrivateKeyFile,

		"amqp.url":      d.AMQP.URL,
		"amqp.exchange": d.AMQP.Exchange,

		"schedule.enabled":        d.Schedule.Enabled,
		"schedule.reconcile":      d.Schedule.Reconcile,
		"schedule.grace_sweep":    d.Schedule.GraceSweep,
		"schedule.deletion_sweep": d.Schedule.DeletionSweep,
		"schedule.receipt_retry":  d.Schedule.ReceiptRetry,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
