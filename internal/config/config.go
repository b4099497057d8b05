package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration tree, decoded from YAML by viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Payout   PayoutConfig   `mapstructure:"payout"`
	Rail     RailConfig     `mapstructure:"rail"`
	Business BusinessConfig `mapstructure:"business"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

type ServerConfig struct {
	Port   int   `mapstructure:"port"`
	NodeID int64 `mapstructure:"node_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the gorm dialect. Driver is one of postgres, mysql, sqlite.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PayoutNotification string `mapstructure:"payout_notification"`
	AdminAlert         string `mapstructure:"admin_alert"`
}

type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
}

type QueueConfig struct {
	WorkersPerQueue int           `mapstructure:"workers_per_queue"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// PayoutConfig drives the payout worker and the fee taken from each payout.
// The community and partner shares are carved out of the fee, in basis points
// of the fee.
type PayoutConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RailTimeout       time.Duration `mapstructure:"rail_timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	FeeBps            int64         `mapstructure:"fee_bps"`
	MinFee            int64         `mapstructure:"min_fee"`
	CommunityShareBps int64         `mapstructure:"community_share_bps"`
	PartnerShareBps   int64         `mapstructure:"partner_share_bps"`
}

// RailConfig configures the outbound payment rail. Mode "http" calls BaseURL,
// "simulated" settles everything locally.
type RailConfig struct {
	Mode    string        `mapstructure:"mode"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BusinessConfig struct {
	MaxRetryCount       int           `mapstructure:"max_retry_count"`
	RetentionDays       int           `mapstructure:"retention_days"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// AdminConfig guards operator endpoints. An empty Token disables them.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// Defaults returns a configuration usable without any file, matching config/config.yaml.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configPath (may be empty) on top of defaults and TONTINE_*
// environment overrides. A .env file in the working directory, if present,
// is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TONTINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the payout core cannot run safely with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if c.Payout.MaxAttempts <= 0 {
		return fmt.Errorf("payout.max_attempts must be positive")
	}
	if c.Payout.RailTimeout <= 0 {
		return fmt.Errorf("payout.rail_timeout must be positive")
	}
	if c.Queue.WorkersPerQueue <= 0 {
		return fmt.Errorf("queue.workers_per_queue must be positive")
	}
	// a claim must outlive the rail call, and a lease the whole job
	if c.Payout.StaleAfter <= c.Payout.RailTimeout {
		return fmt.Errorf("payout.stale_after (%s) must exceed payout.rail_timeout (%s)", c.Payout.StaleAfter, c.Payout.RailTimeout)
	}
	if c.Queue.JobTimeout <= c.Payout.RailTimeout {
		return fmt.Errorf("queue.job_timeout (%s) must exceed payout.rail_timeout (%s)", c.Queue.JobTimeout, c.Payout.RailTimeout)
	}
	if c.Queue.LeaseDuration <= c.Queue.JobTimeout {
		return fmt.Errorf("queue.lease_duration (%s) must exceed queue.job_timeout (%s)", c.Queue.LeaseDuration, c.Queue.JobTimeout)
	}
	if c.Payout.CommunityShareBps < 0 || c.Payout.PartnerShareBps < 0 ||
		c.Payout.CommunityShareBps+c.Payout.PartnerShareBps > 10000 {
		return fmt.Errorf("payout.community_share_bps and payout.partner_share_bps must be non-negative and sum to at most 10000")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.node_id", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=tontine password=tontine dbname=tontine port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic.payout_notification", "payout.notifications")
	v.SetDefault("kafka.topic.admin_alert", "admin.alerts")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Signature")

	v.SetDefault("queue.workers_per_queue", 4)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.job_timeout", 60*time.Second)
	v.SetDefault("queue.lease_duration", 2*time.Minute)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)

	v.SetDefault("payout.max_attempts", 5)
	v.SetDefault("payout.rail_timeout", 30*time.Second)
	v.SetDefault("payout.stale_after", 5*time.Minute)
	v.SetDefault("payout.fee_bps", 100)
	v.SetDefault("payout.min_fee", 1)
	v.SetDefault("payout.community_share_bps", 2000)
	v.SetDefault("payout.partner_share_bps", 3000)

	v.SetDefault("rail.mode", "simulated")
	v.SetDefault("rail.base_url", "")
	v.SetDefault("rail.api_key", "")
	v.SetDefault("rail.timeout", 30*time.Second)

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.retention_days", 90)
	v.SetDefault("business.maintenance_interval", 30*time.Second)

	v.SetDefault("admin.token", "")
}
