// Package config loads and validates gitcrawl configuration via Viper. Values
// come from defaults, an optional config file, GITCRAWL_* environment
// variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. GITCRAWL_GITHUB_TOKEN.
const EnvPrefix = "GITCRAWL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Store      StoreConfig      `mapstructure:"store"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlerConfig bounds and paces the traversal.
type CrawlerConfig struct {
	Type              string        `mapstructure:"type"`
	StartID           int64         `mapstructure:"start_id"`
	EndID             int64         `mapstructure:"end_id"`
	PerPage           int           `mapstructure:"per_page"`
	RelationPerPage   int           `mapstructure:"relation_per_page"`
	Relations         []string      `mapstructure:"relations"`
	ListingDelay      time.Duration `mapstructure:"listing_delay"`
	RelationDelay     time.Duration `mapstructure:"relation_delay"`
	DoneGrace         time.Duration `mapstructure:"done_grace"`
	RateLimitFallback time.Duration `mapstructure:"rate_limit_fallback"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
}

// GitHubConfig holds API endpoint and credentials.
type GitHubConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	// Kind is one of memory, kafka or pubsub.
	Kind   string       `mapstructure:"kind"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// KafkaConfig configures the kafka-go producer and consumer group.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	ClientID     string        `mapstructure:"client_id"`
	GroupID      string        `mapstructure:"group_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// PubSubConfig configures Google Cloud Pub/Sub.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	SubscriptionSuffix string `mapstructure:"subscription_suffix"`
	ReceiveBuffer      int    `mapstructure:"receive_buffer"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	// Kind is one of memory, postgres or mysql.
	Kind     string         `mapstructure:"kind"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MySQLConfig controls the gorm connection pool.
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SinkConfig tunes consumption and batching.
type SinkConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PullSize     int           `mapstructure:"pull_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DrainRounds  int           `mapstructure:"drain_rounds"`
}

// PublisherConfig tunes publish retries and shutdown draining.
type PublisherConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainAttempts int           `mapstructure:"drain_attempts"`
}

// DeadLetterConfig selects where undeliverable messages are written.
type DeadLetterConfig struct {
	// Kind is one of memory, local or gcs.
	Kind      string `mapstructure:"kind"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"type":          "crawler.type",
	"start-id":      "crawler.start_id",
	"end-id":        "crawler.end_id",
	"per-page":      "crawler.per_page",
	"relations":     "crawler.relations",
	"client-id":     "github.client_id",
	"client-secret": "github.client_secret",
	"token":         "github.token",
	"user-agent":    "github.user_agent",
	"broker":        "broker.kind",
	"store":         "store.kind",
	"debug":         "logging.development",
}

// Load builds a Config from defaults, the file at path (or config.yaml in
// the usual search paths when path is empty), the environment and flags.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gitcrawl/")
		v.AddConfigPath("$HOME/.gitcrawl")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := crawler.DefaultConfig()
	v.SetDefault("crawler.type", "")
	v.SetDefault("crawler.start_id", d.StartID)
	v.SetDefault("crawler.end_id", d.EndID)
	v.SetDefault("crawler.per_page", d.PerPage)
	v.SetDefault("crawler.relation_per_page", d.RelationPerPage)
	v.SetDefault("crawler.relations", []string{})
	v.SetDefault("crawler.listing_delay", d.ListingDelay)
	v.SetDefault("crawler.relation_delay", d.RelationDelay)
	v.SetDefault("crawler.done_grace", d.DoneGrace)
	v.SetDefault("crawler.rate_limit_fallback", d.RateLimitFallback)
	v.SetDefault("crawler.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("crawler.retry_base_delay", d.Retry.BaseDelay)
	v.SetDefault("crawler.retry_max_delay", d.Retry.MaxDelay)

	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.client_id", "")
	v.SetDefault("github.client_secret", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.user_agent", "")
	v.SetDefault("github.timeout", 30*time.Second)
	v.SetDefault("github.requests_per_second", 0)
	v.SetDefault("github.burst", 1)

	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.kafka.client_id", "gitcrawl")
	v.SetDefault("broker.kafka.group_id", "gitcrawl-sink")
	v.SetDefault("broker.kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("broker.kafka.max_wait", time.Second)
	v.SetDefault("broker.pubsub.project_id", "")
	v.SetDefault("broker.pubsub.subscription_suffix", "-sink")
	v.SetDefault("broker.pubsub.receive_buffer", 1000)

	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("store.mysql.dsn", "")
	v.SetDefault("store.mysql.max_open_conns", 4)
	v.SetDefault("store.mysql.max_idle_conns", 2)
	v.SetDefault("store.mysql.conn_max_lifetime", time.Hour)

	v.SetDefault("sink.batch_size", 100)
	v.SetDefault("sink.pull_size", 10)
	v.SetDefault("sink.poll_interval", time.Second)
	v.SetDefault("sink.drain_rounds", 50)

	v.SetDefault("publisher.max_attempts", 3)
	v.SetDefault("publisher.base_delay", 250*time.Millisecond)
	v.SetDefault("publisher.max_delay", 5*time.Second)
	v.SetDefault("publisher.drain_interval", time.Second)
	v.SetDefault("publisher.drain_attempts", 100)

	v.SetDefault("deadletter.kind", "memory")
	v.SetDefault("deadletter.prefix", "deadletters")
	v.SetDefault("deadletter.local_dir", "data/deadletters")
	v.SetDefault("deadletter.gcs_bucket", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawler.Type) == "" {
		return fmt.Errorf("crawler.type is required (user or repo)")
	}
	if _, err := crawler.ParseEntityType(c.Crawler.Type); err != nil {
		return fmt.Errorf("crawler.type: %w", err)
	}
	if c.Crawler.StartID < 0 || c.Crawler.EndID < c.Crawler.StartID {
		return fmt.Errorf("crawler bounds invalid: start_id=%d end_id=%d", c.Crawler.StartID, c.Crawler.EndID)
	}
	if c.Crawler.PerPage < 1 || c.Crawler.PerPage > crawler.MaxPerPage {
		return fmt.Errorf("crawler.per_page must be between 1 and %d", crawler.MaxPerPage)
	}
	scheduler, err := c.SchedulerConfig()
	if err != nil {
		return err
	}
	if err := scheduler.Validate(); err != nil {
		return fmt.Errorf("crawler: %w", err)
	}
	if c.GitHub.Token == "" && (c.GitHub.ClientID == "" || c.GitHub.ClientSecret == "") {
		return fmt.Errorf("github credentials required: client_id and client_secret, or token")
	}
	if strings.TrimSpace(c.GitHub.UserAgent) == "" {
		return fmt.Errorf("github.user_agent is required")
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.DeadLetter.validate(); err != nil {
		return err
	}
	if c.Sink.BatchSize <= 0 || c.Sink.PullSize <= 0 {
		return fmt.Errorf("sink.batch_size and sink.pull_size must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func (b BrokerConfig) validate() error {
	switch b.Kind {
	case "memory":
	case "kafka":
		if len(b.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required")
		}
	case "pubsub":
		if b.PubSub.ProjectID == "" {
			return fmt.Errorf("broker.pubsub.project_id is required")
		}
	default:
		return fmt.Errorf("broker.kind must be memory, kafka or pubsub, got %q", b.Kind)
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.Kind {
	case "memory":
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required")
		}
	case "mysql":
		if s.MySQL.DSN == "" {
			return fmt.Errorf("store.mysql.dsn is required")
		}
	default:
		return fmt.Errorf("store.kind must be memory, postgres or mysql, got %q", s.Kind)
	}
	return nil
}

func (d DeadLetterConfig) validate() error {
	switch d.Kind {
	case "memory":
	case "local":
		if d.LocalDir == "" {
			return fmt.Errorf("deadletter.local_dir is required")
		}
	case "gcs":
		if d.GCSBucket == "" {
			return fmt.Errorf("deadletter.gcs_bucket is required")
		}
	default:
		return fmt.Errorf("deadletter.kind must be memory, local or gcs, got %q", d.Kind)
	}
	return nil
}

// SchedulerConfig converts the crawler section into the scheduler's config.
func (c Config) SchedulerConfig() (crawler.Config, error) {
	entity, err := crawler.ParseEntityType(c.Crawler.Type)
	if err != nil {
		return crawler.Config{}, fmt.Errorf("crawler.type: %w", err)
	}
	relations, err := crawler.ParseRelations(entity, c.Crawler.Relations)
	if err != nil {
		return crawler.Config{}, fmt.Errorf("crawler.relations: %w", err)
	}
	out := crawler.DefaultConfig()
	out.Entity = entity
	out.StartID = c.Crawler.StartID
	out.EndID = c.Crawler.EndID
	out.PerPage = c.Crawler.PerPage
	out.RelationPerPage = c.Crawler.RelationPerPage
	out.Relations = relations
	out.ListingDelay = c.Crawler.ListingDelay
	out.RelationDelay = c.Crawler.RelationDelay
	out.DoneGrace = c.Crawler.DoneGrace
	out.RateLimitFallback = c.Crawler.RateLimitFallback
	out.Retry.MaxAttempts = c.Crawler.MaxAttempts
	out.Retry.BaseDelay = c.Crawler.RetryBaseDelay
	out.Retry.MaxDelay = c.Crawler.RetryMaxDelay
	return out, nil
}
