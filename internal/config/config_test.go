package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
crawler:
  type: repo
  start_id: 100
  end_id: 900
  per_page: 50
  relations: [forks, stargazers]
  listing_delay: 5s
github:
  token: ghp_x
  user_agent: gitcrawl-test
  requests_per_second: 2.5
broker:
  kind: kafka
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    group_id: sinks
store:
  kind: postgres
  postgres:
    dsn: postgres://localhost/gitcrawl
sink:
  batch_size: 25
deadletter:
  kind: local
  local_dir: /tmp/letters
server:
  port: 9090
logging:
  development: true
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	require.Equal(t, "repo", cfg.Crawler.Type)
	require.EqualValues(t, 100, cfg.Crawler.StartID)
	require.EqualValues(t, 900, cfg.Crawler.EndID)
	require.Equal(t, 50, cfg.Crawler.PerPage)
	require.Equal(t, []string{"forks", "stargazers"}, cfg.Crawler.Relations)
	require.Equal(t, 5*time.Second, cfg.Crawler.ListingDelay)
	require.Equal(t, 60*time.Second, cfg.Crawler.RelationDelay)
	require.Equal(t, "ghp_x", cfg.GitHub.Token)
	require.InDelta(t, 2.5, cfg.GitHub.RequestsPerSecond, 0.0001)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Kafka.Brokers)
	require.Equal(t, "sinks", cfg.Broker.Kafka.GroupID)
	require.Equal(t, "postgres", cfg.Store.Kind)
	require.Equal(t, 25, cfg.Sink.BatchSize)
	require.Equal(t, 10, cfg.Sink.PullSize)
	require.Equal(t, "/tmp/letters", cfg.DeadLetter.LocalDir)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Logging.Development)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
crawler:
  type: repo
github:
  client_id: file-id
  client_secret: file-secret
  user_agent: from-file
`)
	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.String("type", "", "")
	flags.Int64("start-id", 0, "")
	flags.Int64("end-id", 0, "")
	flags.String("user-agent", "", "")
	flags.Bool("debug", false, "")
	require.NoError(t, flags.Parse([]string{"--type=user", "--end-id=42", "--user-agent=from-flag", "--debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, "user", cfg.Crawler.Type)
	require.EqualValues(t, 42, cfg.Crawler.EndID)
	require.EqualValues(t, 0, cfg.Crawler.StartID)
	require.Equal(t, "from-flag", cfg.GitHub.UserAgent)
	require.Equal(t, "file-id", cfg.GitHub.ClientID)
	require.True(t, cfg.Logging.Development)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("GITCRAWL_CRAWLER_TYPE", "user")
	t.Setenv("GITCRAWL_GITHUB_CLIENT_ID", "env-id")
	t.Setenv("GITCRAWL_GITHUB_CLIENT_SECRET", "env-secret")
	t.Setenv("GITCRAWL_GITHUB_USER_AGENT", "env-agent")
	t.Setenv("GITCRAWL_SINK_POLL_INTERVAL", "250ms")

	cfg, err := Load(writeConfig(t, "{}"), nil)
	require.NoError(t, err)
	require.Equal(t, "env-id", cfg.GitHub.ClientID)
	require.Equal(t, "env-agent", cfg.GitHub.UserAgent)
	require.Equal(t, 250*time.Millisecond, cfg.Sink.PollInterval)
	require.Equal(t, "memory", cfg.Broker.Kind)
	require.EqualValues(t, 5000, cfg.Crawler.EndID)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func validConfig() Config {
	return Config{
		Crawler: CrawlerConfig{
			Type:    "user",
			EndID:   10,
			PerPage: 100,
		},
		GitHub:     GitHubConfig{ClientID: "id", ClientSecret: "secret", UserAgent: "ua"},
		Broker:     BrokerConfig{Kind: "memory"},
		Store:      StoreConfig{Kind: "memory"},
		DeadLetter: DeadLetterConfig{Kind: "memory"},
		Sink:       SinkConfig{BatchSize: 100, PullSize: 10},
		Server:     ServerConfig{Enabled: true, Port: 8080},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "token only", mutate: func(c *Config) { c.GitHub = GitHubConfig{Token: "t", UserAgent: "ua"} }},
		{name: "missing type", mutate: func(c *Config) { c.Crawler.Type = "" }, wantErr: "crawler.type is required"},
		{name: "unknown type", mutate: func(c *Config) { c.Crawler.Type = "org" }, wantErr: "crawler.type"},
		{name: "inverted bounds", mutate: func(c *Config) { c.Crawler.StartID = 20 }, wantErr: "bounds"},
		{name: "per page too large", mutate: func(c *Config) { c.Crawler.PerPage = 101 }, wantErr: "per_page"},
		{name: "missing secret", mutate: func(c *Config) { c.GitHub.ClientSecret = "" }, wantErr: "credentials"},
		{name: "missing user agent", mutate: func(c *Config) { c.GitHub.UserAgent = " " }, wantErr: "user_agent"},
		{name: "foreign relation", mutate: func(c *Config) { c.Crawler.Relations = []string{"forks"} }, wantErr: "forks"},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Kind = "nats" }, wantErr: "broker.kind"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Broker.Kind = "kafka" }, wantErr: "brokers"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Broker.Kind = "pubsub" }, wantErr: "project_id"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Kind = "postgres" }, wantErr: "postgres.dsn"},
		{name: "mysql without dsn", mutate: func(c *Config) { c.Store.Kind = "mysql" }, wantErr: "mysql.dsn"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.DeadLetter.Kind = "gcs" }, wantErr: "gcs_bucket"},
		{name: "zero batch", mutate: func(c *Config) { c.Sink.BatchSize = 0 }, wantErr: "batch_size"},
		{name: "server without port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.wantErr), err.Error())
		})
	}
}

func TestSchedulerConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Crawler.Relations = []string{"all"}
	cfg.Crawler.ListingDelay = time.Second
	cfg.Crawler.MaxAttempts = 5

	sc, err := cfg.SchedulerConfig()
	require.NoError(t, err)
	require.Equal(t, crawler.EntityUser, sc.Entity)
	require.EqualValues(t, 10, sc.EndID)
	require.Equal(t, time.Second, sc.ListingDelay)
	require.Equal(t, 5, sc.Retry.MaxAttempts)
	require.Contains(t, sc.Relations, crawler.RelationFollowers)
	require.NotContains(t, sc.Relations, crawler.RelationForks)
}
