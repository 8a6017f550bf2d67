package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gitcrawl/internal/config"
)

type fakeRunner struct {
	cfg    config.Config
	ran    bool
	runErr error
}

func (f *fakeRunner) RunID() string { return "run-1" }

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

// useFakeRunner swaps the application factory for the duration of the test.
func useFakeRunner(t *testing.T, fake *fakeRunner) {
	t.Helper()
	original := newRunner
	newRunner = func(_ context.Context, cfg config.Config, _ *zap.Logger) (runner, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newRunner = original })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&discard{})
	root.SetErr(&discard{})
	return root.ExecuteContext(context.Background())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestCrawlFlagsOverrideConfigFile(t *testing.T) {
	fake := &fakeRunner{}
	useFakeRunner(t, fake)
	path := writeConfig(t, `
crawler:
  type: repo
  end_id: 50
github:
  token: file-token
  user_agent: file-agent
server:
  enabled: false
`)

	err := execute("crawl", "--config", path, "--type", "user", "--start-id", "10", "--end-id", "20",
		"--relations", "followers,starred", "--user-agent", "flag-agent")
	require.NoError(t, err)
	require.True(t, fake.ran)

	require.Equal(t, "user", fake.cfg.Crawler.Type)
	require.EqualValues(t, 10, fake.cfg.Crawler.StartID)
	require.EqualValues(t, 20, fake.cfg.Crawler.EndID)
	require.Equal(t, []string{"followers", "starred"}, fake.cfg.Crawler.Relations)
	require.Equal(t, "file-token", fake.cfg.GitHub.Token)
	require.Equal(t, "flag-agent", fake.cfg.GitHub.UserAgent)
	require.Equal(t, "memory", fake.cfg.Broker.Kind)
}

func TestCrawlRejectsInvalidConfig(t *testing.T) {
	fake := &fakeRunner{}
	useFakeRunner(t, fake)
	path := writeConfig(t, "github:\n  token: t\n  user_agent: ua\n")

	err := execute("crawl", "--config", path)
	require.ErrorContains(t, err, "crawler.type is required")
	require.False(t, fake.ran)
}

func TestCrawlReturnsRunError(t *testing.T) {
	fake := &fakeRunner{runErr: errors.New("broker down")}
	useFakeRunner(t, fake)
	path := writeConfig(t, "github:\n  token: t\n  user_agent: ua\n")

	err := execute("crawl", "--config", path, "--type", "repo", "--end-id", "5")
	require.ErrorContains(t, err, "broker down")
	require.True(t, fake.ran)
}

func TestCrawlRejectsArguments(t *testing.T) {
	useFakeRunner(t, &fakeRunner{})
	require.Error(t, execute("crawl", "unexpected"))
}

func TestCrawlEndIDIsInclusive(t *testing.T) {
	t.Parallel()

	crawl := newCrawlCmd()
	flag := crawl.Flags().Lookup("end-id")
	require.NotNil(t, flag)
	require.Contains(t, flag.Usage, "inclusive")
	require.Contains(t, crawl.Long, "every id up to --end-id")
}
