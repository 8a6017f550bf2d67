package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gitcrawl/internal/config"
	"github.com/JakeFAU/gitcrawl/internal/logging"
)

// newCrawlCmd creates the 'crawl' subcommand. Flags override the config
// file and environment.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls an id range of GitHub users or repositories",
		Long: `Lists GitHub users or repositories from --start-id, fetches the details of
every id up to --end-id and optionally pages through their relations
(--relations followers,starred or --relations all). Results are published
to the configured broker and stored by the sink.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}

	flags := cmd.Flags()
	flags.String("type", "", "entity to crawl: user or repo")
	flags.Int64("start-id", 0, "first id to list (the since cursor)")
	flags.Int64("end-id", 0, "inclusive upper id bound")
	flags.Int("per-page", 0, "listing page size, up to 100")
	flags.StringSlice("relations", nil, "relations to fetch per entity, or all")
	flags.String("client-id", "", "GitHub OAuth app client id")
	flags.String("client-secret", "", "GitHub OAuth app client secret")
	flags.String("token", "", "GitHub token, used instead of client credentials")
	flags.String("user-agent", "", "User-Agent header GitHub requires")
	flags.String("broker", "", "broker kind: memory, kafka or pubsub")
	flags.String("store", "", "store kind: memory, postgres or mysql")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	r, err := newRunner(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	logger.Info("gitcrawl starting", zap.String("run_id", r.RunID()))
	if err := r.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("gitcrawl finished", zap.String("run_id", r.RunID()))
	return nil
}
