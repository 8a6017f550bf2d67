package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gitcrawl/internal/app"
	"github.com/JakeFAU/gitcrawl/internal/config"
)

var cfgFile string

// runner is the part of *app.App the commands drive.
type runner interface {
	RunID() string
	Run(ctx context.Context) error
}

// newRunner is the application factory. Tests replace it with a fake.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, error) {
	return app.New(ctx, cfg, logger, app.Deps{})
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gitcrawl",
		Short: "Crawls GitHub users and repositories into a document store.",
		Long: `gitcrawl walks the GitHub REST API by id range, publishes every user or
repository it finds to a message broker and writes them in batches to a
document store. It honours GitHub's rate limits and survives restarts by
upserting on id.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "enable development logging")

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gitcrawl:", err)
		os.Exit(1)
	}
}
