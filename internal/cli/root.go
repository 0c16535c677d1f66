// Package cli implements syncctl, the operator command line for the sync engine.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prudhvinik1/graphsync/internal/app"
	"github.com/prudhvinik1/graphsync/internal/config"
	"github.com/prudhvinik1/graphsync/internal/logger"
)

type options struct {
	envFile  string
	output   string
	logLevel string
}

// NewRootCommand builds a fresh syncctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the Postgres to graph sync engine",
		Long: `syncctl runs and inspects the outbox sync pipeline between Postgres and
the graph store: relay and consumer loops, reconciliation runs, conflict
resolution and schema migrations.

Configuration comes from the environment, optionally loaded from --env-file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != outputTable && opts.output != outputJSON {
				return fmt.Errorf("unknown output format %q", opts.output)
			}
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil {
					return fmt.Errorf("failed to load %s: %w", opts.envFile, err)
				}
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading configuration")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "output format (table, json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newConsumeCommand(opts),
		newRelayCommand(opts),
		newReconcileCommand(opts),
		newStatsCommand(opts),
		newConflictsCommand(opts),
		newRunsCommand(opts),
		newEventsCommand(opts),
		newMigrateCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	log, err := logger.New(cfg.Environment, level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withApp connects to every backing service, runs fn and tears down.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to close cleanly", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func (o *options) printer(w io.Writer) *printer {
	return &printer{w: w, format: o.output}
}
