package cli

import (
	"context"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/graphsync/internal/database"
	"github.com/prudhvinik1/graphsync/internal/services"
)

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the sync schema",
	}

	step := func(use, short string, run func(ctx context.Context, m *database.Migrator) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := opts.load()
				if err != nil {
					return err
				}
				defer log.Sync()

				ctx := cmd.Context()
				pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, log)
				if err != nil {
					return err
				}
				defer pool.Close()
				return run(ctx, database.NewMigrator(pool, log))
			},
		}
	}

	cmd.AddCommand(
		step("up", "Apply all pending migrations", func(ctx context.Context, m *database.Migrator) error {
			return m.Up(ctx)
		}),
		step("down", "Roll back the latest migration", func(ctx context.Context, m *database.Migrator) error {
			return m.Down(ctx)
		}),
		step("status", "Print applied and pending migrations", func(ctx context.Context, m *database.Migrator) error {
			return m.Status(ctx)
		}),
	)
	return cmd
}

type tokenOutput struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newTokenCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			auth := services.NewOperatorAuth(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
			token, expiresAt, err := auth.IssueToken(args[0])
			if err != nil {
				return err
			}
			out := tokenOutput{Token: token, Subject: args[0], ExpiresAt: expiresAt}
			return opts.printer(cmd.OutOrStdout()).print(out, func(tw *tabwriter.Writer) {
				row(tw, out.Token)
			})
		},
	}
}
