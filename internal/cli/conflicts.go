package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/graphsync/internal/app"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/services"
)

func newConflictsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(
		newConflictsListCommand(opts),
		newConflictsShowCommand(opts),
		newConflictsResolveCommand(opts),
	)
	return cmd
}

func newConflictsListCommand(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, open ones by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter models.ResolutionStatus
			if status != "" {
				var err error
				if filter, err = models.ParseResolutionStatus(status); err != nil {
					return err
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				conflicts, err := a.Monitor.Conflicts(ctx, filter, limit)
				if err != nil {
					return err
				}
				return printConflicts(opts.printer(cmd.OutOrStdout()), conflicts, conflicts)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "DETECTED, MANUAL_REVIEW, RESOLVED or IGNORED")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conflicts to list")
	return cmd
}

func newConflictsShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-type> <entity-id>",
		Short: "Show the open conflict for an entity with its field differences",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := models.NewEntityRef(models.EntityType(args[0]), args[1])
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				conflict, err := a.Resolver.GetConflict(ctx, ref)
				if err != nil {
					return err
				}
				if conflict == nil {
					return fmt.Errorf("%w: %s", services.ErrNoOpenConflict, ref)
				}
				return opts.printer(cmd.OutOrStdout()).print(conflict, func(tw *tabwriter.Writer) {
					row(tw, "ENTITY", ref)
					row(tw, "STATUS", conflict.ResolutionStatus)
					row(tw, "SOURCE VERSION", conflict.SourceVersion)
					row(tw, "TARGET VERSION", conflict.TargetVersion)
					row(tw, "DETECTED", formatTime(&conflict.DetectedAt), conflict.DetectedBy)
					row(tw, "")
					row(tw, "FIELD", "SOURCE", "TARGET")
					for _, d := range conflict.DifferenceSummary {
						row(tw, d.Field, compact(d.SourceValue), compact(d.TargetValue))
					}
				})
			})
		},
	}
}

func newConflictsResolveCommand(opts *options) *cobra.Command {
	var (
		method string
		notes  string
		by     string
	)
	cmd := &cobra.Command{
		Use:   "resolve <entity-type> <entity-id>",
		Short: "Resolve the open conflict for an entity",
		Example: `  syncctl conflicts resolve concept c-1 --method SOURCE_WINS
  syncctl conflicts resolve concept c-1 --method MANUAL_REVIEW --notes "ask content team"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := models.ParseResolutionMethod(method)
			if err != nil {
				return err
			}
			if by == "" {
				by = operatorName()
			}
			ref := models.NewEntityRef(models.EntityType(args[0]), args[1])
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				conflict, err := a.Resolver.ResolveConflict(ctx, ref, m, by, notes)
				if err != nil {
					return err
				}
				return printConflicts(opts.printer(cmd.OutOrStdout()), conflict, []*models.SyncConflict{conflict})
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "LAST_WRITE_WINS, SOURCE_WINS, TARGET_WINS, MERGE, MANUAL_REVIEW or IGNORE")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	cmd.Flags().StringVar(&by, "by", "", "operator name recorded on the conflict (default $USER)")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func printConflicts(p *printer, v any, conflicts []*models.SyncConflict) error {
	return p.print(v, func(tw *tabwriter.Writer) {
		row(tw, "ENTITY", "STATUS", "SOURCE", "TARGET", "FIELDS", "DETECTED BY", "DETECTED", "RESOLVED BY")
		for _, c := range conflicts {
			row(tw, c.Ref(), c.ResolutionStatus, c.SourceVersion, c.TargetVersion,
				len(c.DifferenceSummary), c.DetectedBy, formatTime(&c.DetectedAt), orDash(c.ResolvedBy))
		}
	})
}

func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return "syncctl:" + u
	}
	return "syncctl"
}

func compact(v any) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}
