package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prudhvinik1/graphsync/internal/app"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/services"
)

func newReconcileCommand(opts *options) *cobra.Command {
	var (
		entityTypes []string
		entityIDs   []string
		batchSize   int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare source and graph and emit repairs",
		Long: `Walk the selected entities, repair drift between Postgres and the graph
store and resolve pending conflicts. Only one run may be active at a time.`,
		Example: `  syncctl reconcile
  syncctl reconcile --entity-types concept --entity-ids c-1,c-2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reconcileOpts := services.ReconcileOptions{EntityIDs: entityIDs, BatchSize: batchSize}
			for _, t := range entityTypes {
				reconcileOpts.EntityTypes = append(reconcileOpts.EntityTypes, models.EntityType(t))
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				run, err := a.Reconciler.RunFullReconciliation(ctx, reconcileOpts)
				if run != nil {
					if perr := printRuns(opts.printer(cmd.OutOrStdout()), run, []*models.ReconciliationRun{run}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&entityTypes, "entity-types", nil, "entity types to check (default all)")
	cmd.Flags().StringSliceVar(&entityIDs, "entity-ids", nil, "check only these ids")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "entities per batch (default RECONCILE_BATCH_SIZE)")
	return cmd
}

func newRunsCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List reconciliation runs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				p := opts.printer(cmd.OutOrStdout())
				if len(args) == 1 {
					id, err := uuid.Parse(args[0])
					if err != nil {
						return fmt.Errorf("invalid run id %q", args[0])
					}
					run, err := a.Monitor.Run(ctx, id)
					if err != nil {
						return err
					}
					return printRuns(p, run, []*models.ReconciliationRun{run})
				}
				runs, err := a.Monitor.Runs(ctx, limit)
				if err != nil {
					return err
				}
				return printRuns(p, runs, runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func printRuns(p *printer, v any, runs []*models.ReconciliationRun) error {
	return p.print(v, func(tw *tabwriter.Writer) {
		row(tw, "ID", "STATUS", "STARTED", "DURATION", "CHECKED", "INCONSISTENT", "REPAIRS", "CONFLICTS", "RESOLVED", "ESCALATED", "ERROR")
		for _, r := range runs {
			row(tw, r.ID, r.Status, formatTime(&r.StartedAt), r.Duration().Round(time.Millisecond),
				r.EntitiesChecked, r.InconsistenciesFound, r.RepairsEmitted,
				r.ConflictsFound, r.ConflictsResolved, r.ConflictsEscalated, orDash(r.Error))
		}
	})
}
