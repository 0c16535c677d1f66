package cli

import (
	"context"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/graphsync/internal/app"
	"github.com/prudhvinik1/graphsync/internal/services"
)

func newConsumeCommand(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Apply queued events to the graph store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !once {
					return a.Consumer.Run(ctx)
				}
				result, err := a.Consumer.ProcessBatch(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).print(result, func(tw *tabwriter.Writer) {
					printBatch(tw, result)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

func printBatch(tw *tabwriter.Writer, r services.BatchResult) {
	row(tw, "RECEIVED", "COMPLETED", "SKIPPED", "CONFLICTS", "DEFERRED", "RETRIED", "FAILED", "DUPLICATE", "DEAD", "UNACKED")
	row(tw, r.Received, r.Completed, r.Skipped, r.Conflicts, r.Deferred, r.Retried, r.Failed, r.Discarded, r.DeadLettered, r.Unacked)
}

func newRelayCommand(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish committed outbox events to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !once {
					return a.Relay.Run(ctx)
				}
				result, err := a.Relay.DispatchOnce(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).print(result, func(tw *tabwriter.Writer) {
					row(tw, "PUBLISHED", "FAILED", "STUCK", "SKIPPED")
					row(tw, result.Published, result.Failed, result.Stuck, result.Skipped)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "dispatch a single batch and exit")
	return cmd
}
