package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prudhvinik1/graphsync/internal/app"
	"github.com/prudhvinik1/graphsync/internal/models"
)

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline health: backlog, conflicts, consumers, last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Monitor.Stats(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).print(stats, func(tw *tabwriter.Writer) {
					row(tw, "PENDING", stats.Pending)
					row(tw, "STUCK PENDING", stats.StuckPending)
					row(tw, "FAILED", stats.Failed)
					row(tw, "UNSYNCED ENTITIES", stats.UnsyncedEntities)
					row(tw, "OPEN CONFLICTS", stats.OpenConflicts)
					row(tw, "AVG LATENCY", stats.AvgProcessingLatency)
					for status, n := range stats.EventsByStatus {
						row(tw, "EVENTS "+string(status), n)
					}
					if stats.LastRun != nil {
						row(tw, "LAST RUN", stats.LastRun.ID, stats.LastRun.Status, formatTime(stats.LastRun.CompletedAt))
					}
					row(tw, "")
					row(tw, "CONSUMER", "STATUS", "TRANSPORT", "PROCESSED", "LAST SEEN")
					for _, c := range stats.Consumers {
						row(tw, c.ConsumerID, c.Status, c.Transport, c.Processed, formatTime(&c.LastSeen))
					}
				})
			})
		},
	}
}

func newEventsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect outbox events and per-entity sync state",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List events in one status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := models.ParseEventStatus(status)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Monitor.ListEvents(ctx, s, limit)
				if err != nil {
					return err
				}
				return printEvents(opts.printer(cmd.OutOrStdout()), events)
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(models.StatusFailed), "event status")
	list.Flags().IntVar(&limit, "limit", 50, "maximum events to list")

	show := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				event, err := a.Monitor.Event(ctx, id)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).print(event, nil)
			})
		},
	}

	trace := &cobra.Command{
		Use:   "trace <correlation-id>",
		Short: "List every event sharing a correlation id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid correlation id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Monitor.Trace(ctx, id)
				if err != nil {
					return err
				}
				return printEvents(opts.printer(cmd.OutOrStdout()), events)
			})
		},
	}

	entity := &cobra.Command{
		Use:   "entity <entity-type> <entity-id>",
		Short: "Show the sync status of one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := models.NewEntityRef(models.EntityType(args[0]), args[1])
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				status, err := a.Monitor.EntityStatus(ctx, ref)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).print(status, nil)
			})
		},
	}

	cmd.AddCommand(list, show, trace, entity)
	return cmd
}

func printEvents(p *printer, events []*models.SyncEvent) error {
	return p.print(events, func(tw *tabwriter.Writer) {
		row(tw, "EVENT", "TYPE", "ENTITY", "VERSION", "STATUS", "RETRIES", "REPAIR", "CREATED", "ERROR")
		for _, e := range events {
			row(tw, e.EventID, e.EventType, e.Ref(), e.SourceVersion, e.Status,
				fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries), e.Repair, formatTime(&e.CreatedAt), orDash(e.LastError))
		}
	})
}
