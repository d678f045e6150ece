package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"bookingsync/internal/database"
	"bookingsync/internal/upstream"
	"bookingsync/internal/worker"

	"github.com/spf13/cobra"
)

func newBookingCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "booking",
		Aliases: []string{"bookings"},
		Short:   "Inspect the booking mirror and trigger syncs",
	}
	cmd.AddCommand(newBookingShowCmd(o))
	cmd.AddCommand(newBookingListCmd(o))
	cmd.AddCommand(newBookingUpstreamCmd(o))
	cmd.AddCommand(newBookingResyncCmd(o))
	cmd.AddCommand(newBookingSyncCmd(o))
	cmd.AddCommand(newBookingCancelCmd(o))
	cmd.AddCommand(newBookingBackfillCmd(o))
	return cmd
}

func newBookingShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <booking-id>",
		Short: "Print the mirrored booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				b, err := e.bookings.GetBookingByExternalID(ctx, args[0])
				if errors.Is(err, database.ErrBookingNotFound) {
					return fmt.Errorf("booking %s is not in the mirror", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
}

func newBookingListCmd(o *rootOptions) *cobra.Command {
	var (
		syncStatus    string
		limit, offset int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List mirrored bookings, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				rows, err := e.bookings.ListBookings(ctx, syncStatus, limit, offset)
				if err != nil {
					return err
				}
				total, err := e.bookings.CountBookings(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "BOOKING\tSTATUS\tSYNC\tGUEST\tARRIVAL\tDEPARTURE")
				for _, b := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						b.BookingID, b.Status, b.SyncStatus, truncate(b.GuestName, 30), b.ArrivalDate, b.DepartureDate)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d bookings\n", len(rows), total)
				return nil
			})
		},
	}
	c.Flags().StringVar(&syncStatus, "sync-status", "", "filter by sync status")
	c.Flags().IntVar(&limit, "limit", 20, "rows to show")
	c.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return c
}

func newBookingUpstreamCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upstream <booking-id>",
		Short: "Fetch the booking directly from the upstream platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				remote, err := e.upstream.GetBooking(ctx, args[0])
				if err != nil {
					return err
				}
				if len(remote.Raw) > 0 {
					return printJSON(cmd.OutOrStdout(), remote.Raw)
				}
				return printJSON(cmd.OutOrStdout(), remote)
			})
		},
	}
}

func newBookingResyncCmd(o *rootOptions) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "resync <booking-id>",
		Short: "Queue a full sync of one booking for the running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				job, created, err := e.pipeline.ResyncBooking(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", job.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already %s\n", job.ID, job.Status)
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the job")
	return c
}

func newBookingSyncCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <booking-id>",
		Short: "Sync one booking now, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				w := worker.NewSyncWorker(e.upstream, e.bookings, worker.Options{
					LocalRetries: e.cfg.Worker.LocalRetries,
					LocalBackoff: e.cfg.Worker.LocalBackoff,
					Clock:        e.clock,
					Logger:       &e.logger,
				})
				outcome, err := w.SyncBooking(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
				return nil
			})
		},
	}
}

func newBookingCancelCmd(o *rootOptions) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "cancel <booking-id>",
		Short: "Cancel the booking upstream and queue a resync of the mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				id := args[0]
				if err := e.upstream.CancelBooking(ctx, id, reason); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
				job, _, err := e.pipeline.ResyncBooking(ctx, id, "cancel: "+reason)
				if err != nil {
					return fmt.Errorf("cancelled upstream but resync failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s, resync %s\n", id, job.ID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation note sent upstream")
	return c
}

func newBookingBackfillCmd(o *rootOptions) *cobra.Command {
	var (
		modifiedSince string
		arrivalFrom   string
		arrivalTo     string
		maxPages      int
	)
	c := &cobra.Command{
		Use:   "backfill",
		Short: "Queue a resync for every upstream booking matching the filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modifiedSince == "" && arrivalFrom == "" && arrivalTo == "" {
				return errors.New("set at least one of --modified-since, --arrival-from, --arrival-to")
			}
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				var queued, seen int
				filter := upstream.BookingFilter{
					ModifiedSince: modifiedSince,
					ArrivalFrom:   arrivalFrom,
					ArrivalTo:     arrivalTo,
				}
				for page := 1; maxPages <= 0 || page <= maxPages; page++ {
					filter.Page = page
					rows, more, err := e.upstream.ListBookings(ctx, filter)
					if err != nil {
						return fmt.Errorf("list page %d: %w", page, err)
					}
					for i := range rows {
						id := rows[i].ExternalID()
						if id == "" {
							continue
						}
						seen++
						_, created, err := e.pipeline.ResyncBooking(ctx, id, "backfill")
						if err != nil {
							return err
						}
						if created {
							queued++
						}
					}
					if !more {
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d of %d bookings\n", queued, seen)
				return nil
			})
		},
	}
	c.Flags().StringVar(&modifiedSince, "modified-since", "", "upstream modifiedFrom filter (YYYY-MM-DD or RFC3339)")
	c.Flags().StringVar(&arrivalFrom, "arrival-from", "", "arrival date lower bound (YYYY-MM-DD)")
	c.Flags().StringVar(&arrivalTo, "arrival-to", "", "arrival date upper bound (YYYY-MM-DD)")
	c.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages (0 = all)")
	return c
}
