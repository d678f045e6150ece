package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookingsync/internal/models"
	"bookingsync/internal/queue"

	"github.com/spf13/cobra"
)

func newStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				stats, err := e.queue.GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newJobCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id|booking-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				id := strings.TrimSpace(args[0])
				job, err := e.queue.GetJob(ctx, id)
				if errors.Is(err, queue.ErrJobNotFound) && !strings.HasPrefix(id, "booking:") {
					job, err = e.queue.GetJob(ctx, models.JobID(id))
				}
				if err != nil {
					return fmt.Errorf("job %s: %w", id, err)
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newRetryFailedCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Move every failed job back to waiting with a fresh attempt budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				n, err := e.queue.RetryFailedJobs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-queued %d failed jobs\n", n)
				return nil
			})
		},
	}
}

func newCleanupCmd(o *rootOptions) *cobra.Command {
	var (
		olderThan time.Duration
		status    string
	)
	c := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished jobs older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := cleanupStatuses(status)
			if err != nil {
				return err
			}
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				for _, st := range statuses {
					n, err := e.queue.Cleanup(ctx, olderThan, st)
					if err != nil {
						return fmt.Errorf("cleanup %s: %w", st, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d %s jobs\n", n, st)
				}
				return nil
			})
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only remove jobs finished before now minus this duration")
	c.Flags().StringVar(&status, "status", "all", "completed, failed or all")
	return c
}

func cleanupStatuses(raw string) ([]models.JobStatus, error) {
	if raw == "" || raw == "all" {
		return []models.JobStatus{models.JobCompleted, models.JobFailed}, nil
	}
	st, err := models.ParseJobStatus(raw)
	if err != nil || !st.Terminal() {
		return nil, fmt.Errorf("--status must be completed, failed or all, got %q", raw)
	}
	return []models.JobStatus{st}, nil
}
