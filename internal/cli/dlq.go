package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"bookingsync/internal/export"
	"bookingsync/internal/models"
	"bookingsync/internal/notify"

	"github.com/spf13/cobra"
)

const dlqPage = 200

func newDLQCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, export and purge dead-letter records",
	}
	cmd.AddCommand(newDLQListCmd(o))
	cmd.AddCommand(newDLQExportCmd(o))
	cmd.AddCommand(newDLQPurgeCmd(o))
	return cmd
}

func newDLQListCmd(o *rootOptions) *cobra.Command {
	var (
		offset, limit int64
		asJSON        bool
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				records, err := e.queue.DeadLetters(ctx, offset, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), records)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RECORD\tJOB\tATTEMPTS\tFAILED AT\tERROR")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						r.ID, r.OriginalJob.ID, r.Attempts, r.FailedAt.UTC().Format(time.RFC3339), truncate(r.Error, 80))
				}
				return w.Flush()
			})
		},
	}
	c.Flags().Int64Var(&offset, "offset", 0, "records to skip")
	c.Flags().Int64Var(&limit, "limit", 50, "records to show")
	c.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	return c
}

// allDeadLetters pages through the whole dead-letter list, up to max records
// when max is positive.
func allDeadLetters(ctx context.Context, e *env, max int64) ([]models.DeadLetterRecord, error) {
	var out []models.DeadLetterRecord
	for offset := int64(0); ; offset += dlqPage {
		page := int64(dlqPage)
		if max > 0 && max-offset < page {
			page = max - offset
		}
		if page <= 0 {
			return out, nil
		}
		records, err := e.queue.DeadLetters(ctx, offset, page)
		if err != nil {
			return out, err
		}
		out = append(out, records...)
		if int64(len(records)) < page {
			return out, nil
		}
	}
}

func newDLQExportCmd(o *rootOptions) *cobra.Command {
	var (
		dir      string
		max      int64
		telegram bool
	)
	c := &cobra.Command{
		Use:   "export",
		Short: "Write dead-letter records to an xlsx workbook, optionally posting it to the operator chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				records, err := allDeadLetters(ctx, e, max)
				if err != nil {
					return err
				}
				path := filepath.Join(dir, export.DefaultFileName(e.clock.Now()))
				if err := export.DeadLettersToXLSX(records, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d dead letters to %s\n", len(records), path)

				if !telegram {
					return nil
				}
				sender, err := e.telegram()
				if err != nil {
					return fmt.Errorf("telegram: %w", err)
				}
				notifier := notify.NewTelegramNotifier(sender, e.cfg.Notify.Telegram.ChatID, &e.logger)
				caption := fmt.Sprintf("Dead letters: %d records", len(records))
				if err := notifier.SendFile(path, caption); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent to telegram")
				return nil
			})
		},
	}
	c.Flags().StringVar(&dir, "dir", ".", "directory for the workbook")
	c.Flags().Int64Var(&max, "max", 0, "export at most this many records (0 = all)")
	c.Flags().BoolVar(&telegram, "telegram", false, "send the workbook to the configured telegram chat")
	return c
}

func newDLQPurgeCmd(o *rootOptions) *cobra.Command {
	var olderThan time.Duration
	c := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead-letter records older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				age := olderThan
				if age <= 0 {
					age = e.cfg.Queue.DeadLetterRetention
				}
				n, err := e.queue.CleanupDeadLetters(ctx, age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead letters older than %s\n", n, age)
				return nil
			})
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 0, "cutoff age (defaults to queue.dead_letter_retention)")
	return c
}
