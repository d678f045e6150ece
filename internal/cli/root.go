// Package cli implements syncctl, the operator command line for the sync
// service.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"bookingsync/internal/app"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
)

type rootOptions struct {
	configPath string
	open       envOpener
}

// withEnv opens the environment for one command and closes it afterwards.
func (o *rootOptions) withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	e, err := o.open(ctx, app.ConfigPath(o.configPath))
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(openEnv)
}

func newRootCmd(open envOpener) *cobra.Command {
	o := &rootOptions{open: open}
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the booking sync service: queue, dead letters, credentials and bookings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "path to config.yaml (defaults to $CONFIG_PATH or configs/config.yaml)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newStatsCmd(o))
	root.AddCommand(newJobCmd(o))
	root.AddCommand(newRetryFailedCmd(o))
	root.AddCommand(newCleanupCmd(o))
	root.AddCommand(newDLQCmd(o))
	root.AddCommand(newAuthCmd(o))
	root.AddCommand(newBookingCmd(o))
	return root
}

// Execute runs syncctl with ctx and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syncctl %s (%s)\n", Version, CommitSHA)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
