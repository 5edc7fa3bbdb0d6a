package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Quick bool
	Limit int
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print the report",
		Long: `Compare local fiscal records with the fiscal API once.

Exits 1 when the sweep found discrepancies. With the file store driver the
findings are only reported, not kept.

Example:
  relayd reconcile --config relayd.yaml
  relayd reconcile --quick --limit 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReconcile(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Quick, "quick", false, "check only the most recent records")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "records to check in quick mode (default from config)")

	return cmd
}

func runReconcile(ctx context.Context, opts *ReconcileOptions, out io.Writer) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.close()

	guard, remote := newGuard(cfg, st, breaker.NewRegistry(), logger)
	svc := newReconciler(cfg, st, guard, remote, logger)

	mode := reconcile.ModeFull
	if opts.Quick {
		mode = reconcile.ModeQuick
	}
	report, err := svc.Run(ctx, mode, opts.Limit)
	if report == nil {
		return WrapExitError(ExitCommandError, "reconcile", err)
	}

	if opts.Format == "json" {
		if perr := printJSON(out, report); perr != nil {
			return perr
		}
	} else {
		fmt.Fprintf(out, "mode:     %s\n", report.Mode)
		fmt.Fprintf(out, "checked:  %d\n", report.Checked)
		fmt.Fprintf(out, "matched:  %d\n", report.Matched)
		fmt.Fprintf(out, "found:    %d (new %d)\n", report.Found, report.New)
		fmt.Fprintf(out, "errors:   %d\n", report.Errors)
		for typ, n := range report.ByType {
			fmt.Fprintf(out, "  %-18s %d\n", typ, n)
		}
	}

	if err != nil {
		return WrapExitError(ExitFailure, "reconcile aborted", err)
	}
	if report.Found > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d discrepancies found", report.Found), nil)
	}
	return nil
}
