package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

// NewQueueCommand creates the queue command group. It edits the queue file
// directly, so run it while relayd is stopped; a running daemon exposes the
// same operations under /api/v1/queue.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the durable event queue",
	}
	cmd.AddCommand(newQueueStatsCommand(rootOpts))
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRequeueCommand(rootOpts))
	return cmd
}

func openQueue(opts *RootOptions) (*queue.Queue, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(cfg.Queue.Path, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     newLogger(cfg.Log, os.Stderr),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open queue", err)
	}
	return q, nil
}

func newQueueStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queued items by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			st := q.Stats()
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "pending:    %d\n", st.Pending)
			fmt.Fprintf(out, "processing: %d\n", st.Processing)
			fmt.Fprintf(out, "dead:       %d\n", st.Dead)
			fmt.Fprintf(out, "total:      %d\n", st.Total)
			return nil
		},
	}
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued items",
		Example: `  relayd queue list --status dead
  relayd queue list --limit 10 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch queue.Status(status) {
			case "", queue.StatusPending, queue.StatusProcessing, queue.StatusDead:
			default:
				return WrapExitError(ExitCommandError, fmt.Sprintf("unknown status %q", status), nil)
			}
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			items := q.List(queue.Status(status), limit)
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), items)
			}
			return writeItems(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|dead)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to show")
	return cmd
}

func newQueueRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <item-id>",
		Short: "Return a dead-lettered item to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(opts)
			if err != nil {
				return err
			}
			it, err := q.Requeue(args[0])
			switch {
			case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrNotDead):
				return WrapExitError(ExitFailure, "requeue", err)
			case err != nil:
				return WrapExitError(ExitCommandError, "requeue", err)
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), it)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s %s)\n", it.ID, it.Topic, it.Resource)
			return nil
		},
	}
}

func writeItems(w io.Writer, items []queue.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tRESOURCE\tSTATUS\tRETRIES\tCREATED\tERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.Topic, it.Resource, it.Status, it.Retries,
			it.CreatedAt.Format(time.RFC3339), it.Error)
	}
	return tw.Flush()
}
