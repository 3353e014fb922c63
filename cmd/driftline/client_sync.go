package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncResync bool

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued writes and pull the server's changes",
	Args:  cobra.NoArgs,
	RunE:  runClientSync,
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and queue counts",
	Args:  cobra.NoArgs,
	RunE:  runClientStatus,
}

var clientFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List writes the server rejected",
	Args:  cobra.NoArgs,
	RunE:  runClientFailed,
}

var clientRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Move a failed write back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientRetry,
}

var clientDismissCmd = &cobra.Command{
	Use:   "dismiss <entry-id>",
	Short: "Drop a failed write",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientDismiss,
}

func init() {
	clientSyncCmd.Flags().BoolVar(&syncResync, "resync", false,
		"Rebuild the replica from a full snapshot")
}

func runClientSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	if syncResync {
		c.Resync()
	}
	res, err := c.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"sent":         res.Sent,
			"acknowledged": res.Acknowledged,
			"retrying":     res.Retrying,
			"failed":       res.Failed,
			"pulled":       res.Pulled,
			"bootstrapped": res.Bootstrapped,
			"cursor":       res.Cursor,
			"duration_ms":  res.Duration.Milliseconds(),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d (acknowledged %d, retrying %d, failed %d), pulled %d, cursor %d\n",
		res.Sent, res.Acknowledged, res.Retrying, res.Failed, res.Pulled, res.Cursor)
	if res.Bootstrapped {
		fmt.Fprintln(cmd.OutOrStdout(), "Replica rebuilt from snapshot.")
	}
	return nil
}

func runClientStatus(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	ctx := context.Background()
	st := c.State(ctx)
	display := c.Status()

	if jsonOutput {
		out := map[string]any{
			"status":  statusKind(display),
			"detail":  describeStatus(display),
			"pending": st.Pending,
			"failed":  st.Failed,
		}
		if !st.LastSyncAt.IsZero() {
			out["last_sync_at"] = st.LastSyncAt
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Status:\t%s\n", describeStatus(display))
	fmt.Fprintf(w, "Pending:\t%d\n", st.Pending)
	fmt.Fprintf(w, "Failed:\t%d\n", st.Failed)
	w.Flush()
	return nil
}

func runClientFailed(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	failed, err := c.Failed(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"failed": failed,
			"total":  len(failed),
		})
	}

	if len(failed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No failed writes.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ENTRY\tOP\tENTITY\tATTEMPTS\tCLASS\tERROR")
	for _, e := range failed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.Op, e.EntityID, e.Attempts, e.FailureClass, e.LastError)
	}
	w.Flush()
	return nil
}

func runClientRetry(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	if err := c.Retry(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", args[0])
	return nil
}

func runClientDismiss(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	if err := c.Dismiss(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", args[0])
	return nil
}
