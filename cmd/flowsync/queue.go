package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	queueDead  bool
	queueForce bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the retry queue",
	Long:  "List, summarize, replay and clear the durable retry queue without running the daemon.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and sync state",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Replay the queue against the remote store once",
	Args:  cobra.NoArgs,
	RunE:  runQueueProcess,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued mutation",
	Long:  "Permanently discard every queued mutation. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

func init() {
	queueListCmd.Flags().BoolVar(&queueDead, "dead", false,
		"List dead letters instead of pending mutations")
	queueClearCmd.Flags().BoolVar(&queueForce, "force", false,
		"Skip confirmation prompt")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueProcessCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// withEngine opens the configured engine, runs fn and flushes on the way
// out.
func withEngine(cmd *cobra.Command, fn func(sc *syncClient) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer := initLogger(cfg)
	defer closer.Close()

	sc, err := openEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	fnErr := fn(sc)
	if err := sc.Close(ctx); err != nil && fnErr == nil {
		return fmt.Errorf("flush queue: %w", err)
	}
	return fnErr
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(sc *syncClient) error {
		out := cmd.OutOrStdout()

		if queueDead {
			dead := sc.engine.DeadLetters()
			if jsonOutput {
				return printJSON(out, map[string]any{"dead_letters": dead, "total": len(dead)})
			}
			if len(dead) == 0 {
				fmt.Fprintln(out, "No dead letters.")
				return nil
			}
			w := newTabWriter(out)
			fmt.Fprintln(w, "TYPE\tOP\tENTITY\tPROJECT\tREASON\tAT")
			for _, d := range dead {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.Record.EntityType, d.Record.Operation, d.Record.EntityID,
					orDash(d.Record.ProjectID), d.Reason, d.At.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		}

		items := sc.engine.PendingMutations()
		if jsonOutput {
			return printJSON(out, map[string]any{"pending": items, "total": len(items)})
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "Queue is empty.")
			return nil
		}
		w := newTabWriter(out)
		fmt.Fprintln(w, "TYPE\tOP\tENTITY\tPROJECT\tRETRIES\tCREATED")
		for _, r := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.EntityType, r.Operation, r.EntityID, orDash(r.ProjectID),
				r.RetryCount, r.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	})
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(sc *syncClient) error {
		st := sc.engine.Stats()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "Pending:\t%d\n", st.QueueLength)
		fmt.Fprintf(w, "Dead letters:\t%d\n", st.DeadLetters)
		fmt.Fprintf(w, "Retrying:\t%d\n", st.Retrying)
		fmt.Fprintf(w, "Online:\t%t\n", st.State.IsOnline)
		fmt.Fprintf(w, "Circuit:\t%s\n", st.Circuit.State)
		pressure := "no"
		if st.State.QueuePressure {
			pressure = "yes (" + st.State.PressureReason + ")"
		}
		fmt.Fprintf(w, "Queue pressure:\t%s\n", pressure)
		return w.Flush()
	})
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(sc *syncClient) error {
		res := sc.engine.Flush(cmd.Context())
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "Processed:\t%d\n", res.Processed)
		fmt.Fprintf(w, "Succeeded:\t%d\n", res.Succeeded)
		fmt.Fprintf(w, "Requeued:\t%d\n", res.Requeued)
		fmt.Fprintf(w, "Dropped:\t%d\n", res.Dropped)
		fmt.Fprintf(w, "Remaining:\t%d\n", res.Remaining)
		if res.Stopped != "" {
			fmt.Fprintf(w, "Stopped:\t%s\n", res.Stopped)
		}
		return w.Flush()
	})
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(sc *syncClient) error {
		n := sc.engine.Queue().Len()
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}

		// Interactive confirmation unless --force
		if !queueForce {
			errOut := cmd.ErrOrStderr()
			fmt.Fprintf(errOut, "WARNING: This will discard %d queued mutations that have not reached the remote store.\n", n)
			fmt.Fprint(errOut, "Type 'clear' to confirm: ")

			reader := bufio.NewReader(cmd.InOrStdin())
			input, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			if strings.TrimSpace(input) != "clear" {
				fmt.Fprintln(errOut, "Aborted.")
				return nil
			}
		}

		cleared := sc.engine.Queue().Clear(cmd.Context())
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": cleared})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued mutations\n", cleared)
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
