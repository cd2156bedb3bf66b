package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/starry/internal/audit"
	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/transcript"
)

func newTasksCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and prune the task history",
	}
	cmd.AddCommand(newTasksListCommand(opts))
	cmd.AddCommand(newTasksDeleteCommand(opts))
	cmd.AddCommand(newTasksAuditCommand(opts))
	return cmd
}

func newTasksListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the history index, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(config.DBPath(cfg.HomeDir), cfg.Workspace, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			return listTasks(cmd.Context(), store, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the history as JSON")
	return cmd
}

func listTasks(ctx context.Context, store *persistence.Store, w io.Writer, asJSON bool) error {
	records, err := store.ListHistory(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no tasks")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLAST ACTIVE\tTOKENS IN/OUT\tCOST\tTASK")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t$%.4f\t%s\n",
			r.ID,
			time.UnixMilli(r.LastActiveAt).Local().Format(time.DateTime),
			r.TokensIn, r.TokensOut, r.TotalCost,
			truncate(r.Summary, 60))
	}
	return tw.Flush()
}

func newTasksDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>...",
		Short: "Delete tasks from the history index along with their transcripts",
		Long: `Delete tasks from the history index along with their transcripts.

Run this while the daemon is stopped, or use the UI, so the active task is
not deleted underneath it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(config.DBPath(cfg.HomeDir), cfg.Workspace, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			transcripts := transcript.NewStore(config.TasksDir(cfg.HomeDir))
			for _, id := range args {
				if err := deleteTask(cmd.Context(), store, transcripts, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}

func deleteTask(ctx context.Context, store *persistence.Store, transcripts *transcript.Store, id string) error {
	if err := store.DeleteHistory(ctx, id); err != nil {
		return err
	}
	err := transcripts.DeleteTask(id)
	if transcript.IsResidual(err) {
		slog.Warn("task directory not empty after delete", "task_id", id, "error", err)
		return nil
	}
	return err
}

func newTasksAuditCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit [task-id]",
		Short: "Show tool approval decisions, optionally for one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}
			entries, err := audit.ReadTask(cfg.HomeDir, taskID)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the decisions as JSON")
	return cmd
}

func printAudit(w io.Writer, entries []audit.Entry, asJSON bool) error {
	if asJSON {
		if entries == nil {
			entries = []audit.Entry{}
		}
		return writeJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no decisions recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTASK\tTOOL\tDECISION\tREASON\tSUBJECT")
	for _, e := range entries {
		ts := e.Timestamp
		if parsed, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
			ts = parsed.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ts, e.TaskID, e.Tool, e.Decision, e.Reason, truncate(e.Subject, 50))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
