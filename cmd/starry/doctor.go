package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/doctor"
	"github.com/basket/starry/internal/persistence"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks against the home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil && !cfg.NeedsGenesis {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
				// Continue anyway to diagnose why.
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(cmd.OutOrStdout(), diag, isTerminal(cmd.OutOrStdout()))
			}
			if diag.Failed() {
				return &checkFailedError{msg: "one or more checks failed"}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the diagnosis as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis, fancy bool) {
	fmt.Fprintf(w, "Starry Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s), starry %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		mark := "[" + res.Status + "]"
		if fancy {
			switch res.Status {
			case "PASS":
				mark = "✅"
			case "FAIL":
				mark = "❌"
			case "WARN":
				mark = "⚠️ "
			case "SKIP":
				mark = "⏩"
			}
		}
		fmt.Fprintf(w, "%s %-12s: %s\n", mark, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear every global setting and every stored secret",
		Long: `Clear every global setting and every stored secret.

Workspace settings, the task history index and transcripts are kept. Stop the
daemon first; a running daemon keeps its in-memory copy of the settings until
the UI sends resetState.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset deletes stored API keys; pass --yes to confirm")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(config.DBPath(cfg.HomeDir), cfg.Workspace, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "global settings and secrets cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
