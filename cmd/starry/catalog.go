package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/starry/internal/catalog"
	"github.com/basket/starry/internal/config"
)

func newCatalogCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the cached model catalog",
	}
	cmd.AddCommand(newCatalogRefreshCommand(opts))
	cmd.AddCommand(newCatalogShowCommand(opts))
	return cmd
}

func newCatalogCache(cfg config.Config) *catalog.Cache {
	return catalog.New(catalog.Options{
		URL:     cfg.Catalog.URL,
		Dir:     config.CacheDir(cfg.HomeDir),
		Timeout: time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second,
	})
}

func newCatalogRefreshCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the catalog and replace the cache file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cache := newCatalogCache(cfg)
			models, err := cache.TryRefresh(cmd.Context())
			if err != nil {
				return &checkFailedError{msg: fmt.Sprintf("catalog refresh failed, cache left unchanged: %v", err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d models in %s\n", len(models), cache.Path())
			return nil
		},
	}
}

func newCatalogShowCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show [model-id]",
		Short: "Print the cached catalog or a single descriptor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cache := newCatalogCache(cfg)
			if len(args) == 1 {
				d, ok := cache.Lookup(args[0])
				if !ok {
					return &checkFailedError{msg: fmt.Sprintf("model %q is not in the cached catalog", args[0])}
				}
				return writeJSON(cmd.OutOrStdout(), d)
			}
			models, ok := cache.ReadCached()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no cached catalog; run starry catalog refresh")
				return nil
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), models)
			}
			return printModels(cmd.OutOrStdout(), models)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the mapping as JSON")
	return cmd
}

func printModels(w io.Writer, models catalog.Models) error {
	ids := make([]string, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONTEXT\tMAX OUT\tIN $/M\tOUT $/M\tIMAGES\tCACHE")
	for _, id := range ids {
		d := models[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%t\t%t\n",
			id, d.ContextWindow, d.MaxTokens, price(d.InputPrice), price(d.OutputPrice), d.SupportsImages, d.SupportsPromptCache)
	}
	return tw.Flush()
}

// price renders an unknown price as "-" so it is not mistaken for free.
func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
