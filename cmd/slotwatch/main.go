package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"slotwatch/internal/app"
	"slotwatch/internal/catalog"
	"slotwatch/internal/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "slotwatch",
		Short:         "Watch DMV appointment slots and push alerts to subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the monitor until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				a, err := app.New(cfgPath)
				if err != nil {
					return err
				}
				return a.Run(ctx)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the config file and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := config.NewManager(cfgPath).Parse(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "catalog",
			Short: "List monitored categories and known locations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return printCatalog(cmd, catalog.Default())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "slotwatch", version)
			},
		},
	)
	root.SetContext(context.Background())
	return root
}

func printCatalog(cmd *cobra.Command, cat *catalog.Catalog) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME")
	for _, c := range cat.Categories() {
		fmt.Fprintf(w, "%s\t%s\n", c.Key, c.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d locations:\n", len(cat.Locations()))
	for _, l := range cat.Locations() {
		fmt.Fprintln(cmd.OutOrStdout(), " ", l)
	}
	return nil
}
