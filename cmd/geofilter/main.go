package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mohammed-shakir/geofilter/internal/core/config"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "geofilter",
		Short: "Spatial filters across PostGIS, SQLite, file and in-memory layers",
		Long: `geofilter applies spatial filters from a source collection to target
collections held in different backends, with undo/redo.

Commands:
  geofilter serve              Run the HTTP control surface
  geofilter optimize           Re-run backend selection for every collection
  geofilter reclaim            Drop old intermediate structures
  geofilter drop-all           Drop every intermediate structure`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./geofilter.yaml)")
	config.BindFlags(rootCmd, v)

	load := func() (config.Config, error) { return config.Load(v, configFile) }

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newOptimizeCmd(load))
	rootCmd.AddCommand(newReclaimCmd(load))
	rootCmd.AddCommand(newDropAllCmd(load))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
