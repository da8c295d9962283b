package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "site-proximity",
		Short: "Resolve free-text locations and find the infrastructure sites near them",
		Long: `site-proximity fuzzy-matches free-text place names against a gazetteer,
geocodes them, and joins the coordinates against a site inventory.`,
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.toml"
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the TOML config file")

	root.AddCommand(
		createServeCmd(&configPath),
		createResolveCmd(&configPath),
		createGeocodeCmd(&configPath),
		createNearbyCmd(&configPath),
		createBatchCmd(&configPath),
	)
	return root
}
