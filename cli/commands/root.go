// Package commands implements the persist-go command line interface.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/persist-go/cli/internal/config"
	"github.com/satishbabariya/persist-go/cli/internal/ui"
)

const version = "0.3.0"

var configFile string

var rootCmd = &cobra.Command{
	Use:     "persist-go",
	Short:   "Object persistence toolkit for SQL databases",
	Long:    "persist-go inspects and manages the databases behind persist storage definitions.",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (default persist.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}
