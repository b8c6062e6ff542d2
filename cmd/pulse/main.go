package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/treepeck/pulse/internal/config"
	"github.com/treepeck/pulse/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "pulse",
	Short:         "Real-time connection, presence and pub/sub server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pulse.yaml)")
	rootCmd.AddCommand(serveCmd, tokenCmd, userCmd, publishCmd)
}

/*
load reads the configuration and builds the logger it describes.  Flags bound to config keys
must be applied by the caller.
*/
func load() (config.Config, *slog.Logger, error) {
	boot := logging.New(os.Stderr, "info", "text")
	cfg, err := config.Load(boot, cfgFile)
	if err != nil {
		return config.Config{}, boot, err
	}
	return cfg, logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", slog.Any("error", err))
		os.Exit(1)
	}
}
