package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/captimer/go/internal/config"
)

const (
	exitError  = 1
	exitConfig = 2
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "captimer",
	Short:         "Synchronized capture countdown for teams",
	Long:          `captimer keeps a short countdown in step across a team, through a relay server or LAN broadcast.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getEnv("CAPTIMER_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.ConfigPathEnv+")")

	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newClientCmd())
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("captimer failed")
		if config.IsConfigError(err) {
			os.Exit(exitConfig)
		}
		os.Exit(exitError)
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return &config.Error{Field: "log-level", Err: err}
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
