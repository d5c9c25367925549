// Command collabd runs the incident sync daemon: the client-side sync
// engine behind a local HTTP API.
//
// @title       Incident Sync API
// @version     1.0
// @description Real-time sync for incident messages and user notifications: reconciled views, typing presence, and a durable offline outbox.
// @BasePath    /api/v1
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:           "collabd",
	Short:         "collabd keeps incident messages and notifications in sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing default .env is fine; an explicit one must exist
		if envFile == "" {
			_ = godotenv.Load()
			return nil
		}
		return godotenv.Load(envFile)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file (default: ./.env if present)")
	rootCmd.AddCommand(newServeCmd(), newOutboxCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("collabd failed")
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
