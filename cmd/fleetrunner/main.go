package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devicelab/fleetrunner/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "fleetrunner",
	Short: "Test-execution orchestrator for a fleet of remote devices",
	Long: `fleetrunner matches submitted test commands against connected devices,
runs each workload exclusively on an allocated device, and resumes partially
completed work when a device vanishes mid-run.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetrunner command failed")
	}
}
