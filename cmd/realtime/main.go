package main

import (
	"os"

	"github.com/fluxbase-eu/realtime-go/cli/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Replaced by the configured logger once the command has loaded its config
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
