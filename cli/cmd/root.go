// Package cmd provides the Cobra commands for the realtime CLI.
package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/realtime-go/cli/output"
	"github.com/fluxbase-eu/realtime-go/cli/util"
	"github.com/fluxbase-eu/realtime-go/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	cfgFile     string
	profileName string
	outputFmt   string
	noHeaders   bool
	quiet       bool
	debug       bool

	// Shared across commands
	cfg       *config.Config
	formatter *output.Formatter
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Realtime CLI - Listen, broadcast and track presence on realtime channels",
	Long: `Realtime CLI joins channels on a Supabase-compatible realtime server.

Features:
  - Listen: print broadcasts, database changes and presence for a channel
  - Broadcast: send a message to everyone on a channel
  - Track: announce presence and watch who else is online
  - Relay: republish received events to Redis or PostgreSQL

Get started:
  realtime auth login              Store an API key in the system keychain
  realtime listen room:1           Print events for a channel
  realtime --help                  Show available commands`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

// Execute runs the CLI and reports a failed command on stderr
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		GetFormatter().PrintError(err.Error())
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./realtime.yaml or ~/.config/realtime/realtime.yaml)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "",
		"keychain profile to read credentials from")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table",
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false,
		"hide table headers")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"minimal output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(trackCmd)
}

// loadConfig loads configuration, resolves keychain credentials and
// configures logging. Used as PreRunE by commands that talk to a server.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if profileName != "" {
		cfg.Profile = profileName
	}

	if err := cfg.ResolveCredentials(config.NewKeychainStore()); err != nil {
		// A missing keychain must not block env or file credentials
		log.Debug().Err(err).Msg("Keychain lookup failed")
	}

	SetupLogging(cfg.Log, debug)

	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}
	formatter = output.NewFormatter(format, noHeaders, quiet)

	log.Debug().
		Str("url", cfg.Client.URL).
		Str("profile", cfg.Profile).
		Str("api_key", util.MaskToken(cfg.Client.APIKey)).
		Msg("Configuration loaded")
	return nil
}

// SetupLogging configures the global zerolog logger. Console output is used
// when stderr is a terminal unless the format forces json.
func SetupLogging(lc config.LogConfig, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch lc.Format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	default:
		if util.IsTerminal(os.Stderr) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		} else {
			log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		}
	}

	level := zerolog.InfoLevel
	if lc.Level != "" {
		if parsed, err := zerolog.ParseLevel(lc.Level); err == nil {
			level = parsed
		}
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// GetFormatter returns the output formatter (for use by subcommands)
func GetFormatter() *output.Formatter {
	if formatter == nil {
		format, _ := output.ParseFormat(outputFmt)
		formatter = output.NewFormatter(format, noHeaders, quiet)
	}
	return formatter
}

// activeProfile returns the profile selected by flag, falling back to default
func activeProfile() string {
	if profileName != "" {
		return profileName
	}
	if p := os.Getenv("REALTIME_PROFILE"); p != "" {
		return p
	}
	return "default"
}
