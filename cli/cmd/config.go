package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/realtime-go/cli/output"
	"github.com/fluxbase-eu/realtime-go/cli/util"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect CLI configuration",
	Long:  `Show the configuration the CLI resolves from file, environment and keychain.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Display the effective configuration",
	Long: `Show the effective configuration with secrets masked.

Examples:
  realtime config view
  realtime config view --output yaml`,
	PreRunE: loadConfig,
	RunE:    runConfigView,
}

func init() {
	configCmd.AddCommand(configViewCmd)
}

// singleRow builds a one-row table
func singleRow(headers, row []string) output.TableData {
	return output.TableData{Headers: headers, Rows: [][]string{row}}
}

// effectiveSettings flattens the loaded configuration into key/value pairs
func effectiveSettings() map[string]string {
	settings := map[string]string{
		"profile":                   cfg.Profile,
		"client.url":                cfg.Client.URL,
		"client.api_key":            util.MaskToken(cfg.Client.APIKey),
		"client.access_token":       util.MaskToken(cfg.Client.AccessToken),
		"client.heartbeat_interval": cfg.Client.HeartbeatInterval.String(),
		"client.events_per_second":  fmt.Sprintf("%g", cfg.Client.EventsPerSecond),
		"client.dial_timeout":       cfg.Client.DialTimeout.String(),
		"log.level":                 cfg.Log.Level,
		"log.format":                cfg.Log.Format,
		"metrics.enabled":           fmt.Sprintf("%t", cfg.Metrics.Enabled),
		"metrics.address":           cfg.Metrics.Address,
		"tracing.enabled":           fmt.Sprintf("%t", cfg.Tracing.Enabled),
		"tracing.endpoint":          cfg.Tracing.Endpoint,
		"tracing.service_name":      cfg.Tracing.ServiceName,
		"relay.backend":             cfg.Relay.Backend,
		"relay.channel":             cfg.Relay.Channel,
	}
	for k, v := range cfg.Client.Params {
		settings["client.params."+k] = v
	}
	return settings
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := effectiveSettings()

	out := GetFormatter()
	if out.Format != output.FormatTable {
		return out.Print(settings)
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := output.TableData{Headers: []string{"KEY", "VALUE"}}
	for _, k := range keys {
		data.Rows = append(data.Rows, []string{k, settings[k]})
	}
	out.PrintTable(data)
	return nil
}
