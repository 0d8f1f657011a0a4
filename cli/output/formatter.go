// Package output provides output formatting for the realtime CLI.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxbase-eu/realtime-go/cli/util"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format represents the output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (valid: table, json, yaml)", s)
	}
}

// Formatter formats output in various formats. Event printing is safe for
// concurrent use because channel callbacks run on their own goroutines.
type Formatter struct {
	Format    Format
	NoHeaders bool
	Quiet     bool
	Writer    io.Writer
	ErrWriter io.Writer

	mu sync.Mutex
}

// NewFormatter creates a new formatter
func NewFormatter(format Format, noHeaders, quiet bool) *Formatter {
	return &Formatter{
		Format:    format,
		NoHeaders: noHeaders,
		Quiet:     quiet,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

// Print outputs data in the configured format
func (f *Formatter) Print(data interface{}) error {
	if f.Quiet {
		return nil
	}

	switch f.Format {
	case FormatYAML:
		return f.printYAML(data)
	default:
		return f.printJSON(data)
	}
}

func (f *Formatter) printJSON(data interface{}) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (f *Formatter) printYAML(data interface{}) error {
	encoder := yaml.NewEncoder(f.Writer)
	encoder.SetIndent(2)
	defer func() { _ = encoder.Close() }()
	return encoder.Encode(data)
}

// TableData represents tabular data for table output
type TableData struct {
	Headers []string
	Rows    [][]string
}

// PrintTable prints formatted table output
func (f *Formatter) PrintTable(data TableData) {
	if f.Quiet {
		return
	}

	// For non-table formats, convert to list of maps
	if f.Format != FormatTable {
		rows := make([]map[string]string, len(data.Rows))
		for i, row := range data.Rows {
			rowMap := make(map[string]string)
			for j, cell := range row {
				if j < len(data.Headers) {
					rowMap[data.Headers[j]] = cell
				}
			}
			rows[i] = rowMap
		}
		_ = f.Print(rows)
		return
	}

	table := tablewriter.NewWriter(f.Writer)

	if !f.NoHeaders && len(data.Headers) > 0 {
		table.SetHeader(data.Headers)
	}

	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	table.AppendBulk(data.Rows)
	table.Render()
}

// maxTablePayload bounds the payload column of streamed table output
const maxTablePayload = 160

// Event is one line of the listen stream
type Event struct {
	Time    time.Time              `json:"time" yaml:"time"`
	Topic   string                 `json:"topic" yaml:"topic"`
	Kind    string                 `json:"kind" yaml:"kind"`
	Event   string                 `json:"event" yaml:"event"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// PrintEvent writes one streamed event. JSON output is one object per line
// and YAML output one document per event.
func (f *Formatter) PrintEvent(e Event) {
	if f.Quiet {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.Format {
	case FormatJSON:
		_ = json.NewEncoder(f.Writer).Encode(e)
	case FormatYAML:
		_, _ = fmt.Fprintln(f.Writer, "---")
		_ = f.printYAML(e)
	default:
		payload := ""
		if len(e.Payload) > 0 {
			data, _ := json.Marshal(e.Payload)
			payload = util.TruncateString(string(data), maxTablePayload)
		}
		_, _ = fmt.Fprintf(f.Writer, "%s  %-24s %-16s %-10s %s\n",
			e.Time.Format("15:04:05.000"), e.Topic, e.Kind, e.Event, payload)
	}
}

// PresenceRows flattens a presence state into table rows, one per meta,
// sorted by key
func PresenceRows(state map[string][]map[string]interface{}) TableData {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := TableData{Headers: []string{"KEY", "REF", "META"}}
	for _, key := range keys {
		for _, meta := range state[key] {
			ref, _ := meta["phx_ref"].(string)
			rest := make(map[string]interface{}, len(meta))
			for k, v := range meta {
				if k != "phx_ref" {
					rest[k] = v
				}
			}
			encoded, _ := json.Marshal(rest)
			data.Rows = append(data.Rows, []string{key, ref, string(encoded)})
		}
	}
	return data
}

// PrintSuccess prints a success message
func (f *Formatter) PrintSuccess(message string) {
	if f.Quiet {
		return
	}
	_, _ = fmt.Fprintln(f.Writer, message)
}

// PrintError prints an error message. It is not silenced by Quiet.
func (f *Formatter) PrintError(message string) {
	fmt.Fprintln(f.ErrWriter, "Error:", message)
}

// PrintWarning prints a warning message
func (f *Formatter) PrintWarning(message string) {
	if f.Quiet {
		return
	}
	fmt.Fprintln(f.ErrWriter, "Warning:", message)
}

// PrintKeyValue prints a key-value pair
func (f *Formatter) PrintKeyValue(key, value string) {
	if f.Quiet {
		return
	}

	switch f.Format {
	case FormatJSON:
		_ = f.printJSON(map[string]string{key: value})
	case FormatYAML:
		_ = f.printYAML(map[string]string{key: value})
	default:
		_, _ = fmt.Fprintf(f.Writer, "%s: %s\n", key, value)
	}
}
