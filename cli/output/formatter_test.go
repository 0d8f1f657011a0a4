package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid output format")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newBufferedFormatter(format Format) (*Formatter, *bytes.Buffer) {
	var buf bytes.Buffer
	f := NewFormatter(format, false, false)
	f.Writer = &buf
	return f, &buf
}

func testEvent() Event {
	return Event{
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, time.UTC),
		Topic:   "realtime:room:1",
		Kind:    "broadcast",
		Event:   "cursor",
		Payload: map[string]interface{}{"x": 1},
	}
}

func TestFormatter_PrintEvent(t *testing.T) {
	t.Run("json is one object per line", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatJSON)
		f.PrintEvent(testEvent())
		f.PrintEvent(testEvent())

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.JSONEq(t, `{"time":"2026-01-02T03:04:05.6Z","topic":"realtime:room:1","kind":"broadcast","event":"cursor","payload":{"x":1}}`, lines[0])
	})

	t.Run("yaml writes a document per event", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatYAML)
		f.PrintEvent(testEvent())

		out := buf.String()
		assert.True(t, strings.HasPrefix(out, "---\n"))
		assert.Contains(t, out, "topic: realtime:room:1")
		assert.Contains(t, out, "event: cursor")
	})

	t.Run("table writes a single line", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatTable)
		f.PrintEvent(testEvent())

		out := buf.String()
		assert.Equal(t, 1, strings.Count(out, "\n"))
		assert.True(t, strings.HasPrefix(out, "03:04:05.600"))
		assert.Contains(t, out, `{"x":1}`)
	})

	t.Run("table truncates long payloads", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatTable)
		e := testEvent()
		e.Payload = map[string]interface{}{"blob": strings.Repeat("a", 500)}
		f.PrintEvent(e)

		assert.Contains(t, buf.String(), "...")
		assert.Less(t, len(buf.String()), 300)
	})

	t.Run("quiet prints nothing", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatJSON)
		f.Quiet = true
		f.PrintEvent(testEvent())
		assert.Empty(t, buf.String())
	})
}

func TestPresenceRows(t *testing.T) {
	data := PresenceRows(map[string][]map[string]interface{}{
		"zed":   {{"phx_ref": "9"}},
		"alice": {{"phx_ref": "1", "status": "online"}},
	})

	assert.Equal(t, []string{"KEY", "REF", "META"}, data.Headers)
	require.Len(t, data.Rows, 2)
	assert.Equal(t, []string{"alice", "1", `{"status":"online"}`}, data.Rows[0])
	assert.Equal(t, []string{"zed", "9", "{}"}, data.Rows[1])
}

func TestFormatter_PrintTable(t *testing.T) {
	data := TableData{
		Headers: []string{"KEY", "VALUE"},
		Rows:    [][]string{{"client.url", "http://localhost"}},
	}

	t.Run("table", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatTable)
		f.PrintTable(data)
		assert.Contains(t, buf.String(), "KEY")
		assert.Contains(t, buf.String(), "client.url")
	})

	t.Run("no headers", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatTable)
		f.NoHeaders = true
		f.PrintTable(data)
		assert.NotContains(t, buf.String(), "KEY")
	})

	t.Run("json converts rows to objects", func(t *testing.T) {
		f, buf := newBufferedFormatter(FormatJSON)
		f.PrintTable(data)
		assert.JSONEq(t, `[{"KEY":"client.url","VALUE":"http://localhost"}]`, buf.String())
	})
}

func TestFormatter_PrintKeyValue(t *testing.T) {
	f, buf := newBufferedFormatter(FormatTable)
	f.PrintKeyValue("profile", "default")
	assert.Equal(t, "profile: default\n", buf.String())

	f, buf = newBufferedFormatter(FormatJSON)
	f.PrintKeyValue("profile", "default")
	assert.JSONEq(t, `{"profile":"default"}`, buf.String())
}

func TestFormatter_Diagnostics(t *testing.T) {
	var stdout, stderr bytes.Buffer
	f := NewFormatter(FormatJSON, false, false)
	f.Writer = &stdout
	f.ErrWriter = &stderr

	f.PrintWarning("keychain unavailable")
	f.PrintError("connection refused")
	assert.Equal(t, "Warning: keychain unavailable\nError: connection refused\n", stderr.String())
	assert.Empty(t, stdout.String())

	stderr.Reset()
	f.Quiet = true
	f.PrintWarning("hidden")
	f.PrintError("still shown")
	assert.Equal(t, "Error: still shown\n", stderr.String())
}
