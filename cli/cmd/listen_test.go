package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/realtime-go/cli/output"
	"github.com/fluxbase-eu/realtime-go/internal/realtime"
)

func TestChannelTopic(t *testing.T) {
	assert.Equal(t, "realtime:room:1", channelTopic("room:1"))
	assert.Equal(t, "realtime:room:1", channelTopic("realtime:room:1"))
}

func TestParseChangeSpec(t *testing.T) {
	tests := []struct {
		name       string
		spec       string
		wantEvent  realtime.PostgresChangesEvent
		wantFilter realtime.PostgresChangeFilter
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "insert on a table",
			spec:       "INSERT:public.todos",
			wantEvent:  realtime.PostgresChangesInsert,
			wantFilter: realtime.PostgresChangeFilter{Schema: "public", Table: "todos"},
		},
		{
			name:       "any event on a schema",
			spec:       "*:public",
			wantEvent:  realtime.PostgresChangesAll,
			wantFilter: realtime.PostgresChangeFilter{Schema: "public"},
		},
		{
			name:       "lowercase with predicate",
			spec:       "update:public.profiles:id=eq.7",
			wantEvent:  realtime.PostgresChangesUpdate,
			wantFilter: realtime.PostgresChangeFilter{Schema: "public", Table: "profiles", Filter: "id=eq.7"},
		},
		{
			name:       "predicate value keeps colons",
			spec:       "DELETE:public.events:at=eq.12:30",
			wantEvent:  realtime.PostgresChangesDelete,
			wantFilter: realtime.PostgresChangeFilter{Schema: "public", Table: "events", Filter: "at=eq.12:30"},
		},
		{
			name:    "missing schema",
			spec:    "INSERT",
			wantErr: true,
			errMsg:  "invalid change spec",
		},
		{
			name:    "unknown event",
			spec:    "TRUNCATE:public.todos",
			wantErr: true,
			errMsg:  "invalid change event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, filter, err := parseChangeSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEvent, event)
			assert.Equal(t, tt.wantFilter, filter)
		})
	}
}

func newTestPrinter() (*printer, *bytes.Buffer) {
	var buf bytes.Buffer
	out := output.NewFormatter(output.FormatJSON, false, false)
	out.Writer = &buf
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &printer{topic: "realtime:room:1", out: out, now: func() time.Time { return fixed }}, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []output.Event {
	t.Helper()
	var events []output.Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e output.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	return events
}

func TestPrinter_Tap(t *testing.T) {
	p, buf := newTestPrinter()

	p.tap(realtime.Envelope{
		Topic:   "realtime:room:1",
		Event:   realtime.EventBroadcast,
		Payload: realtime.BroadcastPayload{Type: "broadcast", Event: "cursor", Payload: map[string]interface{}{"x": 1.0}},
	})
	p.tap(realtime.Envelope{
		Topic:   "realtime:room:1",
		Event:   realtime.EventSystem,
		Payload: realtime.SystemPayload{Status: "ok", Message: "Subscribed to PostgreSQL", Extension: "postgres_changes"},
	})
	p.tap(realtime.Envelope{Topic: "realtime:room:1", Event: realtime.EventClose, Payload: realtime.EmptyPayload{}})
	p.tap(realtime.Envelope{Topic: "realtime:room:1", Event: realtime.EventReply, Payload: realtime.ResponsePayload{Status: realtime.StatusOK}})

	events := decodeLines(t, buf)
	require.Len(t, events, 3, "replies are not printed")

	assert.Equal(t, "broadcast", events[0].Kind)
	assert.Equal(t, "cursor", events[0].Event)
	assert.Equal(t, 1.0, events[0].Payload["x"])

	assert.Equal(t, "system", events[1].Kind)
	assert.Equal(t, "postgres_changes", events[1].Payload["extension"])

	assert.Equal(t, "channel", events[2].Kind)
	assert.Equal(t, "phx_close", events[2].Event)
}

func TestPrinter_Change(t *testing.T) {
	p, buf := newTestPrinter()

	p.change(&realtime.PostgresChangesPayload{Data: realtime.PostgresChangeData{
		Schema:    "public",
		Table:     "todos",
		Type:      realtime.PostgresChangesDelete,
		OldRecord: map[string]interface{}{"id": 3.0},
	}})

	events := decodeLines(t, buf)
	require.Len(t, events, 1)
	assert.Equal(t, "postgres_changes", events[0].Kind)
	assert.Equal(t, "DELETE", events[0].Event)
	assert.Equal(t, "public.todos", events[0].Payload["table"])
	assert.NotContains(t, events[0].Payload, "record")
	assert.Equal(t, map[string]interface{}{"id": 3.0}, events[0].Payload["old_record"])
}

func TestPrinter_Presence(t *testing.T) {
	p, buf := newTestPrinter()

	before := realtime.PresenceState{"alice": {{"phx_ref": "1", "status": "away"}}}
	after := realtime.PresenceState{}

	p.presence(realtime.PresenceLeave)("alice", before, after)
	p.presence(realtime.PresenceJoin)("bob", after, realtime.PresenceState{"bob": {{"phx_ref": "2"}}})

	events := decodeLines(t, buf)
	require.Len(t, events, 2)

	assert.Equal(t, "leave", events[0].Event)
	assert.Equal(t, "alice", events[0].Payload["key"])
	require.Len(t, events[0].Payload["metas"], 1, "leave reports the metas that left")

	assert.Equal(t, "join", events[1].Event)
	assert.Equal(t, "bob", events[1].Payload["key"])
}

func TestPresenceTable(t *testing.T) {
	data := presenceTable(realtime.PresenceState{
		"bob":   {{"phx_ref": "2", "status": "online"}},
		"alice": {{"phx_ref": "1"}, {"phx_ref": "3"}},
	})

	require.Len(t, data.Rows, 3)
	assert.Equal(t, []string{"alice", "1", "{}"}, data.Rows[0])
	assert.Equal(t, []string{"alice", "3", "{}"}, data.Rows[1])
	assert.Equal(t, []string{"bob", "2", `{"status":"online"}`}, data.Rows[2])
}
