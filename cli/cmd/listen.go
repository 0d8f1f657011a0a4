package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/realtime-go/cli/output"
	"github.com/fluxbase-eu/realtime-go/internal/pubsub"
	"github.com/fluxbase-eu/realtime-go/internal/realtime"
)

var (
	listenChanges     []string
	listenPresenceKey string
	listenTrack       string
	listenSelf        bool
	listenMetricsAddr string
	listenRelay       bool
)

var listenCmd = &cobra.Command{
	Use:   "listen [topic]",
	Short: "Join a channel and print its events",
	Long: `Join a realtime channel and print broadcasts, database changes,
presence joins/leaves and system notices until interrupted.

Bare topic names get the "realtime:" prefix.

Database changes are requested with --changes EVENT:SCHEMA[.TABLE][:FILTER]
where EVENT is INSERT, UPDATE, DELETE or *, and FILTER is column=op.value.

Examples:
  realtime listen room:1
  realtime listen room:1 --track '{"user":"alice"}'
  realtime listen db --changes 'INSERT:public.todos' --changes '*:public.profiles:id=eq.7'
  realtime listen room:1 --metrics-addr :9464 --relay -o json`,
	Args:    cobra.ExactArgs(1),
	PreRunE: loadConfig,
	RunE:    runListen,
}

func init() {
	listenCmd.Flags().StringArrayVar(&listenChanges, "changes", nil, "database changes to subscribe to (repeatable)")
	listenCmd.Flags().StringVar(&listenPresenceKey, "presence-key", "", "presence key to join with")
	listenCmd.Flags().StringVar(&listenTrack, "track", "", "JSON object to track as this client's presence")
	listenCmd.Flags().BoolVar(&listenSelf, "self", false, "receive own broadcasts")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	listenCmd.Flags().BoolVar(&listenRelay, "relay", false, "republish received events to the configured relay backend")
}

// parseChangeSpec parses EVENT:SCHEMA[.TABLE][:FILTER]
func parseChangeSpec(spec string) (realtime.PostgresChangesEvent, realtime.PostgresChangeFilter, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "", realtime.PostgresChangeFilter{}, fmt.Errorf("invalid change spec %q (want EVENT:SCHEMA[.TABLE][:FILTER])", spec)
	}

	var event realtime.PostgresChangesEvent
	switch strings.ToUpper(parts[0]) {
	case "*", "ALL":
		event = realtime.PostgresChangesAll
	case "INSERT":
		event = realtime.PostgresChangesInsert
	case "UPDATE":
		event = realtime.PostgresChangesUpdate
	case "DELETE":
		event = realtime.PostgresChangesDelete
	default:
		return "", realtime.PostgresChangeFilter{}, fmt.Errorf("invalid change event %q (valid: INSERT, UPDATE, DELETE, *)", parts[0])
	}

	filter := realtime.PostgresChangeFilter{Schema: parts[1]}
	if schema, table, ok := strings.Cut(parts[1], "."); ok {
		filter.Schema = schema
		filter.Table = table
	}
	if len(parts) == 3 {
		filter.Filter = parts[2]
	}
	return event, filter, nil
}

// printer turns channel callbacks into formatted events
type printer struct {
	topic string
	out   *output.Formatter
	now   func() time.Time
}

func (p *printer) emit(kind, event string, payload map[string]interface{}) {
	p.out.PrintEvent(output.Event{
		Time:    p.now(),
		Topic:   p.topic,
		Kind:    kind,
		Event:   event,
		Payload: payload,
	})
}

// tap prints the envelopes that have no typed callback in the listener
func (p *printer) tap(env realtime.Envelope) {
	switch payload := env.Payload.(type) {
	case realtime.BroadcastPayload:
		p.emit("broadcast", payload.Event, payload.Payload)
	case realtime.SystemPayload:
		p.emit("system", payload.Status, map[string]interface{}{
			"message":   payload.Message,
			"extension": payload.Extension,
		})
	case realtime.EmptyPayload:
		if env.Event == realtime.EventClose || env.Event == realtime.EventError {
			p.emit("channel", string(env.Event), nil)
		}
	}
}

func (p *printer) change(change *realtime.PostgresChangesPayload) {
	data := change.Data
	payload := map[string]interface{}{
		"table": data.Schema + "." + data.Table,
	}
	if data.Record != nil {
		payload["record"] = data.Record
	}
	if data.OldRecord != nil {
		payload["old_record"] = data.OldRecord
	}
	p.emit("postgres_changes", string(data.Type), payload)
}

func (p *printer) presence(event realtime.PresenceEvent) realtime.PresenceCallback {
	return func(key string, before, after realtime.PresenceState) {
		state := after
		if event == realtime.PresenceLeave {
			state = before
		}
		metas := make([]interface{}, 0, len(state[key]))
		for _, meta := range state[key] {
			metas = append(metas, map[string]interface{}(meta))
		}
		p.emit("presence", string(event), map[string]interface{}{
			"key":   key,
			"metas": metas,
		})
	}
}

func (p *printer) fail(err error) {
	log.Error().Err(err).Str("topic", p.topic).Msg("Channel error")
}

func runListen(cmd *cobra.Command, args []string) error {
	topic := channelTopic(args[0])

	var track map[string]interface{}
	if listenTrack != "" {
		if err := json.Unmarshal([]byte(listenTrack), &track); err != nil || track == nil {
			return fmt.Errorf("--track must be a JSON object")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var relay *pubsub.Relay
	if listenRelay {
		if !cfg.Relay.Enabled() {
			return fmt.Errorf("--relay requires relay.backend to be configured")
		}
		ps, err := pubsub.NewPubSub(ctx, &cfg.Relay)
		if err != nil {
			return err
		}
		defer ps.Close()
		relay = pubsub.NewRelay(ps, cfg.Relay.Channel)
		log.Info().Str("backend", cfg.Relay.Backend).Str("channel", relay.Channel()).Msg("Relaying received events")
	}

	sess, err := newSession(ctx, listenMetricsAddr)
	if err != nil {
		return err
	}
	defer sess.close()

	p := &printer{topic: topic, out: GetFormatter(), now: time.Now}

	builder := sess.client.Channel(topic).
		Broadcast(realtime.BroadcastConfig{Self: listenSelf}).
		Presence(realtime.PresenceConfig{Key: listenPresenceKey}).
		OnPresence(realtime.PresenceJoin, p.presence(realtime.PresenceJoin)).
		OnPresence(realtime.PresenceLeave, p.presence(realtime.PresenceLeave)).
		OnError(p.fail).
		OnMessage(p.tap)

	if relay != nil {
		builder = builder.OnMessage(relay.Callback())
	}

	for _, spec := range listenChanges {
		event, filter, err := parseChangeSpec(spec)
		if err != nil {
			return err
		}
		builder = builder.OnPostgresChange(event, filter, p.change)
	}

	handle, err := sess.join(ctx, builder)
	if err != nil {
		return err
	}

	if track != nil {
		ch, ok := sess.client.GetChannel(handle)
		if !ok {
			return realtime.ErrNoChannel
		}
		ch.Track(track)
	}

	if err := sess.pump(ctx); err != nil {
		return err
	}

	if ch, ok := sess.client.GetChannel(handle); ok {
		if _, err := ch.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("Leave not sent")
		}
	}
	log.Info().Str("topic", topic).Msg("Stopped listening")
	return nil
}
