package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/realtime-go/cli/output"
	"github.com/fluxbase-eu/realtime-go/cli/util"
	"github.com/fluxbase-eu/realtime-go/internal/realtime"
)

var (
	trackKey  string
	trackOnce bool
)

var trackCmd = &cobra.Command{
	Use:   "track [topic] [json]",
	Short: "Track presence on a channel and show who is online",
	Long: `Join a channel, track this client's presence and print the full
presence list every time it changes.

Examples:
  realtime track lobby '{"user": "alice", "status": "online"}'
  realtime track lobby '{"user": "bob"}' --key bob --once`,
	Args:    cobra.RangeArgs(1, 2),
	PreRunE: loadConfig,
	RunE:    runTrack,
}

func init() {
	trackCmd.Flags().StringVar(&trackKey, "key", "", "presence key (server assigns one when empty)")
	trackCmd.Flags().BoolVar(&trackOnce, "once", false, "print the first presence state and exit")
}

// presenceTable converts a presence state into output rows
func presenceTable(state realtime.PresenceState) output.TableData {
	plain := make(map[string][]map[string]interface{}, len(state))
	for key, metas := range state {
		for _, meta := range metas {
			plain[key] = append(plain[key], map[string]interface{}(meta))
		}
	}
	return output.PresenceRows(plain)
}

func runTrack(cmd *cobra.Command, args []string) error {
	topic := channelTopic(args[0])

	raw := ""
	if len(args) == 2 {
		raw = args[1]
	}
	fields, err := util.ParseJSONObject(raw)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(ctx, "")
	if err != nil {
		return err
	}
	defer sess.close()

	out := GetFormatter()
	ctx, done := context.WithCancel(ctx)
	defer done()

	builder := sess.client.Channel(topic).
		Presence(realtime.PresenceConfig{Key: trackKey}).
		OnPresence(realtime.PresenceSync, func(key string, before, after realtime.PresenceState) {
			out.PrintTable(presenceTable(after))
			if trackOnce {
				done()
			}
		})

	handle, err := sess.join(ctx, builder)
	if err != nil {
		return err
	}

	ch, ok := sess.client.GetChannel(handle)
	if !ok {
		return realtime.ErrNoChannel
	}
	ch.Track(fields)
	log.Info().Str("topic", topic).Msg("Tracking presence")

	if err := sess.pump(ctx); err != nil {
		return err
	}

	ch.Untrack()
	if _, err := ch.Unsubscribe(); err != nil {
		log.Debug().Err(err).Msg("Leave not sent")
	}
	return nil
}
