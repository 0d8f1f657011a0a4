package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/realtime-go/cli/util"
	"github.com/fluxbase-eu/realtime-go/internal/realtime"
)

var broadcastAck bool

var broadcastCmd = &cobra.Command{
	Use:   "broadcast [topic] [event] [json]",
	Short: "Broadcast a message to a channel",
	Long: `Join a channel, send one broadcast and leave.

The payload must be a JSON object and defaults to {}.

Examples:
  realtime broadcast room:1 cursor '{"x": 10, "y": 20}'
  realtime broadcast realtime:alerts deploy '{"version": "1.4.0"}' --ack`,
	Args:    cobra.RangeArgs(2, 3),
	PreRunE: loadConfig,
	RunE:    runBroadcast,
}

func init() {
	broadcastCmd.Flags().BoolVar(&broadcastAck, "ack", false, "ask the server to acknowledge the broadcast")
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	topic := channelTopic(args[0])
	event := args[1]

	raw := ""
	if len(args) == 3 {
		raw = args[2]
	}
	payload, err := util.ParseJSONObject(raw)
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

	handle, err := sess.join(ctx, sess.client.Channel(topic).
		Broadcast(realtime.BroadcastConfig{Ack: broadcastAck}))
	if err != nil {
		return err
	}

	ch, ok := sess.client.GetChannel(handle)
	if !ok {
		return realtime.ErrNoChannel
	}
	if err := ch.Broadcast(event, payload); err != nil {
		return err
	}
	if err := sess.client.Flush(ctx); err != nil {
		return fmt.Errorf("broadcast not delivered: %w", err)
	}
	if _, err := ch.Unsubscribe(); err != nil {
		return err
	}

	GetFormatter().PrintSuccess(fmt.Sprintf("Broadcast '%s' sent to %s.", event, topic))
	return nil
}
