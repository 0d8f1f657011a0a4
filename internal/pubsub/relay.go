package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxbase-eu/realtime-go/internal/realtime"
	"github.com/rs/zerolog/log"
)

// RelayedEnvelope is the record published for every relayed envelope
type RelayedEnvelope struct {
	Topic      string          `json:"topic"`
	Event      string          `json:"event"`
	Ref        string          `json:"ref,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Relay publishes envelopes seen by a channel to a backend channel
type Relay struct {
	ps      PubSub
	channel string
	timeout time.Duration
	now     func() time.Time
}

// NewRelay creates a relay publishing to channel, or DefaultChannel when empty
func NewRelay(ps PubSub, channel string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		ps:      ps,
		channel: channel,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Channel returns the backend channel the relay publishes to
func (r *Relay) Channel() string {
	return r.channel
}

// Publish encodes env and publishes it
func (r *Relay) Publish(ctx context.Context, env realtime.Envelope) error {
	wire, err := realtime.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	var frame struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(wire, &frame); err != nil {
		return fmt.Errorf("failed to extract payload: %w", err)
	}

	data, err := json.Marshal(RelayedEnvelope{
		Topic:      env.Topic,
		Event:      string(env.Event),
		Ref:        env.Ref,
		Payload:    frame.Payload,
		ReceivedAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode relayed envelope: %w", err)
	}

	return r.ps.Publish(ctx, r.channel, data)
}

// Callback adapts the relay to a channel message tap. Publish failures are
// logged and never reach the dispatch loop.
func (r *Relay) Callback() realtime.MessageCallback {
	return func(env realtime.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.Publish(ctx, env); err != nil {
			log.Warn().Err(err).
				Str("topic", env.Topic).
				Str("event", string(env.Event)).
				Str("relay_channel", r.channel).
				Msg("Failed to relay envelope")
		}
	}
}

// DecodeRelayed parses a message published by a Relay
func DecodeRelayed(msg Message) (RelayedEnvelope, error) {
	var env RelayedEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return RelayedEnvelope{}, fmt.Errorf("failed to decode relayed envelope: %w", err)
	}
	return env, nil
}
