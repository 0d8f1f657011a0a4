// Package pubsub republishes realtime envelopes received by a client to other
// processes over a local, Redis or PostgreSQL backend.
package pubsub

import (
	"context"
)

// Message represents a pub/sub message
type Message struct {
	// Channel is the backend channel the message was published to
	Channel string `json:"channel"`

	// Payload is the message content
	Payload []byte `json:"payload"`
}

// PubSub is the interface for relay backends.
// Implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel that receives messages published to the given channel.
	// The returned channel is closed when the context is cancelled or Close is called.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases all resources and closes all subscriptions.
	Close() error
}

// DefaultChannel is the backend channel relayed envelopes are published to
const DefaultChannel = "realtime:events"

// subscriberBuffer bounds each subscription; slow subscribers drop messages
const subscriberBuffer = 256
