package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub relays envelopes through Redis pub/sub. Any server speaking the
// Redis protocol works (Redis, Dragonfly, Valkey, KeyDB).
//
// Messages are not persisted; only live subscribers receive them.
type RedisPubSub struct {
	client *redis.Client
	subs   map[*redis.PubSub]struct{}
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisPubSub connects to url, formatted redis://[password@]host:port[/db].
func NewRedisPubSub(ctx context.Context, url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis relay backend")

	runCtx, cancel := context.WithCancel(context.Background())
	return &RedisPubSub{
		client: client,
		subs:   make(map[*redis.PubSub]struct{}),
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

// Publish sends a message to all subscribers of a channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives messages published to the given channel.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := r.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so no publish is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	out := make(chan Message, subscriberBuffer)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
			_ = sub.Close()
		}()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					log.Warn().Str("channel", channel).Msg("Relay subscriber full, dropping message")
				}
			}
		}
	}()

	return out, nil
}

// Close ends every subscription and closes the client.
func (r *RedisPubSub) Close() error {
	r.cancel()
	r.wg.Wait()

	err := r.client.Close()
	log.Info().Msg("Redis relay backend closed")
	return err
}
