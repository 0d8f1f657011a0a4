package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// maxNotifyPayload is the PostgreSQL NOTIFY payload limit
const maxNotifyPayload = 8000

// PostgresPubSub relays envelopes through PostgreSQL LISTEN/NOTIFY.
//
// A single pooled connection listens for every subscribed channel. Payloads
// larger than 8000 bytes are rejected.
type PostgresPubSub struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	listeners map[string][]chan Message
	ready     map[string]chan struct{}
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewPostgresPubSub creates a pub/sub on an existing pool. The caller keeps
// ownership of the pool.
func NewPostgresPubSub(pool *pgxpool.Pool) *PostgresPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresPubSub{
		pool:      pool,
		listeners: make(map[string][]chan Message),
		ready:     make(map[string]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *PostgresPubSub) start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.listenLoop()
		log.Info().Msg("PostgreSQL relay listener started")
	})
}

// listenLoop holds one connection, LISTENs on every subscribed channel and
// fans notifications out. It reacquires a connection after errors.
func (p *PostgresPubSub) listenLoop() {
	defer p.wg.Done()

	for p.ctx.Err() == nil {
		conn, err := p.pool.Acquire(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to acquire connection for relay LISTEN")
			p.sleep(time.Second)
			continue
		}

		if err := p.serve(conn.Conn()); err != nil && p.ctx.Err() == nil {
			log.Error().Err(err).Msg("Relay LISTEN connection failed, reconnecting")
		}
		conn.Release()
		p.sleep(time.Second)
	}
}

func (p *PostgresPubSub) serve(conn *pgx.Conn) error {
	listening := make(map[string]bool)

	for {
		if err := p.listenPending(conn, listening); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(p.ctx, 500*time.Millisecond)
		notification, err := conn.WaitForNotification(ctx)
		cancel()

		if err != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}

		p.deliver(Message{
			Channel: unsanitizeChannelName(notification.Channel),
			Payload: []byte(notification.Payload),
		})
	}
}

// listenPending issues LISTEN for channels subscribed since the last pass
func (p *PostgresPubSub) listenPending(conn *pgx.Conn, listening map[string]bool) error {
	p.mu.RLock()
	pending := make([]string, 0)
	for channel := range p.listeners {
		if !listening[channel] {
			pending = append(pending, channel)
		}
	}
	p.mu.RUnlock()

	for _, channel := range pending {
		ident := pgx.Identifier{sanitizeChannelName(channel)}.Sanitize()
		if _, err := conn.Exec(p.ctx, "LISTEN "+ident); err != nil {
			return fmt.Errorf("failed to LISTEN on %s: %w", channel, err)
		}
		listening[channel] = true

		p.mu.Lock()
		if ready, ok := p.ready[channel]; ok {
			close(ready)
			delete(p.ready, channel)
		}
		p.mu.Unlock()
		log.Debug().Str("channel", channel).Msg("Listening for relay notifications")
	}
	return nil
}

func (p *PostgresPubSub) deliver(msg Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.listeners[msg.Channel] {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("channel", msg.Channel).Msg("Relay subscriber full, dropping message")
		}
	}
}

func (p *PostgresPubSub) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}

// Publish sends a message to all subscribers of a channel.
func (p *PostgresPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("payload too large for PostgreSQL NOTIFY: %d bytes (max %d)", len(payload), maxNotifyPayload)
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", sanitizeChannelName(channel), string(payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe returns once the listener connection is LISTENing on channel.
func (p *PostgresPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)

	p.mu.Lock()
	_, known := p.listeners[channel]
	p.listeners[channel] = append(p.listeners[channel], ch)
	var ready chan struct{}
	if !known {
		ready = make(chan struct{})
		p.ready[channel] = ready
	} else if r, ok := p.ready[channel]; ok {
		ready = r
	}
	p.mu.Unlock()

	p.start()

	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			p.unsubscribe(channel, ch)
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, fmt.Errorf("postgres relay is closed")
		}
	}

	context.AfterFunc(ctx, func() { p.unsubscribe(channel, ch) })
	return ch, nil
}

func (p *PostgresPubSub) unsubscribe(channel string, ch chan Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.listeners[channel]
	for i, sub := range subs {
		if sub == ch {
			p.listeners[channel] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close stops the listener and closes every subscription.
func (p *PostgresPubSub) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for _, subs := range p.listeners {
			for _, ch := range subs {
				close(ch)
			}
		}
		p.listeners = make(map[string][]chan Message)
		p.mu.Unlock()

		if p.ownsPool {
			p.pool.Close()
		}
		log.Info().Msg("PostgreSQL relay backend closed")
	})
	return nil
}

// sanitizeChannelName maps colons, which are awkward in LISTEN identifiers,
// to double underscores
func sanitizeChannelName(channel string) string {
	return strings.ReplaceAll(channel, ":", "__")
}

func unsanitizeChannelName(pgChannel string) string {
	return strings.ReplaceAll(pgChannel, "__", ":")
}
