package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// localSubscriber is one in-process subscription
type localSubscriber struct {
	ch     chan Message
	closed bool
	mu     sync.Mutex
}

// deliver returns false when the subscriber is closed or its buffer is full
func (s *localSubscriber) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *localSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LocalPubSub delivers relayed envelopes within the current process.
type LocalPubSub struct {
	subscribers map[string]map[*localSubscriber]struct{}
	mu          sync.RWMutex
}

// NewLocalPubSub creates a new local pub/sub.
func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{
		subscribers: make(map[string]map[*localSubscriber]struct{}),
	}
}

// Publish delivers a message to every local subscriber of a channel.
func (l *LocalPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	subs := make([]*localSubscriber, 0, len(l.subscribers[channel]))
	for sub := range l.subscribers[channel] {
		subs = append(subs, sub)
	}
	l.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		if !sub.deliver(msg) {
			log.Warn().Str("channel", channel).Msg("Relay subscriber full, dropping message")
		}
	}
	return nil
}

// Subscribe registers a subscription that ends when ctx is cancelled.
func (l *LocalPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := &localSubscriber{ch: make(chan Message, subscriberBuffer)}

	l.mu.Lock()
	if l.subscribers[channel] == nil {
		l.subscribers[channel] = make(map[*localSubscriber]struct{})
	}
	l.subscribers[channel][sub] = struct{}{}
	l.mu.Unlock()

	context.AfterFunc(ctx, func() { l.unsubscribe(channel, sub) })
	return sub.ch, nil
}

func (l *LocalPubSub) unsubscribe(channel string, sub *localSubscriber) {
	l.mu.Lock()
	delete(l.subscribers[channel], sub)
	if len(l.subscribers[channel]) == 0 {
		delete(l.subscribers, channel)
	}
	l.mu.Unlock()

	sub.close()
}

// Subscribers returns the number of live subscriptions on a channel.
func (l *LocalPubSub) Subscribers(channel string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subscribers[channel])
}

// Close closes every subscription.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	all := l.subscribers
	l.subscribers = make(map[string]map[*localSubscriber]struct{})
	l.mu.Unlock()

	for _, subs := range all {
		for sub := range subs {
			sub.close()
		}
	}
	return nil
}
