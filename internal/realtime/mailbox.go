package realtime

import (
	"context"
	"sync"
)

// mailbox is an unbounded FIFO queue with a non-blocking push and a blocking
// pop. Producers never wait on consumers, so a slow channel callback cannot
// stall the caller's poll loop or the transport reader.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends an item. Returns false if the mailbox is closed.
func (m *mailbox[T]) push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the oldest item without waiting.
func (m *mailbox[T]) tryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	item := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	return item, true
}

// pop waits for the next item. It returns false once the mailbox is closed
// and drained, or when ctx is done.
func (m *mailbox[T]) pop(ctx context.Context) (T, bool) {
	for {
		if item, ok := m.tryPop(); ok {
			return item, true
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()

		var zero T
		if closed {
			return zero, false
		}

		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// len reports the number of queued items.
func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// close stops accepting new items. Queued items can still be popped.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

func (m *mailbox[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
