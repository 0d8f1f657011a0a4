package realtime

import "sync/atomic"

// Sender is the shared outbound queue the client multiplexes onto its
// transport. It is safe for concurrent use; channels and control loops hold
// the same *Sender and enqueue without further locking.
type Sender struct {
	queue *mailbox[Envelope]
	// unwritten counts envelopes accepted but not yet handed to the transport
	unwritten atomic.Int64
}

// NewSender creates an open outbound queue
func NewSender() *Sender {
	return &Sender{queue: newMailbox[Envelope]()}
}

// Send enqueues an envelope without waiting for the transport
func (s *Sender) Send(env Envelope) error {
	if s == nil {
		return ErrSenderClosed
	}
	s.unwritten.Add(1)
	if !s.queue.push(env) {
		s.unwritten.Add(-1)
		return ErrSenderClosed
	}
	return nil
}

// written marks one popped envelope as finished, whether or not the write
// succeeded
func (s *Sender) written() {
	s.unwritten.Add(-1)
}

// Unwritten reports envelopes queued or currently being written
func (s *Sender) Unwritten() int {
	return int(s.unwritten.Load())
}

// Pending reports the number of envelopes waiting to be written
func (s *Sender) Pending() int {
	return s.queue.len()
}

// Close stops accepting envelopes. Already queued envelopes may still be
// drained by the writer.
func (s *Sender) Close() {
	s.queue.close()
}

// ControlMessage is a structural command processed by a channel's control
// loop, one at a time and in arrival order
type ControlMessage interface {
	controlMessage()
}

// ControlSubscribe asks the channel to send its join request
type ControlSubscribe struct{}

// ControlUnsubscribe asks the channel to leave
type ControlUnsubscribe struct{}

// ControlBroadcast asks the channel to send a broadcast
type ControlBroadcast struct {
	Event   string
	Payload map[string]interface{}
}

// ControlSetSender swaps the channel's outbound sender, e.g. after reconnect
type ControlSetSender struct {
	Sender *Sender
}

func (ControlSubscribe) controlMessage()   {}
func (ControlUnsubscribe) controlMessage() {}
func (ControlBroadcast) controlMessage()   {}
func (ControlSetSender) controlMessage()   {}
