package realtime

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ChannelHandle is the caller's reference to a registered channel. It carries
// the channel's control queue so structural commands can be issued without
// touching the channel directly. The zero value resolves to no channel.
type ChannelHandle struct {
	id      uuid.UUID
	topic   string
	control *mailbox[ControlMessage]
}

// ID returns the id of the channel the handle refers to
func (h ChannelHandle) ID() string {
	return h.id.String()
}

// Topic returns the topic of the channel the handle refers to
func (h ChannelHandle) Topic() string {
	return h.topic
}

// Send queues a control message for the channel's control loop
func (h ChannelHandle) Send(msg ControlMessage) error {
	if h.control == nil || !h.control.push(msg) {
		return ErrNoChannel
	}
	return nil
}

// Subscribe asks the channel to join
func (h ChannelHandle) Subscribe() error {
	return h.Send(ControlSubscribe{})
}

// Unsubscribe asks the channel to leave
func (h ChannelHandle) Unsubscribe() error {
	return h.Send(ControlUnsubscribe{})
}

// Broadcast asks the channel to send a broadcast
func (h ChannelHandle) Broadcast(event string, payload map[string]interface{}) error {
	return h.Send(ControlBroadcast{Event: event, Payload: payload})
}

// SetSender replaces the channel's outbound sender
func (h ChannelHandle) SetSender(sender *Sender) error {
	return h.Send(ControlSetSender{Sender: sender})
}

var errBuilderUsed = errors.New("realtime: channel builder already built")

type pendingCDC struct {
	event  PostgresChangesEvent
	filter PostgresChangeFilter
	cb     PostgresChangeCallback
}

type pendingPresence struct {
	event PresenceEvent
	cb    PresenceCallback
}

type pendingBroadcast struct {
	event string
	cb    BroadcastCallback
}

// ChannelBuilder assembles a channel's configuration and callbacks before it
// is registered on the client. Once Build has been called the builder can no
// longer be changed.
type ChannelBuilder struct {
	client *Client
	topic  string
	join   JoinConfig

	cdc        []pendingCDC
	presence   []pendingPresence
	broadcasts []pendingBroadcast
	onError    []ErrorCallback
	onMessage  []MessageCallback

	err   error
	built bool
}

func newChannelBuilder(client *Client, topic string) *ChannelBuilder {
	return &ChannelBuilder{
		client: client,
		topic:  topic,
	}
}

// Topic overrides the topic passed to Client.Channel
func (b *ChannelBuilder) Topic(topic string) *ChannelBuilder {
	if b.built {
		return b
	}
	b.topic = topic
	return b
}

// Broadcast sets the broadcast config sent with the join request
func (b *ChannelBuilder) Broadcast(cfg BroadcastConfig) *ChannelBuilder {
	if b.built {
		return b
	}
	b.join.Broadcast = cfg
	return b
}

// Presence sets the presence config sent with the join request
func (b *ChannelBuilder) Presence(cfg PresenceConfig) *ChannelBuilder {
	if b.built {
		return b
	}
	b.join.Presence = cfg
	return b
}

// OnPostgresChange subscribes to CDC notifications and registers the callback
// that receives those accepted by filter. An invalid filter expression is
// reported by Build.
func (b *ChannelBuilder) OnPostgresChange(event PostgresChangesEvent, filter PostgresChangeFilter, cb PostgresChangeCallback) *ChannelBuilder {
	if b.built {
		return b
	}
	if _, err := filter.Compile(); err != nil && b.err == nil {
		b.err = fmt.Errorf("invalid postgres_changes filter for %s.%s: %w", filter.Schema, filter.Table, err)
	}

	b.join.PostgresChanges = append(b.join.PostgresChanges, PostgresChange{
		Event:  event,
		Schema: filter.Schema,
		Table:  filter.Table,
		Filter: filter.Filter,
	})
	b.cdc = append(b.cdc, pendingCDC{event: event, filter: filter, cb: cb})
	return b
}

// OnPresence registers a presence callback
func (b *ChannelBuilder) OnPresence(event PresenceEvent, cb PresenceCallback) *ChannelBuilder {
	if b.built {
		return b
	}
	b.presence = append(b.presence, pendingPresence{event: event, cb: cb})
	return b
}

// OnBroadcast registers a callback for broadcasts with the given event name
func (b *ChannelBuilder) OnBroadcast(event string, cb BroadcastCallback) *ChannelBuilder {
	if b.built {
		return b
	}
	b.broadcasts = append(b.broadcasts, pendingBroadcast{event: event, cb: cb})
	return b
}

// OnError registers a callback for channel failures
func (b *ChannelBuilder) OnError(cb ErrorCallback) *ChannelBuilder {
	if b.built {
		return b
	}
	b.onError = append(b.onError, cb)
	return b
}

// OnMessage registers a callback that sees every decoded envelope before
// it is dispatched
func (b *ChannelBuilder) OnMessage(cb MessageCallback) *ChannelBuilder {
	if b.built {
		return b
	}
	b.onMessage = append(b.onMessage, cb)
	return b
}

// Build constructs the channel, registers it on the client and starts its
// loops. The channel starts Closed; call Subscribe to join.
func (b *ChannelBuilder) Build() (ChannelHandle, error) {
	if b.built {
		return ChannelHandle{}, errBuilderUsed
	}
	if b.err != nil {
		return ChannelHandle{}, b.err
	}
	if b.topic == "" {
		return ChannelHandle{}, fmt.Errorf("realtime: channel topic is required")
	}
	b.built = true

	join := JoinPayload{Config: b.join}
	if join.Config.PostgresChanges == nil {
		join.Config.PostgresChanges = []PostgresChange{}
	}

	ch := newChannel(uuid.New(), b.topic, join, nil)
	ch.errorCallbacks = append([]ErrorCallback(nil), b.onError...)
	ch.messageCallbacks = append([]MessageCallback(nil), b.onMessage...)

	for _, p := range b.cdc {
		if err := ch.OnPostgresChange(p.event, p.filter, p.cb); err != nil {
			return ChannelHandle{}, err
		}
	}
	for _, p := range b.presence {
		ch.OnPresence(p.event, p.cb)
	}
	for _, p := range b.broadcasts {
		ch.OnBroadcast(p.event, p.cb)
	}

	return b.client.AddChannel(ch), nil
}
