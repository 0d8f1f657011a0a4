package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fluxbase-eu/realtime-go/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChannelState is the join state of a channel
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelLeaving ChannelState = "leaving"
	ChannelErrored ChannelState = "errored"
)

func (s ChannelState) String() string { return string(s) }

// BroadcastCallback receives the field map of a broadcast
type BroadcastCallback func(payload map[string]interface{})

// PostgresChangeCallback receives a CDC notification that passed its filter
type PostgresChangeCallback func(payload *PostgresChangesPayload)

// ErrorCallback receives join failures, server channel errors, recovered
// callback panics and decode failures
type ErrorCallback func(err error)

// MessageCallback receives every decoded envelope before it is dispatched
type MessageCallback func(env Envelope)

type cdcCallback struct {
	filter  PostgresChangeFilter
	matcher *ChangeMatcher
	fn      PostgresChangeCallback
}

// connectionStatus lets a channel refuse to join while the client is not open
type connectionStatus interface {
	Status() ConnectionState
}

// Channel is one topic multiplexed over the client's connection.
//
// Each channel runs two goroutines: a dispatch loop that decodes and
// dispatches inbound frames strictly in arrival order, and a control loop
// that serializes structural commands. State, CDC callbacks and broadcast
// callbacks each have their own lock; no lock is held while a callback runs.
type Channel struct {
	id    uuid.UUID
	topic string

	state   ChannelState
	stateMu sync.Mutex

	join   JoinPayload
	joinMu sync.Mutex

	cdcCallbacks map[PostgresChangesEvent][]cdcCallback
	cdcMu        sync.Mutex

	broadcastCallbacks map[string][]BroadcastCallback
	broadcastMu        sync.Mutex

	// fixed at build time
	errorCallbacks   []ErrorCallback
	messageCallbacks []MessageCallback

	presence *Presence

	sender   *Sender
	senderMu sync.RWMutex

	conn connectionStatus

	inbound *mailbox[[]byte]
	control *mailbox[ControlMessage]

	// only touched by the dispatch loop
	decodeFailing bool
	spanCtx       context.Context

	metrics *observability.Metrics
	tracer  trace.Tracer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func newChannel(id uuid.UUID, topic string, join JoinPayload, sender *Sender) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		id:                 id,
		topic:              topic,
		state:              ChannelClosed,
		join:               join,
		cdcCallbacks:       make(map[PostgresChangesEvent][]cdcCallback),
		broadcastCallbacks: make(map[string][]BroadcastCallback),
		presence:           NewPresence(),
		sender:             sender,
		inbound:            newMailbox[[]byte](),
		control:            newMailbox[ControlMessage](),
		ctx:                ctx,
		cancel:             cancel,
		spanCtx:            ctx,
	}
	ch.presence.call = ch.safeCall
	return ch
}

// ID returns the channel's unique id, also used as its join ref
func (ch *Channel) ID() string {
	return ch.id.String()
}

// Topic returns the channel topic
func (ch *Channel) Topic() string {
	return ch.topic
}

// Status returns the channel's join state
func (ch *Channel) Status() ChannelState {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	return ch.state
}

func (ch *Channel) setState(state ChannelState) ChannelState {
	ch.stateMu.Lock()
	prev := ch.state
	ch.state = state
	ch.stateMu.Unlock()

	if prev != state {
		log.Debug().
			Str("topic", ch.topic).
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("Channel state changed")
	}
	return prev
}

// transition moves from one state to another and reports whether it did
func (ch *Channel) transition(from, to ChannelState) bool {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	if ch.state != from {
		return false
	}
	ch.state = to
	return true
}

// PresenceState returns a snapshot of the channel's presence view
func (ch *Channel) PresenceState() PresenceState {
	return ch.presence.State()
}

// JoinPayload returns a copy of the payload sent with the join request
func (ch *Channel) JoinPayload() JoinPayload {
	ch.joinMu.Lock()
	defer ch.joinMu.Unlock()
	join := ch.join
	join.Config.PostgresChanges = append([]PostgresChange(nil), ch.join.Config.PostgresChanges...)
	return join
}

// OnBroadcast registers a callback for broadcasts with the given event name
func (ch *Channel) OnBroadcast(event string, cb BroadcastCallback) {
	ch.broadcastMu.Lock()
	defer ch.broadcastMu.Unlock()
	ch.broadcastCallbacks[event] = append(ch.broadcastCallbacks[event], cb)
}

// OnPostgresChange registers a CDC callback. The filter is only evaluated
// here; the descriptor sent to the server is fixed when the channel is built.
func (ch *Channel) OnPostgresChange(event PostgresChangesEvent, filter PostgresChangeFilter, cb PostgresChangeCallback) error {
	matcher, err := filter.Compile()
	if err != nil {
		return err
	}

	ch.cdcMu.Lock()
	defer ch.cdcMu.Unlock()
	ch.cdcCallbacks[event] = append(ch.cdcCallbacks[event], cdcCallback{
		filter:  filter,
		matcher: matcher,
		fn:      cb,
	})
	return nil
}

// OnPresence registers a presence callback
func (ch *Channel) OnPresence(event PresenceEvent, cb PresenceCallback) {
	ch.presence.On(event, cb)
}

// Subscribe sends the join request. The state becomes Joining before the
// send so a fast reply cannot be missed. Calling it while Joining or Joined
// sends another join; avoiding duplicates is up to the caller.
func (ch *Channel) Subscribe() error {
	if ch.conn != nil && ch.conn.Status() != ConnectionOpen {
		return ErrNotConnected
	}

	join := ch.JoinPayload()
	ch.setState(ChannelJoining)

	err := ch.Send(Envelope{
		Event:   EventJoin,
		Payload: join,
		Ref:     ch.ID(),
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", ch.topic).Msg("Failed to send join request")
		return err
	}

	log.Info().Str("topic", ch.topic).Str("channel_id", ch.ID()).Msg("Joining channel")
	return nil
}

// Unsubscribe sends a leave request. It is a no-op returning the current
// state when the channel is already Closed or Leaving. A refusal caused by
// the channel's own state is not escalated; the observed state is returned.
func (ch *Channel) Unsubscribe() (ChannelState, error) {
	state := ch.Status()
	if state == ChannelClosed || state == ChannelLeaving {
		return state, nil
	}

	err := ch.Send(Envelope{
		Event:   EventLeave,
		Payload: EmptyPayload{},
		Ref:     ch.leaveRef(),
	})
	if err != nil {
		var stateErr *ChannelStateError
		if errors.As(err, &stateErr) {
			return stateErr.State, nil
		}
		return state, err
	}

	state = ch.markLeaving()
	if state == ChannelLeaving {
		log.Info().Str("topic", ch.topic).Msg("Leaving channel")
	}
	return state, nil
}

// markLeaving moves the channel to Leaving unless a server close already
// ended it while the leave request was being queued
func (ch *Channel) markLeaving() ChannelState {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	if ch.state != ChannelClosed {
		ch.state = ChannelLeaving
	}
	return ch.state
}

func (ch *Channel) leaveRef() string {
	return ch.ID() + leaveRefSuffix
}

// closedBy reports whether a phx_close carrying ref ends this channel. A
// close correlated to a sibling's leave request on the same topic does not.
func (ch *Channel) closedBy(ref string) bool {
	if !strings.HasSuffix(ref, leaveRefSuffix) {
		return true
	}
	return ref == ch.leaveRef()
}

// Track publishes presence fields for this client. It does not wait for an
// acknowledgement and returns the channel for chaining.
func (ch *Channel) Track(fields map[string]interface{}) *Channel {
	err := ch.Send(Envelope{
		Event:   EventPresence,
		Payload: NewPresenceTrackPayload(fields),
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", ch.topic).Msg("Failed to send presence track")
	}
	return ch
}

// Untrack stops publishing presence for this client
func (ch *Channel) Untrack() {
	err := ch.Send(Envelope{
		Event:   EventPresence,
		Payload: UntrackPayload{},
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", ch.topic).Msg("Failed to send presence untrack")
	}
}

// Broadcast sends an application-defined message to the other clients on
// the channel
func (ch *Channel) Broadcast(event string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return ch.Send(Envelope{
		Event: EventBroadcast,
		Payload: BroadcastPayload{
			Type:    "broadcast",
			Event:   event,
			Payload: payload,
		},
	})
}

// Send forwards an envelope to the outbound sender. The topic is always
// replaced with the channel's own. Sending while Leaving is refused.
func (ch *Channel) Send(env Envelope) error {
	env.Topic = ch.topic

	if state := ch.Status(); state == ChannelLeaving {
		return &ChannelStateError{State: state}
	}

	ch.senderMu.RLock()
	sender := ch.sender
	ch.senderMu.RUnlock()

	if err := sender.Send(env); err != nil {
		if ch.metrics != nil {
			ch.metrics.RecordSendError("queue_closed")
		}
		return &SendError{Err: err}
	}
	return nil
}

// SetAuth stores a new access token for future joins and, when joined,
// pushes it to the server
func (ch *Channel) SetAuth(token string) error {
	ch.joinMu.Lock()
	ch.join.AccessToken = token
	ch.joinMu.Unlock()

	if ch.Status() != ChannelJoined {
		return nil
	}

	return ch.Send(Envelope{
		Event:   EventAccessToken,
		Payload: AccessTokenPayload{AccessToken: token},
	})
}

func (ch *Channel) setSender(sender *Sender) {
	ch.senderMu.Lock()
	ch.sender = sender
	ch.senderMu.Unlock()
}

// push queues a raw inbound frame for the dispatch loop
func (ch *Channel) push(frame []byte) bool {
	return ch.inbound.push(frame)
}

// start launches the dispatch and control loops
func (ch *Channel) start() {
	ch.startOnce.Do(func() {
		ch.wg.Add(2)
		go ch.runDispatch()
		go ch.runController()
	})
}

// stop ends both loops. Frames already queued are dropped.
func (ch *Channel) stop() {
	ch.stopOnce.Do(func() {
		ch.cancel()
		ch.inbound.close()
		ch.control.close()
	})
}

// wait blocks until both loops have exited
func (ch *Channel) wait() {
	ch.wg.Wait()
}

func (ch *Channel) runDispatch() {
	defer ch.wg.Done()
	for {
		frame, ok := ch.inbound.pop(ch.ctx)
		if !ok {
			return
		}
		ch.dispatch(frame)
	}
}

func (ch *Channel) runController() {
	defer ch.wg.Done()
	for {
		msg, ok := ch.control.pop(ch.ctx)
		if !ok {
			return
		}

		switch m := msg.(type) {
		case ControlSubscribe:
			if err := ch.Subscribe(); err != nil {
				log.Warn().Err(err).Str("topic", ch.topic).Msg("Control subscribe failed")
			}
		case ControlUnsubscribe:
			if _, err := ch.Unsubscribe(); err != nil {
				log.Warn().Err(err).Str("topic", ch.topic).Msg("Control unsubscribe failed")
			}
		case ControlBroadcast:
			if err := ch.Broadcast(m.Event, m.Payload); err != nil {
				log.Warn().Err(err).Str("topic", ch.topic).Str("event", m.Event).Msg("Control broadcast failed")
			}
		case ControlSetSender:
			ch.setSender(m.Sender)
			log.Debug().Str("topic", ch.topic).Msg("Outbound sender replaced")
		}
	}
}

// dispatch decodes one frame and runs the callbacks it selects
func (ch *Channel) dispatch(frame []byte) {
	start := time.Now()

	env, err := DecodeEnvelope(frame)
	if err != nil {
		ch.reportDecodeError(err)
		return
	}
	ch.decodeFailing = false

	spanCtx, span := observability.StartDispatchSpan(ch.ctx, ch.tracer, ch.topic, string(env.Event))
	ch.spanCtx = spanCtx
	defer func() {
		ch.spanCtx = ch.ctx
		span.End()
	}()
	observability.SetSpanAttributes(spanCtx,
		attribute.String("realtime.channel_id", ch.ID()),
		attribute.String("realtime.payload", string(env.Payload.Kind())),
	)

	for _, cb := range ch.messageCallbacks {
		cb := cb
		ch.safeCall("message", func() { cb(env) })
	}

	switch p := env.Payload.(type) {
	case BroadcastPayload:
		ch.dispatchBroadcast(p)

	case PostgresChangesPayload:
		ch.dispatchPostgresChange(&p)

	case ResponsePayload:
		ch.handleResponse(env.Ref, p)

	case PresenceStatePayload:
		ch.presence.Sync(p.State)

	case PresenceDiffPayload:
		ch.presence.SyncDiff(p.Joins, p.Leaves)

	case SystemPayload:
		log.Debug().
			Str("topic", ch.topic).
			Str("status", p.Status).
			Str("extension", p.Extension).
			Str("message", p.Message).
			Msg("System message")

	default:
		switch env.Event {
		case EventClose:
			if !ch.closedBy(env.Ref) {
				log.Debug().Str("topic", ch.topic).Str("ref", env.Ref).Msg("Close for another channel ignored")
				break
			}
			ch.handleClose()
		case EventError:
			ch.handleServerError()
		default:
			log.Warn().
				Str("topic", ch.topic).
				Str("event", string(env.Event)).
				Str("payload", string(env.Payload.Kind())).
				Str("trace_id", observability.ExtractTraceID(spanCtx)).
				Msg("Unmatched payload dropped")
			if ch.metrics != nil {
				ch.metrics.RecordDispatchError("unmatched")
			}
		}
	}

	if ch.metrics != nil {
		ch.metrics.ObserveDispatch(string(env.Payload.Kind()), time.Since(start))
	}
}

func (ch *Channel) dispatchBroadcast(p BroadcastPayload) {
	ch.broadcastMu.Lock()
	cbs := append([]BroadcastCallback(nil), ch.broadcastCallbacks[p.Event]...)
	ch.broadcastMu.Unlock()

	for _, cb := range cbs {
		cb := cb
		ch.safeCall("broadcast", func() { cb(p.Payload) })
	}
}

// dispatchPostgresChange runs callbacks registered for the change's own type
// and then those registered for all events. A callback registered under
// both keys can fire twice for one change.
func (ch *Channel) dispatchPostgresChange(p *PostgresChangesPayload) {
	ch.cdcMu.Lock()
	specific := append([]cdcCallback(nil), ch.cdcCallbacks[p.Data.Type]...)
	var all []cdcCallback
	if p.Data.Type != PostgresChangesAll {
		all = append(all, ch.cdcCallbacks[PostgresChangesAll]...)
	}
	ch.cdcMu.Unlock()

	for _, group := range [][]cdcCallback{specific, all} {
		for _, cb := range group {
			if !cb.matcher.Matches(&p.Data) {
				continue
			}
			fn := cb.fn
			ch.safeCall("postgres_changes", func() { fn(p) })
		}
	}
}

// handleResponse completes a pending join. Replies correlated to anything
// other than this channel's id, such as its own leave request, are ignored.
func (ch *Channel) handleResponse(ref string, p ResponsePayload) {
	if ref != ch.ID() {
		log.Debug().
			Str("topic", ch.topic).
			Str("ref", ref).
			Msg("Reply for another request discarded")
		return
	}

	if p.Status == StatusOK {
		if ch.transition(ChannelJoining, ChannelJoined) {
			log.Info().Str("topic", ch.topic).Str("channel_id", ch.ID()).Msg("Channel joined")
		}
		return
	}

	joinErr := &JoinError{Topic: ch.topic, Status: p.Status, Response: p.Response}
	if ch.transition(ChannelJoining, ChannelErrored) {
		log.Error().Err(joinErr).Str("topic", ch.topic).Msg("Channel join rejected")
	}
	ch.reportError(joinErr)
}

// handleClose marks the channel closed and ends its loops. The client has
// already removed it from the registry.
func (ch *Channel) handleClose() {
	ch.setState(ChannelClosed)
	log.Info().Str("topic", ch.topic).Msg("Channel closed by server")
	ch.stop()
}

func (ch *Channel) handleServerError() {
	ch.setState(ChannelErrored)
	err := &ServerError{Topic: ch.topic}
	log.Error().Err(err).Str("topic", ch.topic).Msg("Channel errored")
	ch.reportError(err)
}

// reportDecodeError surfaces the first failure of a streak; repeats are
// only counted until a frame decodes again
func (ch *Channel) reportDecodeError(err error) {
	if ch.metrics != nil {
		ch.metrics.RecordDispatchError("decode")
	}
	if ch.decodeFailing {
		log.Debug().Err(err).Str("topic", ch.topic).Msg("Frame decode failed again")
		return
	}
	ch.decodeFailing = true
	log.Error().Err(err).Str("topic", ch.topic).Msg("Failed to decode frame")
	ch.reportError(err)
}

func (ch *Channel) reportError(err error) {
	observability.RecordError(ch.spanCtx, err)
	for _, cb := range ch.errorCallbacks {
		cb := cb
		ch.safeCall("error", func() { cb(err) })
	}
}

// safeCall runs a callback, containing any panic so the remaining callbacks
// and later frames are still processed
func (ch *Channel) safeCall(name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error().
			Str("topic", ch.topic).
			Str("callback", name).
			Interface("panic", r).
			Msg("Channel callback panicked")
		if ch.metrics != nil {
			ch.metrics.RecordCallbackPanic(name)
		}
		observability.AddSpanEvent(ch.spanCtx, "callback.panic", attribute.String("callback", name))
		if name != "error" {
			ch.reportError(&CallbackPanicError{Callback: name, Value: r})
		}
	}()
	fn()
}
