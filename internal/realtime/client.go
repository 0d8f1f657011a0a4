package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxbase-eu/realtime-go/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ConnectionState is the state of the client's transport
type ConnectionState int

const (
	ConnectionClosed ConnectionState = iota
	ConnectionConnecting
	ConnectionOpen
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	// DefaultHeartbeatInterval is the heartbeat period used when none is set
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultEventsPerSecond is the outbound rate used by the CLI config
	DefaultEventsPerSecond = 10

	websocketPath   = "/realtime/v1/websocket"
	protocolVersion = "1.0.0"
	clientInfo      = "realtime-go"
)

// Options configures a Client
type Options struct {
	// URL of the realtime server, http(s) or ws(s). A bare host path gets
	// the default websocket path appended.
	URL         string
	APIKey      string
	AccessToken string

	// HeartbeatInterval defaults to 30s; negative disables heartbeats
	HeartbeatInterval time.Duration
	// EventsPerSecond throttles outbound writes; 0 disables throttling
	EventsPerSecond float64

	// Params are extra query parameters sent on connect
	Params map[string]string

	Dialer  Dialer
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

type inboundFrame struct {
	data []byte
	err  error
}

// connection is one established transport with its loops
type connection struct {
	transport Transport
	sender    *Sender
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Client owns the transport and the channel registry. The caller drives
// inbound processing by polling NextMessage, which never blocks.
type Client struct {
	opts Options

	status   ConnectionState
	statusMu sync.RWMutex

	channels   map[uuid.UUID]*Channel
	channelsMu sync.RWMutex

	// sender is shared by every channel until the next reconnect
	sender   *Sender
	senderMu sync.RWMutex

	conn   *connection
	connMu sync.Mutex

	accessToken string
	tokenMu     sync.RWMutex

	inbound      *mailbox[inboundFrame]
	limiter      *rate.Limiter
	heartbeatSeq atomic.Uint64
	closed       atomic.Bool
}

// NewClient creates a disconnected client
func NewClient(opts Options) *Client {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultWebsocketDialer()
	}

	c := &Client{
		opts:        opts,
		status:      ConnectionClosed,
		channels:    make(map[uuid.UUID]*Channel),
		sender:      NewSender(),
		accessToken: opts.AccessToken,
		inbound:     newMailbox[inboundFrame](),
	}
	if opts.EventsPerSecond > 0 {
		burst := int(opts.EventsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.EventsPerSecond), burst)
	}
	return c
}

// Status returns the connection state
func (c *Client) Status() ConnectionState {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Client) setStatus(state ConnectionState) {
	c.statusMu.Lock()
	c.status = state
	c.statusMu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.SetConnectionState(int(state))
	}
}

// Connect establishes the transport. It does not retry; a failed dial leaves
// the client Closed. Connecting again after a disconnect gives every channel
// a fresh outbound sender and rejoins channels that were joining or joined.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil
	}

	endpoint, err := c.endpointURL()
	if err != nil {
		return &TransportError{Err: err}
	}

	c.setStatus(ConnectionConnecting)
	log.Info().Str("url", redactEndpoint(endpoint)).Msg("Connecting to realtime server")

	header := http.Header{}
	header.Set("X-Client-Info", clientInfo)
	if c.opts.APIKey != "" {
		header.Set("apikey", c.opts.APIKey)
	}

	transport, err := c.opts.Dialer.Dial(ctx, endpoint, header)
	if err != nil {
		c.setStatus(ConnectionClosed)
		log.Error().Err(err).Msg("Failed to connect to realtime server")
		return &TransportError{Err: err}
	}

	c.senderMu.Lock()
	reconnect := c.sender.queue.isClosed()
	if reconnect {
		c.sender = NewSender()
	}
	sender := c.sender
	c.senderMu.Unlock()

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		transport: transport,
		sender:    sender,
		cancel:    cancel,
	}
	c.conn = conn

	c.setStatus(ConnectionOpen)

	conn.wg.Add(2)
	go c.readLoop(connCtx, conn)
	go c.writeLoop(connCtx, conn)
	if c.opts.HeartbeatInterval > 0 {
		conn.wg.Add(1)
		go c.heartbeatLoop(connCtx, conn)
	}

	log.Info().Bool("reconnect", reconnect).Msg("Connected to realtime server")

	if reconnect {
		c.rejoin(sender)
	}
	return nil
}

// rejoin hands the new sender to every channel and resubscribes the ones
// that were joining or joined. Both go through the control queue so the
// swap is applied before the join is sent.
func (c *Client) rejoin(sender *Sender) {
	for _, ch := range c.Channels() {
		handle := handleFor(ch)
		if err := handle.SetSender(sender); err != nil {
			continue
		}
		switch ch.Status() {
		case ChannelJoining, ChannelJoined:
			if err := handle.Subscribe(); err != nil {
				log.Warn().Err(err).Str("topic", ch.Topic()).Msg("Failed to queue rejoin")
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *connection) {
	defer conn.wg.Done()
	for {
		data, err := conn.transport.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Realtime transport read failed")
			c.inbound.push(inboundFrame{err: &TransportError{Err: err}})
			c.teardown(conn)
			return
		}
		c.inbound.push(inboundFrame{data: data})
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *connection) {
	defer conn.wg.Done()
	for {
		env, ok := conn.sender.queue.pop(ctx)
		if !ok {
			return
		}
		c.write(ctx, conn, env)
		conn.sender.written()
		if ctx.Err() != nil {
			return
		}
	}
}

// write sends one envelope. A transport failure tears the connection down.
func (c *Client) write(ctx context.Context, conn *connection, env Envelope) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		log.Error().Err(err).Str("topic", env.Topic).Msg("Dropping envelope that failed to encode")
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordSendError("encode")
		}
		return
	}

	if err := conn.transport.Write(ctx, data); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("topic", env.Topic).Str("event", string(env.Event)).Msg("Realtime transport write failed")
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordSendError("transport")
		}
		c.inbound.push(inboundFrame{err: &TransportError{Err: err}})
		c.teardown(conn)
		return
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordMessageSent(string(env.Event))
	}
	log.Debug().Str("topic", env.Topic).Str("event", string(env.Event)).Str("ref", env.Ref).Msg("Envelope sent")
}

// Flush waits until every envelope queued on the current connection has been
// written. Heartbeats queued meanwhile count too.
func (c *Client) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return ErrNotConnected
		}
		if conn.sender.Unwritten() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *connection) {
	defer conn.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.sender.Send(Envelope{
				Topic:   PhoenixTopic,
				Event:   EventHeartbeat,
				Payload: EmptyPayload{},
				Ref:     heartbeatRef(c.heartbeatSeq.Add(1)),
			})
			if err != nil {
				return
			}
		}
	}
}

// teardown stops a connection once. It never waits for the loops, so the
// loops themselves may call it.
func (c *Client) teardown(conn *connection) bool {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return false
	}
	c.conn = nil
	c.connMu.Unlock()

	conn.cancel()
	conn.sender.Close()
	if err := conn.transport.Close(); err != nil {
		log.Debug().Err(err).Msg("Error closing realtime transport")
	}
	c.setStatus(ConnectionClosed)
	log.Info().Msg("Disconnected from realtime server")
	return true
}

// Disconnect closes the transport. Channels stay registered and can be
// rejoined by calling Connect again.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return
	}
	c.teardown(conn)
	conn.wg.Wait()
}

// Close disconnects, stops every channel and rejects further polling
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.Disconnect()

	c.channelsMu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for id, ch := range c.channels {
		channels = append(channels, ch)
		delete(c.channels, id)
	}
	c.channelsMu.Unlock()

	for _, ch := range channels {
		ch.stop()
	}
	for _, ch := range channels {
		ch.wait()
	}

	c.senderMu.RLock()
	c.sender.Close()
	c.senderMu.RUnlock()

	c.inbound.close()
	c.updateChannelGauge()
	return nil
}

// NextMessage processes at most one inbound frame without blocking. It
// returns the topic the frame was routed to, ErrWouldBlock when nothing is
// ready, or the decode or transport error the frame carried. Errors do not
// close the connection.
func (c *Client) NextMessage() (string, error) {
	if c.closed.Load() {
		return "", ErrClientClosed
	}

	frame, ok := c.inbound.tryPop()
	if !ok {
		return "", ErrWouldBlock
	}
	if frame.err != nil {
		return "", frame.err
	}

	header, err := decodeHeader(frame.data)
	if err != nil {
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordDispatchError("decode")
		}
		return "", err
	}

	if header.Topic == PhoenixTopic {
		log.Debug().Str("event", string(header.Event)).Str("ref", header.ref()).Msg("Heartbeat reply")
		return header.Topic, nil
	}

	targets := c.channelsForTopic(header.Topic)
	if len(targets) == 0 {
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordDispatchError("no_channel")
		}
		log.Warn().Str("topic", header.Topic).Str("event", string(header.Event)).Msg("Frame for unknown topic dropped")
		return header.Topic, fmt.Errorf("%w: %s", ErrNoChannel, header.Topic)
	}

	for _, ch := range targets {
		ch.push(frame.data)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordMessageReceived(string(header.Event))
	}

	// the channels finish their own shutdown once they reach the close frame
	if header.Event == EventClose {
		ref := header.ref()
		c.channelsMu.Lock()
		for _, ch := range targets {
			if ch.closedBy(ref) {
				delete(c.channels, ch.id)
			}
		}
		c.channelsMu.Unlock()
		c.updateChannelGauge()
	}

	return header.Topic, nil
}

// BlockUntilSubscribed polls the client until the channel is joined. It
// fails when the channel errors, disappears or ctx ends.
func (c *Client) BlockUntilSubscribed(ctx context.Context, handle ChannelHandle) error {
	for {
		ch, ok := c.GetChannel(handle)
		if !ok {
			return ErrNoChannel
		}
		switch state := ch.Status(); state {
		case ChannelJoined:
			return nil
		case ChannelErrored, ChannelLeaving:
			return &ChannelStateError{State: state}
		}

		_, err := c.NextMessage()
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrNoChannel):
		case errors.Is(err, ErrClientClosed):
			return err
		default:
			var transportErr *TransportError
			if errors.As(err, &transportErr) {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Channel starts building a channel on topic
func (c *Client) Channel(topic string) *ChannelBuilder {
	return newChannelBuilder(c, topic)
}

// AddChannel registers a constructed channel and starts its loops
func (c *Client) AddChannel(ch *Channel) ChannelHandle {
	c.senderMu.RLock()
	if ch.sender == nil {
		ch.sender = c.sender
	}
	c.senderMu.RUnlock()

	ch.conn = c
	ch.metrics = c.opts.Metrics
	ch.tracer = c.opts.Tracer

	c.tokenMu.RLock()
	if token := c.accessToken; token != "" {
		ch.joinMu.Lock()
		if ch.join.AccessToken == "" {
			ch.join.AccessToken = token
		}
		ch.joinMu.Unlock()
	}
	c.tokenMu.RUnlock()

	c.channelsMu.Lock()
	c.channels[ch.id] = ch
	c.channelsMu.Unlock()
	c.updateChannelGauge()

	ch.start()

	log.Debug().Str("topic", ch.topic).Str("channel_id", ch.ID()).Msg("Channel registered")
	return handleFor(ch)
}

func handleFor(ch *Channel) ChannelHandle {
	return ChannelHandle{id: ch.id, topic: ch.topic, control: ch.control}
}

// GetChannel resolves a handle to its channel
func (c *Client) GetChannel(handle ChannelHandle) (*Channel, bool) {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()
	ch, ok := c.channels[handle.id]
	return ch, ok
}

// Channels returns the registered channels ordered by topic
func (c *Client) Channels() []*Channel {
	c.channelsMu.RLock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.channelsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].topic != out[j].topic {
			return out[i].topic < out[j].topic
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// RemoveChannel unregisters a channel and stops its loops without sending
// a leave request
func (c *Client) RemoveChannel(handle ChannelHandle) error {
	c.channelsMu.Lock()
	ch, ok := c.channels[handle.id]
	if ok {
		delete(c.channels, handle.id)
	}
	c.channelsMu.Unlock()

	if !ok {
		return ErrNoChannel
	}
	ch.stop()
	c.updateChannelGauge()
	return nil
}

func (c *Client) channelsForTopic(topic string) []*Channel {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()

	var out []*Channel
	for _, ch := range c.channels {
		if ch.topic == topic {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Client) updateChannelGauge() {
	if c.opts.Metrics == nil {
		return
	}
	c.channelsMu.RLock()
	n := len(c.channels)
	c.channelsMu.RUnlock()
	c.opts.Metrics.SetChannels(n)
}

// SetAuth stores a new access token and hands it to every channel. Joined
// channels forward it to the server. A JWT whose exp has passed is rejected.
func (c *Client) SetAuth(token string) error {
	if err := checkToken(token, time.Now()); err != nil {
		return err
	}

	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()

	var errs []error
	for _, ch := range c.Channels() {
		if err := ch.SetAuth(token); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Topic(), err))
		}
	}
	return errors.Join(errs...)
}

// endpointURL builds the websocket URL from Options.URL
func (c *Client) endpointURL() (string, error) {
	if c.opts.URL == "" {
		return "", fmt.Errorf("realtime URL is required")
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = websocketPath
	} else if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}

	q := u.Query()
	if c.opts.APIKey != "" {
		q.Set("apikey", c.opts.APIKey)
	}
	q.Set("vsn", protocolVersion)
	for k, v := range c.opts.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
