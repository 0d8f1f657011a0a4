package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// EventKind is the event name carried by every envelope on the wire
type EventKind string

const (
	EventJoin            EventKind = "phx_join"
	EventLeave           EventKind = "phx_leave"
	EventReply           EventKind = "phx_reply"
	EventClose           EventKind = "phx_close"
	EventError           EventKind = "phx_error"
	EventHeartbeat       EventKind = "heartbeat"
	EventBroadcast       EventKind = "broadcast"
	EventPostgresChanges EventKind = "postgres_changes"
	EventPresence        EventKind = "presence" // track and untrack requests
	EventPresenceState   EventKind = "presence_state"
	EventPresenceDiff    EventKind = "presence_diff"
	EventAccessToken     EventKind = "access_token"
	EventSystem          EventKind = "system"
)

// PhoenixTopic is the reserved topic used for connection-level heartbeats
const PhoenixTopic = "phoenix"

// leaveRefSuffix is appended to a channel id to correlate its leave request
const leaveRefSuffix = "+leave"

// Envelope is the outer record exchanged with the server.
// An empty Ref means the envelope is an unsolicited push.
type Envelope struct {
	Topic   string
	Event   EventKind
	Payload Payload
	Ref     string
}

// PayloadKind names the active variant of a Payload
type PayloadKind string

const (
	PayloadJoin           PayloadKind = "join"
	PayloadResponse       PayloadKind = "response"
	PayloadBroadcast      PayloadKind = "broadcast"
	PayloadPostgresChange PayloadKind = "postgres_change"
	PayloadPresenceTrack  PayloadKind = "presence_track"
	PayloadPresenceState  PayloadKind = "presence_state"
	PayloadPresenceDiff   PayloadKind = "presence_diff"
	PayloadAccessToken    PayloadKind = "access_token"
	PayloadUntrack        PayloadKind = "untrack"
	PayloadSystem         PayloadKind = "system"
	PayloadEmpty          PayloadKind = "empty"
)

// Payload is the closed set of envelope payload variants. Exactly one
// variant is carried by an envelope.
type Payload interface {
	Kind() PayloadKind
}

// BroadcastConfig controls broadcast behaviour for a joined channel
type BroadcastConfig struct {
	Self bool `json:"self"` // receive own broadcasts
	Ack  bool `json:"ack"`  // server acknowledges each broadcast
}

// PresenceConfig controls presence behaviour for a joined channel
type PresenceConfig struct {
	Key string `json:"key"`
}

// PostgresChangesEvent is the change type of a CDC notification
type PostgresChangesEvent string

const (
	PostgresChangesAll    PostgresChangesEvent = "*"
	PostgresChangesInsert PostgresChangesEvent = "INSERT"
	PostgresChangesUpdate PostgresChangesEvent = "UPDATE"
	PostgresChangesDelete PostgresChangesEvent = "DELETE"
)

// PostgresChange is a CDC subscription descriptor sent with the join request
type PostgresChange struct {
	Event  PostgresChangesEvent `json:"event"`
	Schema string               `json:"schema"`
	Table  string               `json:"table,omitempty"`
	Filter string               `json:"filter,omitempty"`
}

// JoinConfig is the channel configuration sent with phx_join
type JoinConfig struct {
	Broadcast       BroadcastConfig  `json:"broadcast"`
	Presence        PresenceConfig   `json:"presence"`
	PostgresChanges []PostgresChange `json:"postgres_changes"`
}

// JoinPayload is the payload of a phx_join request
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func (JoinPayload) Kind() PayloadKind { return PayloadJoin }

// ResponseStatus is the status of a phx_reply
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// ResponsePayload is the payload of a phx_reply
type ResponsePayload struct {
	Status   ResponseStatus         `json:"status"`
	Response map[string]interface{} `json:"response,omitempty"`
}

func (ResponsePayload) Kind() PayloadKind { return PayloadResponse }

// BroadcastPayload carries an application-defined message between clients
type BroadcastPayload struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

func (BroadcastPayload) Kind() PayloadKind { return PayloadBroadcast }

// PostgresColumn describes a column of the changed table
type PostgresColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PostgresChangeData is the row-level change carried by a CDC push
type PostgresChangeData struct {
	Schema          string                 `json:"schema"`
	Table           string                 `json:"table"`
	CommitTimestamp string                 `json:"commit_timestamp,omitempty"`
	Type            PostgresChangesEvent   `json:"type"`
	Record          map[string]interface{} `json:"record,omitempty"`
	OldRecord       map[string]interface{} `json:"old_record,omitempty"`
	Columns         []PostgresColumn       `json:"columns,omitempty"`
	Errors          interface{}            `json:"errors,omitempty"`
}

// PostgresChangesPayload is the payload of a postgres_changes push
type PostgresChangesPayload struct {
	IDs  []int64            `json:"ids,omitempty"`
	Data PostgresChangeData `json:"data"`
}

func (PostgresChangesPayload) Kind() PayloadKind { return PayloadPostgresChange }

// PresenceTrackPayload asks the server to track this client's presence
type PresenceTrackPayload struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

func (PresenceTrackPayload) Kind() PayloadKind { return PayloadPresenceTrack }

// NewPresenceTrackPayload wraps presence fields in a track request
func NewPresenceTrackPayload(fields map[string]interface{}) PresenceTrackPayload {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return PresenceTrackPayload{Type: "presence", Event: "track", Payload: fields}
}

// PresenceStatePayload is a full presence snapshot pushed by the server
type PresenceStatePayload struct {
	State PresenceState
}

func (PresenceStatePayload) Kind() PayloadKind { return PayloadPresenceState }

func (p PresenceStatePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWirePresence(p.State))
}

// PresenceDiffPayload is an incremental presence patch pushed by the server
type PresenceDiffPayload struct {
	Joins  PresenceState
	Leaves PresenceState
}

func (PresenceDiffPayload) Kind() PayloadKind { return PayloadPresenceDiff }

func (p PresenceDiffPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePresenceDiff{
		Joins:  toWirePresence(p.Joins),
		Leaves: toWirePresence(p.Leaves),
	})
}

// AccessTokenPayload pushes a refreshed access token to the server
type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

func (AccessTokenPayload) Kind() PayloadKind { return PayloadAccessToken }

// UntrackPayload asks the server to stop tracking this client's presence
type UntrackPayload struct{}

func (UntrackPayload) Kind() PayloadKind { return PayloadUntrack }

func (UntrackPayload) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"presence","event":"untrack"}`), nil
}

// SystemPayload is a server status notice, e.g. a CDC subscription result
type SystemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

func (SystemPayload) Kind() PayloadKind { return PayloadSystem }

// EmptyPayload carries no data
type EmptyPayload struct{}

func (EmptyPayload) Kind() PayloadKind { return PayloadEmpty }

// wire forms

type wireEnvelope struct {
	Topic   string    `json:"topic"`
	Event   EventKind `json:"event"`
	Payload Payload   `json:"payload"`
	Ref     *string   `json:"ref"`
}

// rawEnvelope is the routing header of an inbound frame. The payload is kept
// raw until the owning channel decodes it.
type rawEnvelope struct {
	Topic   string          `json:"topic"`
	Event   EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     json.RawMessage `json:"ref"`
}

type wirePresenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

type wirePresenceDiff struct {
	Joins  map[string]wirePresenceEntry `json:"joins"`
	Leaves map[string]wirePresenceEntry `json:"leaves"`
}

// EncodeEnvelope serializes an envelope to its wire form
func EncodeEnvelope(env Envelope) ([]byte, error) {
	w := wireEnvelope{
		Topic:   env.Topic,
		Event:   env.Event,
		Payload: env.Payload,
	}
	if w.Payload == nil {
		w.Payload = EmptyPayload{}
	}
	if env.Ref != "" {
		ref := env.Ref
		w.Ref = &ref
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Event, err)
	}
	return data, nil
}

// DecodeEnvelope parses a complete inbound frame
func DecodeEnvelope(frame []byte) (Envelope, error) {
	raw, err := decodeHeader(frame)
	if err != nil {
		return Envelope{}, err
	}
	return raw.decode()
}

// decodeHeader parses only the routing fields of a frame
func decodeHeader(frame []byte) (rawEnvelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(frame, &raw); err != nil {
		return rawEnvelope{}, &DecodeError{Err: err}
	}
	if raw.Event == "" {
		return rawEnvelope{}, &DecodeError{Err: fmt.Errorf("frame has no event")}
	}
	return raw, nil
}

func (r rawEnvelope) ref() string {
	return parseRef(r.Ref)
}

func (r rawEnvelope) decode() (Envelope, error) {
	payload, err := decodePayload(r.Event, r.Payload)
	if err != nil {
		return Envelope{}, &DecodeError{Event: r.Event, Err: err}
	}
	return Envelope{
		Topic:   r.Topic,
		Event:   r.Event,
		Payload: payload,
		Ref:     r.ref(),
	}, nil
}

// parseRef accepts string, numeric and null refs
func parseRef(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// decodePayload selects the payload variant from the envelope event
func decodePayload(event EventKind, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}

	switch event {
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventReply:
		var p ResponsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventBroadcast:
		var p BroadcastPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Payload == nil {
			p.Payload = map[string]interface{}{}
		}
		return p, nil

	case EventPostgresChanges:
		var p PostgresChangesPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventPresence:
		var head struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, err
		}
		if head.Event == "untrack" {
			return UntrackPayload{}, nil
		}
		var p PresenceTrackPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventPresenceState:
		var wire map[string]wirePresenceEntry
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return PresenceStatePayload{State: fromWirePresence(wire)}, nil

	case EventPresenceDiff:
		var wire wirePresenceDiff
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return PresenceDiffPayload{
			Joins:  fromWirePresence(wire.Joins),
			Leaves: fromWirePresence(wire.Leaves),
		}, nil

	case EventAccessToken:
		var p AccessTokenPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventSystem:
		var p SystemPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return EmptyPayload{}, nil
	}
}

func toWirePresence(state PresenceState) map[string]wirePresenceEntry {
	wire := make(map[string]wirePresenceEntry, len(state))
	for key, metas := range state {
		wire[key] = wirePresenceEntry{Metas: metas}
	}
	return wire
}

func fromWirePresence(wire map[string]wirePresenceEntry) PresenceState {
	state := make(PresenceState, len(wire))
	for key, entry := range wire {
		metas := entry.Metas
		if metas == nil {
			metas = []PresenceMeta{}
		}
		state[key] = metas
	}
	return state
}

// heartbeatRef formats a monotonically increasing heartbeat ref
func heartbeatRef(n uint64) string {
	return strconv.FormatUint(n, 10)
}
