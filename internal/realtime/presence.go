package realtime

import (
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// PresenceEvent selects which presence transitions a callback observes
type PresenceEvent string

const (
	PresenceSync  PresenceEvent = "sync"
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)

// PresenceMeta is the opaque metadata one client published for a presence
// key. The server adds a phx_ref identifying the tracking connection.
type PresenceMeta map[string]interface{}

// Ref returns the server-assigned phx_ref of the meta, if any
func (m PresenceMeta) Ref() string {
	if ref, ok := m["phx_ref"].(string); ok {
		return ref
	}
	return ""
}

// PresenceState maps a presence key to the metas of every client present
// under that key
type PresenceState map[string][]PresenceMeta

// Clone returns a deep copy of the state
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for key, metas := range s {
		out[key] = cloneMetas(metas)
	}
	return out
}

// Keys returns the presence keys in sorted order
func (s PresenceState) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneMetas(metas []PresenceMeta) []PresenceMeta {
	out := make([]PresenceMeta, len(metas))
	for i, meta := range metas {
		cp := make(PresenceMeta, len(meta))
		for k, v := range meta {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// PresenceCallback receives the affected key and the full presence state
// before and after the transition. Callbacks must treat both as read-only.
type PresenceCallback func(key string, before, after PresenceState)

// Presence keeps the presence view of one channel consistent with the
// server's presence_state and presence_diff pushes.
//
// Within one diff every Join callback fires before any Leave callback.
// Keys are visited in sorted order and callbacks in registration order.
type Presence struct {
	state PresenceState
	mu    sync.RWMutex

	callbacks map[PresenceEvent][]PresenceCallback
	cbMu      sync.Mutex

	// call runs a callback; the channel installs a panic-containing runner
	call func(name string, fn func())
}

// NewPresence creates an empty presence engine
func NewPresence() *Presence {
	return &Presence{
		state:     make(PresenceState),
		callbacks: make(map[PresenceEvent][]PresenceCallback),
		call:      func(_ string, fn func()) { fn() },
	}
}

// On registers a callback for a presence event
func (p *Presence) On(event PresenceEvent, cb PresenceCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.callbacks[event] = append(p.callbacks[event], cb)
}

func (p *Presence) callbacksFor(event PresenceEvent) []PresenceCallback {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	cbs := make([]PresenceCallback, len(p.callbacks[event]))
	copy(cbs, p.callbacks[event])
	return cbs
}

// State returns a snapshot of the current presence state
func (p *Presence) State() PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Clone()
}

// Sync replaces the state with a full snapshot and fires Sync callbacks once
// for every key whose metas changed. Returns the changed keys.
func (p *Presence) Sync(snapshot PresenceState) []string {
	next := snapshot.Clone()

	p.mu.Lock()
	before := p.state
	p.state = next
	after := next.Clone()
	p.mu.Unlock()

	changed := changedKeys(before, after)

	log.Debug().
		Int("keys", len(after)).
		Int("changed", len(changed)).
		Msg("Presence state synced")

	cbs := p.callbacksFor(PresenceSync)
	for _, key := range changed {
		for _, cb := range cbs {
			key, cb := key, cb
			p.call("presence_sync", func() { cb(key, before, after) })
		}
	}

	return changed
}

// SyncDiff applies an incremental patch. Metas under joins are appended to
// their key, replacing any meta with the same phx_ref. A join without metas
// is ignored. Metas under leaves are removed by phx_ref; a leave without refs
// drops the whole key. A key with no metas left is removed from the state.
func (p *Presence) SyncDiff(joins, leaves PresenceState) {
	p.mu.Lock()
	before := p.state.Clone()

	for key, metas := range joins {
		if len(metas) == 0 {
			continue
		}
		p.state[key] = mergeMetas(p.state[key], metas)
	}

	for key, metas := range leaves {
		remaining := removeMetas(p.state[key], metas)
		if len(remaining) == 0 {
			delete(p.state, key)
		} else {
			p.state[key] = remaining
		}
	}

	after := p.state.Clone()
	p.mu.Unlock()

	log.Debug().
		Int("joins", len(joins)).
		Int("leaves", len(leaves)).
		Msg("Presence diff applied")

	joinCbs := p.callbacksFor(PresenceJoin)
	for _, key := range joins.Keys() {
		if len(joins[key]) == 0 {
			continue
		}
		for _, cb := range joinCbs {
			key, cb := key, cb
			p.call("presence_join", func() { cb(key, before, after) })
		}
	}

	leaveCbs := p.callbacksFor(PresenceLeave)
	for _, key := range leaves.Keys() {
		for _, cb := range leaveCbs {
			key, cb := key, cb
			p.call("presence_leave", func() { cb(key, before, after) })
		}
	}
}

func mergeMetas(existing, joining []PresenceMeta) []PresenceMeta {
	out := cloneMetas(existing)
	for _, meta := range cloneMetas(joining) {
		replaced := false
		if ref := meta.Ref(); ref != "" {
			for i := range out {
				if out[i].Ref() == ref {
					out[i] = meta
					replaced = true
					break
				}
			}
		}
		if !replaced {
			out = append(out, meta)
		}
	}
	return out
}

func removeMetas(existing, leaving []PresenceMeta) []PresenceMeta {
	refs := make(map[string]struct{}, len(leaving))
	for _, meta := range leaving {
		if ref := meta.Ref(); ref != "" {
			refs[ref] = struct{}{}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	out := make([]PresenceMeta, 0, len(existing))
	for _, meta := range existing {
		if _, gone := refs[meta.Ref()]; !gone {
			out = append(out, meta)
		}
	}
	return out
}

func changedKeys(before, after PresenceState) []string {
	var changed []string
	for key, metas := range after {
		if old, ok := before[key]; !ok || !reflect.DeepEqual(old, metas) {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}
