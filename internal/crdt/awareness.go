package crdt

import (
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// Awareness holds ephemeral per-client presence state for one vault
// (cursor, selection, active file). It is never persisted.
//
// Each client's state carries a clock; a delta is accepted only when its
// clock is newer than the known one. A nil state removes the client.
// Like Doc, Awareness is serialized by its owning registry entry.
type Awareness struct {
	states map[uint64]awarenessState
}

type awarenessState struct {
	clock uint64
	data  []byte // opaque JSON, nil means removed
}

type awarenessEntry struct {
	Client uint64 `msgpack:"c"`
	Clock  uint64 `msgpack:"k"`
	Data   []byte `msgpack:"d,omitempty"`
}

type awarenessPayload struct {
	Entries []awarenessEntry `msgpack:"a"`
}

// NewAwareness creates an empty awareness set.
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[uint64]awarenessState)}
}

// Clients returns the client IDs with live (non-removed) state, sorted.
func (a *Awareness) Clients() []uint64 {
	ids := make([]uint64, 0, len(a.states))
	for id, st := range a.states {
		if st.data != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// State returns the opaque state for a client, or nil if absent/removed.
func (a *Awareness) State(client uint64) []byte {
	return a.states[client].data
}

// Apply merges a delta payload. Returns the client IDs whose state changed.
func (a *Awareness) Apply(payload []byte) ([]uint64, error) {
	var p awarenessPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	var changed []uint64
	for _, e := range p.Entries {
		cur, ok := a.states[e.Client]
		if ok && e.Clock <= cur.clock {
			continue
		}
		a.states[e.Client] = awarenessState{clock: e.Clock, data: e.Data}
		changed = append(changed, e.Client)
	}
	return changed, nil
}

// Remove deletes a client's state and returns the removal delta to
// broadcast, or nil if the client had no state.
func (a *Awareness) Remove(client uint64) []byte {
	cur, ok := a.states[client]
	if !ok {
		return nil
	}
	next := awarenessState{clock: cur.clock + 1}
	a.states[client] = next
	return encodeAwareness([]awarenessEntry{{Client: client, Clock: next.clock}})
}

// Encode returns the full current awareness state as a delta payload.
func (a *Awareness) Encode() []byte {
	ids := a.Clients()
	entries := make([]awarenessEntry, 0, len(ids))
	for _, id := range ids {
		st := a.states[id]
		entries = append(entries, awarenessEntry{Client: id, Clock: st.clock, Data: st.data})
	}
	return encodeAwareness(entries)
}

func encodeAwareness(entries []awarenessEntry) []byte {
	b, err := msgpack.Marshal(awarenessPayload{Entries: entries})
	if err != nil {
		panic(fmt.Sprintf("crdt: encode awareness: %v", err))
	}
	return b
}
