package crdt

import (
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// siteOps is one site's contiguous operation batch.
type siteOps struct {
	Site uint64 `msgpack:"s"`
	Ops  []Op   `msgpack:"o"`
}

// statePayload is the wire form of both full states and incremental
// updates: a canonical list of per-site operation batches.
type statePayload struct {
	Sites []siteOps `msgpack:"u"`
}

// vecEntry is one site's high-water mark in a state vector.
type vecEntry struct {
	Site  uint64 `msgpack:"s"`
	Clock uint64 `msgpack:"c"`
}

type vecPayload struct {
	Entries []vecEntry `msgpack:"v"`
}

func encodeState(p statePayload) []byte {
	b, err := msgpack.Marshal(p)
	if err != nil {
		// Marshalling plain structs cannot fail.
		panic(fmt.Sprintf("crdt: encode state: %v", err))
	}
	return b
}

func decodeState(payload []byte) (statePayload, error) {
	var p statePayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return statePayload{}, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	return p, nil
}

func encodeVector(sv map[uint64]uint64) []byte {
	sites := make([]uint64, 0, len(sv))
	for site := range sv {
		sites = append(sites, site)
	}
	slices.Sort(sites)
	p := vecPayload{Entries: make([]vecEntry, 0, len(sites))}
	for _, site := range sites {
		p.Entries = append(p.Entries, vecEntry{Site: site, Clock: sv[site]})
	}
	b, err := msgpack.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("crdt: encode vector: %v", err))
	}
	return b
}

func decodeVector(payload []byte) (map[uint64]uint64, error) {
	var p vecPayload
	if len(payload) > 0 {
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
		}
	}
	sv := make(map[uint64]uint64, len(p.Entries))
	for _, e := range p.Entries {
		sv[e.Site] = e.Clock
	}
	return sv, nil
}
