// Package crdt implements the replicated vault document: a map of file
// paths to collaboratively edited text sequences, plus ephemeral awareness
// state.
//
// Updates are commutative, associative and idempotent. Each editing site
// stamps its operations with a contiguous per-site clock; operations whose
// causal dependencies have not arrived yet are parked and retried, and
// replayed operations are skipped. Operations additionally carry a Lamport
// time that resolves file map put/delete conflicts last-writer-wins, so a
// delete issued after observing an insert wins no matter which site issued
// either. Encoded state is canonical (sites sorted, operations in clock
// order), so converged replicas encode byte-equal.
//
// Documents are not safe for concurrent use. The owner (one registry entry
// per vault) serializes all access; see the registry package.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Operation kinds carried in updates.
const (
	opInsert  = 0 // insert Text at Origin into Path
	opDelete  = 1 // tombstone Span runes starting at Target
	opFilePut = 2 // ensure Path exists (empty file creation)
	opFileDel = 3 // remove Path from the file map
)

var (
	// ErrBadUpdate is returned for undecodable or malformed update payloads.
	ErrBadUpdate = errors.New("malformed update")
)

// Op is a single replicated operation. Clock ticks consumed: one per rune
// for inserts, one for every other kind.
type Op struct {
	Kind   uint8  `msgpack:"k"`
	Path   string `msgpack:"p"`
	ID     ID     `msgpack:"i"`            // first clock tick of this op
	Stamp  uint64 `msgpack:"m,omitempty"`  // Lamport time, for file map conflicts
	Origin ID     `msgpack:"o,omitempty"`  // insert: left neighbor rune
	Text   string `msgpack:"t,omitempty"`  // insert: content
	Target ID     `msgpack:"d,omitempty"`  // delete: first rune to tombstone
	Span   uint64 `msgpack:"n,omitempty"`  // delete: rune count
}

// ticks returns the number of clock ticks the op consumes.
func (o Op) ticks() uint64 {
	if o.Kind == opInsert {
		return uint64(len([]rune(o.Text)))
	}
	return 1
}

// FileChangeKind describes the net effect of applied operations on a path.
type FileChangeKind int

const (
	// FilePut means the path now exists with (possibly new) content.
	FilePut FileChangeKind = iota
	// FileDelete means the path no longer exists in the file map.
	FileDelete
)

// FileChange reports one affected path after applying operations.
type FileChange struct {
	Path string
	Kind FileChangeKind
}

// UpdateHook observes every applied change (local or remote).
type UpdateHook func()

// FileHook observes the net per-path effect of applied operations.
type FileHook func(changes []FileChange)

// lamport is a Lamport timestamp with the site as tie-break. "Newest" in
// the file map means greatest lamport, which respects causal order even
// across sites that never edited before.
type lamport struct {
	time uint64
	site uint64
}

func (l lamport) isZero() bool { return l.time == 0 && l.site == 0 }

func (l lamport) after(o lamport) bool {
	if l.time != o.time {
		return l.time > o.time
	}
	return l.site > o.site
}

// fileEntry tracks one path in the file map. The entry survives removal as
// a tombstone so concurrent edits can revive it deterministically: a path
// exists iff the newest operation touching it is not a FileDel.
type fileEntry struct {
	text    *Text
	lastOp  lamport // newest insert/delete/fileput on this path
	lastDel lamport // newest filedel on this path
}

func (e *fileEntry) exists() bool {
	if e.lastDel.isZero() {
		return true
	}
	return e.lastOp.after(e.lastDel)
}

// Doc is the replicated document for one vault.
type Doc struct {
	site  uint64
	clock uint64 // last clock tick used by this site
	stamp uint64 // Lamport time of the newest operation seen or issued

	files map[string]*fileEntry
	sv    map[uint64]uint64 // site → highest contiguously applied clock
	ops   map[uint64][]Op   // applied op log per site, clock order

	pending []siteOps // parked batches waiting on causal dependencies

	updateHooks []UpdateHook
	fileHooks   []FileHook
}

// New creates an empty document editing as the given site.
// Site 0 is reserved for the virtual document head.
func New(site uint64) *Doc {
	if site == 0 {
		panic("crdt: site 0 is reserved")
	}
	return &Doc{
		site:  site,
		files: make(map[string]*fileEntry),
		sv:    make(map[uint64]uint64),
		ops:   make(map[uint64][]Op),
	}
}

// NewRandomSite creates an empty document with a random site ID.
func NewRandomSite() *Doc {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crdt: read random site: %v", err))
	}
	site := binary.LittleEndian.Uint64(b[:])
	if site == 0 {
		site = 1
	}
	return New(site)
}

// Site returns the document's own site ID.
func (d *Doc) Site() uint64 { return d.site }

// OnUpdate registers a hook fired after any operations are applied.
func (d *Doc) OnUpdate(h UpdateHook) { d.updateHooks = append(d.updateHooks, h) }

// OnFilesChanged registers a hook fired with the net per-path effect of
// applied operations.
func (d *Doc) OnFilesChanged(h FileHook) { d.fileHooks = append(d.fileHooks, h) }

// Files returns the sorted paths currently present in the file map.
func (d *Doc) Files() []string {
	paths := make([]string, 0, len(d.files))
	for p, e := range d.files {
		if e.exists() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// FileText returns the materialized text of a path.
func (d *Doc) FileText(path string) (string, bool) {
	e, ok := d.files[path]
	if !ok || !e.exists() {
		return "", false
	}
	return e.text.String(), true
}

// entry returns the file entry for path, creating it if absent.
func (d *Doc) entry(path string) *fileEntry {
	e, ok := d.files[path]
	if !ok {
		e = &fileEntry{text: newText()}
		d.files[path] = e
	}
	return e
}

// ready reports whether every op in the batch can be applied: the clock
// range continues this site's stream and all referenced runes either exist
// already or are created earlier in the same batch.
func (d *Doc) ready(batch siteOps) bool {
	next := d.sv[batch.Site] + 1

	for _, op := range batch.Ops {
		if op.ID.Clock != next {
			return false
		}
		next += op.ticks()

		switch op.Kind {
		case opInsert:
			if op.Origin.isZero() {
				break
			}
			if !d.runeKnown(op.Path, op.Origin, batch) {
				return false
			}
		case opDelete:
			if !d.spanKnown(op.Path, op.Target, op.Span, batch) {
				return false
			}
		}
	}
	return true
}

// runeKnown reports whether a single rune exists in the doc or is created
// by an earlier insert in the same batch.
func (d *Doc) runeKnown(path string, id ID, batch siteOps) bool {
	if e, ok := d.files[path]; ok && e.text.has(id) {
		return true
	}
	return batchCreates(batch, path, id, 1)
}

// spanKnown is runeKnown over a contiguous span.
func (d *Doc) spanKnown(path string, id ID, span uint64, batch siteOps) bool {
	if e, ok := d.files[path]; ok && e.text.hasSpan(id, span) {
		return true
	}
	if batchCreates(batch, path, id, span) {
		return true
	}
	// A span may straddle applied runes and in-batch runes; check per rune.
	for i := uint64(0); i < span; i++ {
		rid := ID{Site: id.Site, Clock: id.Clock + i}
		if e, ok := d.files[path]; ok && e.text.has(rid) {
			continue
		}
		if !batchCreates(batch, path, rid, 1) {
			return false
		}
	}
	return true
}

// batchCreates reports whether an insert within batch covers the rune span.
func batchCreates(batch siteOps, path string, id ID, span uint64) bool {
	if id.Site != batch.Site {
		return false
	}
	for _, op := range batch.Ops {
		if op.Kind != opInsert || op.Path != path {
			continue
		}
		if id.Clock >= op.ID.Clock && id.Clock+span <= op.ID.Clock+op.ticks() {
			return true
		}
	}
	return false
}

// applyBatch applies a ready batch and records its ops. touched collects
// affected paths.
func (d *Doc) applyBatch(batch siteOps, touched map[string]struct{}) {
	for _, op := range batch.Ops {
		// Lamport receive rule: later local operations must outstamp
		// everything applied so far.
		if op.Stamp > d.stamp {
			d.stamp = op.Stamp
		}
		st := lamport{time: op.Stamp, site: batch.Site}
		e := d.entry(op.Path)
		switch op.Kind {
		case opInsert:
			e.text.applyInsert(op.ID, op.Origin, []rune(op.Text))
			if st.after(e.lastOp) {
				e.lastOp = st
			}
		case opDelete:
			e.text.applyDelete(op.Target, op.Span)
			if st.after(e.lastOp) {
				e.lastOp = st
			}
		case opFilePut:
			if st.after(e.lastOp) {
				e.lastOp = st
			}
		case opFileDel:
			if st.after(e.lastDel) {
				e.lastDel = st
			}
		}
		touched[op.Path] = struct{}{}
		d.ops[batch.Site] = append(d.ops[batch.Site], op)
		d.sv[batch.Site] = op.ID.Clock + op.ticks() - 1
	}
}

// ApplyUpdate decodes and applies an update payload. Batches whose causal
// dependencies are missing are parked and retried when later updates
// arrive. Already-seen operations are skipped.
func (d *Doc) ApplyUpdate(payload []byte) error {
	incoming, err := decodeState(payload)
	if err != nil {
		return err
	}

	queue := append(d.pending, incoming.Sites...)
	d.pending = nil
	touched := make(map[string]struct{})

	for {
		progress := false
		var parked []siteOps
		for _, batch := range queue {
			batch = d.trimSeen(batch)
			if len(batch.Ops) == 0 {
				progress = true
				continue
			}
			if d.ready(batch) {
				d.applyBatch(batch, touched)
				progress = true
			} else {
				parked = append(parked, batch)
			}
		}
		queue = parked
		if !progress || len(queue) == 0 {
			break
		}
	}
	d.pending = queue

	// A snapshot may carry this site's own earlier operations (server
	// restarts reuse the log, clients never do); continue the clock past them.
	if d.sv[d.site] > d.clock {
		d.clock = d.sv[d.site]
	}

	if len(touched) > 0 {
		d.notify(touched)
	}
	return nil
}

// trimSeen drops the prefix of a batch already covered by the state vector.
func (d *Doc) trimSeen(batch siteOps) siteOps {
	seen := d.sv[batch.Site]
	i := 0
	for i < len(batch.Ops) {
		op := batch.Ops[i]
		if op.ID.Clock+op.ticks()-1 <= seen {
			i++
			continue
		}
		break
	}
	batch.Ops = batch.Ops[i:]
	return batch
}

// notify fires hooks for a set of touched paths.
func (d *Doc) notify(touched map[string]struct{}) {
	changes := make([]FileChange, 0, len(touched))
	paths := make([]string, 0, len(touched))
	for p := range touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		kind := FileDelete
		if e, ok := d.files[p]; ok && e.exists() {
			kind = FilePut
		}
		changes = append(changes, FileChange{Path: p, Kind: kind})
	}
	for _, h := range d.fileHooks {
		h(changes)
	}
	for _, h := range d.updateHooks {
		h()
	}
}

// local applies ops generated by this site and returns them encoded as an
// update payload for broadcast.
func (d *Doc) local(ops []Op) []byte {
	batch := siteOps{Site: d.site, Ops: ops}
	touched := make(map[string]struct{})
	d.applyBatch(batch, touched)
	d.notify(touched)
	return encodeState(statePayload{Sites: []siteOps{batch}})
}

// nextID reserves ticks clock ticks and returns the first.
func (d *Doc) nextID(ticks uint64) ID {
	id := ID{Site: d.site, Clock: d.clock + 1}
	d.clock += ticks
	return id
}

// nextStamp advances the Lamport time for a fresh local operation.
func (d *Doc) nextStamp() uint64 {
	d.stamp++
	return d.stamp
}

// InsertText inserts text at the visible rune index of path, creating the
// path if needed. Returns the encoded update for broadcast.
func (d *Doc) InsertText(path string, index int, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	runes := []rune(text)
	e := d.entry(path)
	var origin ID
	if index > 0 {
		id, ok := e.text.idAt(index - 1)
		if !ok {
			return nil, fmt.Errorf("insert %s at %d: index out of range", path, index)
		}
		origin = id
	}
	op := Op{
		Kind:   opInsert,
		Path:   path,
		ID:     d.nextID(uint64(len(runes))),
		Stamp:  d.nextStamp(),
		Origin: origin,
		Text:   text,
	}
	return d.local([]Op{op}), nil
}

// DeleteText removes length visible runes starting at index.
func (d *Doc) DeleteText(path string, index, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	e, ok := d.files[path]
	if !ok || !e.exists() {
		return nil, fmt.Errorf("delete in %s: no such file", path)
	}
	if index+length > e.text.Len() {
		return nil, fmt.Errorf("delete in %s: range out of bounds", path)
	}
	spans := e.text.idsFrom(index, length)
	ops := make([]Op, 0, len(spans))
	for _, s := range spans {
		ops = append(ops, Op{
			Kind:   opDelete,
			Path:   path,
			ID:     d.nextID(1),
			Stamp:  d.nextStamp(),
			Target: s.id,
			Span:   s.span,
		})
	}
	return d.local(ops), nil
}

// EnsureFile creates an empty file entry for path.
func (d *Doc) EnsureFile(path string) []byte {
	return d.local([]Op{{Kind: opFilePut, Path: path, ID: d.nextID(1), Stamp: d.nextStamp()}})
}

// RemoveFile deletes path from the file map.
func (d *Doc) RemoveFile(path string) []byte {
	return d.local([]Op{{Kind: opFileDel, Path: path, ID: d.nextID(1), Stamp: d.nextStamp()}})
}

// SetFileText replaces the entire content of path. Used by the
// administrative boundary, which edits whole files rather than ranges.
// Recreating a removed path discards whatever runes it held before the
// removal; only the new content is visible.
func (d *Doc) SetFileText(path, content string) []byte {
	var ops []Op
	// Runes of a tombstoned path are still visible in the sequence, so
	// they must be deleted whether or not the path currently exists.
	if e, ok := d.files[path]; ok && e.text.Len() > 0 {
		for _, s := range e.text.idsFrom(0, e.text.Len()) {
			ops = append(ops, Op{
				Kind:   opDelete,
				Path:   path,
				ID:     d.nextID(1),
				Stamp:  d.nextStamp(),
				Target: s.id,
				Span:   s.span,
			})
		}
	}
	if content != "" {
		runes := []rune(content)
		ops = append(ops, Op{
			Kind:  opInsert,
			Path:  path,
			ID:    d.nextID(uint64(len(runes))),
			Stamp: d.nextStamp(),
			Text:  content,
		})
	} else {
		ops = append(ops, Op{Kind: opFilePut, Path: path, ID: d.nextID(1), Stamp: d.nextStamp()})
	}
	return d.local(ops)
}

// RenameFile moves the content of old to new. Implemented as a fresh
// insert under the new path plus removal of the old one, which is how
// map-keyed documents express renames.
func (d *Doc) RenameFile(oldPath, newPath string) ([]byte, error) {
	content, ok := d.FileText(oldPath)
	if !ok {
		return nil, fmt.Errorf("rename %s: no such file", oldPath)
	}
	setPayload := d.SetFileText(newPath, content)
	delPayload := d.RemoveFile(oldPath)
	// Both payloads carry this site's contiguous ops; merge canonically.
	merged, err := MergeUpdates(setPayload, delPayload)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// MergeUpdates combines update payloads into one canonical payload.
func MergeUpdates(payloads ...[]byte) ([]byte, error) {
	ops := make(map[uint64][]Op)
	for _, p := range payloads {
		if len(p) == 0 {
			continue
		}
		st, err := decodeState(p)
		if err != nil {
			return nil, err
		}
		for _, batch := range st.Sites {
			ops[batch.Site] = append(ops[batch.Site], batch.Ops...)
		}
	}
	for site := range ops {
		slices.SortFunc(ops[site], func(a, b Op) int {
			if a.ID.Clock < b.ID.Clock {
				return -1
			}
			if a.ID.Clock > b.ID.Clock {
				return 1
			}
			return 0
		})
	}
	return encodeState(canonical(ops)), nil
}

// EncodeState encodes the full applied op log canonically. The result is
// byte-equal across converged replicas.
func (d *Doc) EncodeState() []byte {
	return encodeState(canonical(d.ops))
}

// StateVector encodes the document's version vector.
func (d *Doc) StateVector() []byte {
	return encodeVector(d.sv)
}

// DiffSince returns an update containing every applied operation the peer
// described by vec has not seen.
func (d *Doc) DiffSince(vec []byte) ([]byte, error) {
	remote, err := decodeVector(vec)
	if err != nil {
		return nil, err
	}
	diff := make(map[uint64][]Op)
	for site, ops := range d.ops {
		seen := remote[site]
		for i, op := range ops {
			if op.ID.Clock+op.ticks()-1 > seen {
				diff[site] = ops[i:]
				break
			}
		}
	}
	return encodeState(canonical(diff)), nil
}

// canonical builds a deterministic payload: sites ascending, ops in clock
// order (the per-site logs are already ordered).
func canonical(ops map[uint64][]Op) statePayload {
	sites := make([]uint64, 0, len(ops))
	for site, list := range ops {
		if len(list) > 0 {
			sites = append(sites, site)
		}
	}
	slices.Sort(sites)
	payload := statePayload{Sites: make([]siteOps, 0, len(sites))}
	for _, site := range sites {
		payload.Sites = append(payload.Sites, siteOps{Site: site, Ops: ops[site]})
	}
	return payload
}
