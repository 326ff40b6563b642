package crdt

import (
	"slices"
	"strings"
)

// ID identifies a single rune in a text sequence. Site is the editing
// replica, Clock the rune's position in that site's operation stream.
// The zero ID addresses the virtual document head.
type ID struct {
	Site  uint64 `msgpack:"s"`
	Clock uint64 `msgpack:"c"`
}

func (a ID) isZero() bool { return a.Site == 0 && a.Clock == 0 }

// compareIDs orders IDs by (Clock, Site). Used for sibling ordering;
// any deterministic total order converges.
func compareIDs(a, b ID) int {
	if a.Clock != b.Clock {
		if a.Clock < b.Clock {
			return -1
		}
		return 1
	}
	if a.Site != b.Site {
		if a.Site < b.Site {
			return -1
		}
		return 1
	}
	return 0
}

// node is a run of runes inserted contiguously by one site.
// Runs split when a later insert or delete addresses an interior rune.
//
// Children attach to the run's last rune: an insert whose origin is an
// interior rune forces a split first, so the invariant holds inductively.
type node struct {
	id       ID // ID of the first rune; rune i has clock id.Clock+i
	content  []rune
	deleted  bool
	children []*node // document-order siblings, descending compareIDs
}

func (n *node) lastID() ID {
	return ID{Site: n.id.Site, Clock: n.id.Clock + uint64(len(n.content)) - 1}
}

// Text is a replicated sequence of runes (an RGA causal tree).
// It is not safe for concurrent use; the owning document serializes access.
type Text struct {
	root   *node
	bySite map[uint64][]*node // site → nodes sorted by start clock
}

func newText() *Text {
	return &Text{
		root:   &node{},
		bySite: make(map[uint64][]*node),
	}
}

// findNode returns the node containing the rune with the given ID,
// or nil if the rune is unknown.
func (t *Text) findNode(id ID) *node {
	runs := t.bySite[id.Site]
	i, found := slices.BinarySearchFunc(runs, id.Clock, func(n *node, clock uint64) int {
		if n.id.Clock > clock {
			return 1
		}
		if n.id.Clock+uint64(len(n.content)) <= clock {
			return -1
		}
		return 0
	})
	if !found {
		return nil
	}
	return runs[i]
}

func (t *Text) registerNode(n *node) {
	runs := t.bySite[n.id.Site]
	i, _ := slices.BinarySearchFunc(runs, n, func(a, b *node) int {
		if a.id.Clock < b.id.Clock {
			return -1
		}
		if a.id.Clock > b.id.Clock {
			return 1
		}
		return 0
	})
	t.bySite[n.id.Site] = slices.Insert(runs, i, n)
}

// splitAfter ensures the rune with the given ID is the last rune of its
// node, splitting the containing run if necessary. Returns the node now
// ending at id, or nil if the rune is unknown.
func (t *Text) splitAfter(id ID) *node {
	n := t.findNode(id)
	if n == nil {
		return nil
	}
	keep := int(id.Clock-n.id.Clock) + 1
	if keep == len(n.content) {
		return n
	}

	rest := &node{
		id:       ID{Site: n.id.Site, Clock: n.id.Clock + uint64(keep)},
		content:  n.content[keep:],
		deleted:  n.deleted,
		children: n.children,
	}
	n.content = n.content[:keep:keep]
	// The continuation holds the old last rune, so the old children move
	// with it and the continuation becomes the sole direct child.
	n.children = []*node{rest}
	t.registerNode(rest)
	return n
}

// integrate places a new run under its origin, ordered against existing
// siblings by descending ID. Returns false if the origin rune is unknown.
func (t *Text) integrate(origin ID, n *node) bool {
	var parent *node
	if origin.isZero() {
		parent = t.root
	} else {
		parent = t.splitAfter(origin)
		if parent == nil {
			return false
		}
	}

	i, _ := slices.BinarySearchFunc(parent.children, n, func(a, b *node) int {
		return -compareIDs(a.id, b.id)
	})
	parent.children = slices.Insert(parent.children, i, n)
	t.registerNode(n)
	return true
}

// has reports whether the rune with the given ID is known (even if deleted).
func (t *Text) has(id ID) bool {
	return t.findNode(id) != nil
}

// applyInsert integrates a remote or local insert operation.
func (t *Text) applyInsert(id, origin ID, content []rune) bool {
	return t.integrate(origin, &node{id: id, content: content})
}

// applyDelete tombstones span runes starting at target. Runs are split at
// both boundaries so tombstoning never clips surviving runes.
func (t *Text) applyDelete(target ID, span uint64) bool {
	for span > 0 {
		n := t.findNode(target)
		if n == nil {
			return false
		}
		if target.Clock > n.id.Clock {
			// Keep the prefix intact; the continuation is what dies.
			t.splitAfter(ID{Site: target.Site, Clock: target.Clock - 1})
			n = t.findNode(target)
		}
		covered := uint64(len(n.content)) - (target.Clock - n.id.Clock)
		if covered > span {
			t.splitAfter(ID{Site: target.Site, Clock: target.Clock + span - 1})
			n = t.findNode(target)
			covered = span
		}
		n.deleted = true
		span -= covered
		target.Clock += covered
	}
	return true
}

// hasSpan reports whether all span runes starting at target are known.
func (t *Text) hasSpan(target ID, span uint64) bool {
	for span > 0 {
		n := t.findNode(target)
		if n == nil {
			return false
		}
		covered := uint64(len(n.content)) - (target.Clock - n.id.Clock)
		if covered > span {
			covered = span
		}
		span -= covered
		target.Clock += covered
	}
	return true
}

// walk visits visible runs in document order.
func (t *Text) walk(visit func(n *node)) {
	var rec func(n *node)
	rec = func(n *node) {
		if n != t.root && !n.deleted {
			visit(n)
		}
		for _, c := range n.children {
			rec(c)
		}
	}
	rec(t.root)
}

// String materializes the visible text.
func (t *Text) String() string {
	var b strings.Builder
	t.walk(func(n *node) {
		b.WriteString(string(n.content))
	})
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	total := 0
	t.walk(func(n *node) {
		total += len(n.content)
	})
	return total
}

// idAt returns the ID of the visible rune at index (0-based).
// ok is false when index is out of range.
func (t *Text) idAt(index int) (ID, bool) {
	var id ID
	found := false
	pos := 0
	t.walk(func(n *node) {
		if found {
			return
		}
		if index < pos+len(n.content) {
			id = ID{Site: n.id.Site, Clock: n.id.Clock + uint64(index-pos)}
			found = true
			return
		}
		pos += len(n.content)
	})
	return id, found
}

// idsFrom collects the IDs of length visible runes starting at index,
// coalesced into contiguous (site, clock) spans.
func (t *Text) idsFrom(index, length int) []idSpan {
	var spans []idSpan
	pos := 0
	remaining := length
	t.walk(func(n *node) {
		if remaining <= 0 {
			return
		}
		end := pos + len(n.content)
		if end <= index {
			pos = end
			return
		}
		skip := 0
		if index > pos {
			skip = index - pos
		}
		take := len(n.content) - skip
		if take > remaining {
			take = remaining
		}
		start := ID{Site: n.id.Site, Clock: n.id.Clock + uint64(skip)}
		if len(spans) > 0 {
			last := &spans[len(spans)-1]
			if last.id.Site == start.Site && last.id.Clock+last.span == start.Clock {
				last.span += uint64(take)
				remaining -= take
				pos = end
				return
			}
		}
		spans = append(spans, idSpan{id: start, span: uint64(take)})
		remaining -= take
		pos = end
	})
	return spans
}

type idSpan struct {
	id   ID
	span uint64
}
