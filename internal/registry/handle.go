package registry

import (
	"sync"
	"time"

	"notevault/internal/crdt"
)

// Handle is the live, reference-counted state of one open vault: its CRDT
// document plus the ephemeral awareness set. All document access goes
// through the handle's lock; the crdt types themselves are not safe for
// concurrent use.
type Handle struct {
	vaultID string
	reg     *Registry

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness *crdt.Awareness
	refs      int

	pendMu  sync.Mutex
	pending map[string]*time.Timer
}

// VaultID returns the vault this handle belongs to.
func (h *Handle) VaultID() string { return h.vaultID }

// ApplyUpdate merges a remote update into the document.
func (h *Handle) ApplyUpdate(payload []byte) error {
	return h.ApplyUpdateThen(payload, nil)
}

// ApplyUpdateThen merges a remote update and, when it applied cleanly,
// runs then before the document lock is released. Frames enqueued inside
// then preserve the order updates were applied in, even across concurrent
// writers.
func (h *Handle) ApplyUpdateThen(payload []byte, then func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.doc.ApplyUpdate(payload); err != nil {
		return err
	}
	if then != nil {
		then()
	}
	return nil
}

// EncodeState returns the full document state.
func (h *Handle) EncodeState() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.EncodeState()
}

// StateVector returns the document's encoded state vector.
func (h *Handle) StateVector() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.StateVector()
}

// DiffSince returns the update that brings a peer at the given state
// vector up to date.
func (h *Handle) DiffSince(vec []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.DiffSince(vec)
}

// Files returns the live file paths of the document.
func (h *Handle) Files() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Files()
}

// FileText returns a file's current text.
func (h *Handle) FileText(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.FileText(path)
}

// SetFileText replaces a file's content as a local edit and returns the
// update to broadcast.
func (h *Handle) SetFileText(path, content string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.SetFileText(path, content)
}

// RemoveFile deletes a file as a local edit and returns the update to
// broadcast.
func (h *Handle) RemoveFile(path string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.RemoveFile(path)
}

// RenameFile moves a file as a local edit and returns the update to
// broadcast.
func (h *Handle) RenameFile(oldPath, newPath string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.RenameFile(oldPath, newPath)
}

// ApplyAwareness merges an awareness delta and returns the client IDs
// whose state changed.
func (h *Handle) ApplyAwareness(payload []byte) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awareness.Apply(payload)
}

// RemoveAwareness drops a client's presence and returns the removal delta
// to broadcast, or nil if the client had none.
func (h *Handle) RemoveAwareness(client uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awareness.Remove(client)
}

// AwarenessClients returns the client IDs with live presence state.
func (h *Handle) AwarenessClients() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awareness.Clients()
}

// EncodeAwareness returns the full awareness state as a delta payload.
func (h *Handle) EncodeAwareness() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.awareness.Encode()
}

// scheduleMaterialize (re)arms the debounce timer for one path. When the
// timer fires the path is written or deleted according to the document's
// state at that moment, so a write arriving after a delete simply wins.
func (h *Handle) scheduleMaterialize(path string) {
	h.armMaterialize(path, h.reg.debounce)
}

func (h *Handle) armMaterialize(path string, delay time.Duration) {
	h.pendMu.Lock()
	defer h.pendMu.Unlock()
	if t, ok := h.pending[path]; ok {
		t.Reset(delay)
		return
	}
	h.pending[path] = time.AfterFunc(delay, func() {
		h.pendMu.Lock()
		delete(h.pending, path)
		h.pendMu.Unlock()
		h.materialize(path)
	})
}

// drainMaterialize cancels all debounce timers and materializes their
// paths immediately. Called on eviction and shutdown.
func (h *Handle) drainMaterialize() {
	h.pendMu.Lock()
	paths := make([]string, 0, len(h.pending))
	for path, t := range h.pending {
		if t.Stop() {
			paths = append(paths, path)
		}
	}
	h.pending = make(map[string]*time.Timer)
	h.pendMu.Unlock()

	for _, path := range paths {
		h.materialize(path)
	}
}

// materialize syncs one path on disk with the document. A failed write or
// delete re-marks the vault dirty and re-arms the path on the autosave
// interval, so a transient disk error is retried rather than leaving the
// file stale until its next edit.
func (h *Handle) materialize(path string) {
	text, ok := h.FileText(path)

	var err error
	if ok {
		err = h.reg.store.WriteFile(h.vaultID, path, text)
	} else {
		err = h.reg.store.DeleteFile(h.vaultID, path)
	}
	if err != nil {
		h.reg.logger.Error("materialize failed", "vault", h.vaultID, "path", path, "error", err)
		h.reg.markDirty(h.vaultID)
		h.armMaterialize(path, h.reg.interval)
	}
}
