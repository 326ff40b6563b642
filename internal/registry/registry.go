// Package registry keeps the live CRDT documents of open vaults in memory.
//
// A vault's document is loaded on first acquire (concurrent loads are
// deduplicated), reference counted across sessions, flushed back to disk by
// a periodic autosave loop, and evicted when the last session releases it.
// File changes flowing out of a document are materialized to the vault
// directory after a short per-path debounce, so rapid keystrokes coalesce
// into one write.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notevault/internal/callgroup"
	"notevault/internal/crdt"
	"notevault/internal/logging"
	"notevault/internal/notify"
	"notevault/internal/vault"
)

const (
	defaultAutosaveInterval = 10 * time.Second
	defaultDebounce         = 200 * time.Millisecond
)

// Config holds registry configuration.
type Config struct {
	// Store persists snapshots and materialized files.
	Store *vault.Store

	// AutosaveInterval is how often dirty documents are flushed to disk.
	// Defaults to 10s.
	AutosaveInterval time.Duration

	// Debounce is how long a file change may sit before it is
	// materialized. Defaults to 200ms.
	Debounce time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Registry manages the live documents of open vaults.
type Registry struct {
	store    *vault.Store
	logger   *slog.Logger
	interval time.Duration
	debounce time.Duration

	loads callgroup.Group[string]
	wake  *notify.Signal

	mu      sync.Mutex
	handles map[string]*Handle
	dirty   map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry and starts its autosave loop.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = defaultAutosaveInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	r := &Registry{
		store:    cfg.Store,
		logger:   logging.Default(cfg.Logger).With("component", "registry"),
		interval: cfg.AutosaveInterval,
		debounce: cfg.Debounce,
		wake:     notify.NewSignal(),
		handles:  make(map[string]*Handle),
		dirty:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.autosaveLoop()

	return r, nil
}

// Acquire returns the live handle for a vault, loading its snapshot on the
// first acquire. A vault missing on disk is created with an empty snapshot,
// so a join can bootstrap it; callers that must not create anything check
// existence themselves. Each Acquire must be paired with a Release.
func (r *Registry) Acquire(vaultID string) (*Handle, error) {
	if !r.store.Exists(vaultID) {
		if err := r.store.CreateVault(vaultID); err != nil && !errors.Is(err, vault.ErrVaultExists) {
			return nil, err
		}
	}

	for {
		// Deduplicate concurrent loads of the same vault.
		if err := <-r.loads.DoChan(vaultID, func() error {
			r.mu.Lock()
			_, ok := r.handles[vaultID]
			r.mu.Unlock()
			if ok {
				return nil
			}
			h, err := r.load(vaultID)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.handles[vaultID] = h
			r.mu.Unlock()
			return nil
		}); err != nil {
			return nil, err
		}

		r.mu.Lock()
		h, ok := r.handles[vaultID]
		if ok {
			h.refs++
		}
		r.mu.Unlock()
		if ok {
			return h, nil
		}
		// Evicted between load and acquire; load again.
	}
}

// load reads the snapshot from disk and builds a live handle.
func (r *Registry) load(vaultID string) (*Handle, error) {
	snapshot, err := r.store.LoadSnapshot(vaultID)
	if err != nil {
		return nil, err
	}

	doc := crdt.NewRandomSite()
	if len(snapshot) > 0 {
		if err := doc.ApplyUpdate(snapshot); err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", vaultID, err)
		}
	}

	h := &Handle{
		vaultID:   vaultID,
		reg:       r,
		doc:       doc,
		awareness: crdt.NewAwareness(),
		pending:   make(map[string]*time.Timer),
	}
	doc.OnUpdate(func() {
		r.markDirty(vaultID)
	})
	doc.OnFilesChanged(func(changes []crdt.FileChange) {
		for _, c := range changes {
			h.scheduleMaterialize(c.Path)
		}
	})

	r.logger.Debug("vault loaded", "vault", vaultID, "files", len(doc.Files()))
	return h, nil
}

// Release drops one reference to a vault's handle. When the last reference
// goes, the document is flushed and evicted.
func (r *Registry) Release(vaultID string) {
	r.mu.Lock()
	h, ok := r.handles[vaultID]
	if !ok {
		r.mu.Unlock()
		return
	}
	h.refs--
	last := h.refs <= 0
	if last {
		delete(r.handles, vaultID)
		delete(r.dirty, vaultID)
	}
	r.mu.Unlock()

	if last {
		h.drainMaterialize()
		if err := r.save(h); err != nil {
			r.logger.Error("flush on evict failed", "vault", vaultID, "error", err)
		}
		r.logger.Debug("vault evicted", "vault", vaultID)
	}
}

// Handle returns the live handle for a vault without acquiring a
// reference, or nil when the vault is not loaded.
func (r *Registry) Handle(vaultID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[vaultID]
}

// Flush saves every dirty document now.
func (r *Registry) Flush() {
	r.mu.Lock()
	toSave := make([]*Handle, 0, len(r.dirty))
	for vaultID := range r.dirty {
		if h, ok := r.handles[vaultID]; ok {
			toSave = append(toSave, h)
		}
		delete(r.dirty, vaultID)
	}
	r.mu.Unlock()

	for _, h := range toSave {
		if err := r.save(h); err != nil {
			r.logger.Error("autosave failed", "vault", h.vaultID, "error", err)
			r.markDirty(h.vaultID)
		}
	}
}

// Close flushes all pending state and stops the autosave loop.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*Handle)
	r.dirty = make(map[string]struct{})
	r.mu.Unlock()

	for _, h := range handles {
		h.drainMaterialize()
		if err := r.save(h); err != nil {
			r.logger.Error("flush on close failed", "vault", h.vaultID, "error", err)
		}
	}
}

func (r *Registry) markDirty(vaultID string) {
	r.mu.Lock()
	r.dirty[vaultID] = struct{}{}
	r.mu.Unlock()
	r.wake.Notify()
}

func (r *Registry) save(h *Handle) error {
	h.mu.Lock()
	state := h.doc.EncodeState()
	h.mu.Unlock()
	return r.store.SaveSnapshot(h.vaultID, state)
}

// autosaveLoop sleeps while nothing is dirty, then flushes one interval
// after the first dirty mark so bursts of edits coalesce into one save.
func (r *Registry) autosaveLoop() {
	defer r.wg.Done()

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		// Grab the wake channel before checking for work so a Notify in
		// between is not lost.
		wake := r.wake.C()

		r.mu.Lock()
		hasDirty := len(r.dirty) > 0
		r.mu.Unlock()

		if !hasDirty {
			select {
			case <-r.done:
				return
			case <-wake:
			}
			continue
		}

		timer.Reset(r.interval)
		select {
		case <-r.done:
			return
		case <-timer.C:
			r.Flush()
		}
	}
}
