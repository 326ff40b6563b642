package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"notevault/internal/crdt"
	"notevault/internal/vault"
)

func newTestRegistry(t *testing.T) (*Registry, *vault.Store) {
	t.Helper()
	store, err := vault.NewStore(vault.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r, err := New(Config{
		Store:            store,
		AutosaveInterval: 25 * time.Millisecond,
		Debounce:         10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquireLoadsSnapshot(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	seed := crdt.New(1)
	seed.SetFileText("note.md", "hello")
	if err := store.SaveSnapshot("v1", seed.EncodeState()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")

	text, ok := h.FileText("note.md")
	if !ok || text != "hello" {
		t.Errorf("expected note.md = %q, got %q (ok=%v)", "hello", text, ok)
	}
}

func TestAcquireCreatesMissingVault(t *testing.T) {
	r, store := newTestRegistry(t)

	h, err := r.Acquire("fresh")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("fresh")

	if !store.Exists("fresh") {
		t.Error("expected the vault directory to be created")
	}
	if files := h.Files(); len(files) != 0 {
		t.Errorf("expected an empty document, got %v", files)
	}

	if _, err := r.Acquire("no spaces!"); !errors.Is(err, vault.ErrInvalidVault) {
		t.Errorf("expected ErrInvalidVault, got %v", err)
	}
}

func TestConcurrentAcquireSharesHandle(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	const n = 8
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Acquire("v1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			handles[i] = h
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("expected all acquires to share one handle")
		}
	}
	for range n {
		r.Release("v1")
	}
	if r.Handle("v1") != nil {
		t.Error("expected handle evicted after last release")
	}
}

func TestEvictionFlushesState(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.SetFileText("a.md", "content")
	r.Release("v1")

	snapshot, err := store.LoadSnapshot("v1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	check := crdt.New(99)
	if err := check.ApplyUpdate(snapshot); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if text, ok := check.FileText("a.md"); !ok || text != "content" {
		t.Errorf("expected flushed snapshot to hold a.md, got %q (ok=%v)", text, ok)
	}
}

func TestAutosaveFlushesDirtyDoc(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")
	h.SetFileText("a.md", "autosaved")

	waitFor(t, "autosave", func() bool {
		snapshot, err := store.LoadSnapshot("v1")
		if err != nil || len(snapshot) == 0 {
			return false
		}
		check := crdt.New(99)
		if err := check.ApplyUpdate(snapshot); err != nil {
			return false
		}
		text, ok := check.FileText("a.md")
		return ok && text == "autosaved"
	})
}

func TestMaterializeDebounced(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")

	h.SetFileText("notes/a.md", "v1 text")
	waitFor(t, "file materialization", func() bool {
		text, err := store.ReadFile("v1", "notes/a.md")
		return err == nil && text == "v1 text"
	})

	// A delete after the write removes the file from disk.
	h.RemoveFile("notes/a.md")
	waitFor(t, "file removal", func() bool {
		_, err := store.ReadFile("v1", "notes/a.md")
		return errors.Is(err, vault.ErrFileNotFound)
	})
}

func TestMaterializeDeleteThenWriteWins(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")

	// Delete and recreate within one debounce window; the final document
	// state decides what lands on disk.
	h.SetFileText("a.md", "first")
	h.RemoveFile("a.md")
	h.SetFileText("a.md", "second")

	waitFor(t, "final content", func() bool {
		text, err := store.ReadFile("v1", "a.md")
		return err == nil && text == "second"
	})
}

func TestMaterializeRetriesAfterFailure(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")

	// Block the target path with a non-empty directory so the write fails.
	blocker := filepath.Join(store.Root(), "v1", "a.md")
	if err := os.MkdirAll(blocker, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(blocker, "x"), []byte("x"), 0o640); err != nil {
		t.Fatalf("WriteFile blocker: %v", err)
	}

	h.SetFileText("a.md", "kept through failure")

	// Let at least one attempt fail, then clear the way; the path must be
	// retried without another edit touching it.
	time.Sleep(50 * time.Millisecond)
	if err := os.RemoveAll(blocker); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	waitFor(t, "retried materialization", func() bool {
		text, err := store.ReadFile("v1", "a.md")
		return err == nil && text == "kept through failure"
	})
}

func TestRemoteUpdateMaterializes(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")

	peer := crdt.New(7)
	update := peer.SetFileText("shared.md", "from peer")
	if err := h.ApplyUpdate(update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	waitFor(t, "remote materialization", func() bool {
		text, err := store.ReadFile("v1", "shared.md")
		return err == nil && text == "from peer"
	})
}

func TestCloseFlushes(t *testing.T) {
	store, err := vault.NewStore(vault.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	r, err := New(Config{Store: store, AutosaveInterval: time.Hour, Debounce: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.SetFileText("a.md", "final words")
	r.Close()

	// Both the snapshot and the debounced materialization were flushed.
	snapshot, err := store.LoadSnapshot("v1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	check := crdt.New(99)
	if err := check.ApplyUpdate(snapshot); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if text, ok := check.FileText("a.md"); !ok || text != "final words" {
		t.Errorf("expected snapshot flushed on close, got %q (ok=%v)", text, ok)
	}
	if text, err := store.ReadFile("v1", "a.md"); err != nil || text != "final words" {
		t.Errorf("expected file materialized on close, got %q err=%v", text, err)
	}
}

func TestAwarenessThroughHandle(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	h, err := r.Acquire("v1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release("v1")

	delta, err := msgpack.Marshal(map[string]any{
		"a": []map[string]any{{"c": uint64(42), "k": uint64(1), "d": []byte(`{"cursor":3}`)}},
	})
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}

	changed, err := h.ApplyAwareness(delta)
	if err != nil {
		t.Fatalf("ApplyAwareness: %v", err)
	}
	if len(changed) != 1 || changed[0] != 42 {
		t.Errorf("expected client 42 changed, got %v", changed)
	}

	// A stale clock is ignored.
	changed, err = h.ApplyAwareness(delta)
	if err != nil {
		t.Fatalf("ApplyAwareness replay: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("replayed delta should not change state, got %v", changed)
	}

	if removal := h.RemoveAwareness(42); removal == nil {
		t.Error("expected a removal delta for a present client")
	}
	if removal := h.RemoveAwareness(99); removal != nil {
		t.Error("expected nil removal delta for an absent client")
	}
}
