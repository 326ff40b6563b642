package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"notevault/internal/vault"
)

func newTestScheduler(t *testing.T, now *time.Time) (*Scheduler, *vault.Store) {
	t.Helper()
	store, err := vault.NewStore(vault.Config{Root: filepath.Join(t.TempDir(), "vaults")})
	if err != nil {
		t.Fatalf("vault.NewStore: %v", err)
	}
	s, err := New(Config{
		Store: store,
		Root:  filepath.Join(t.TempDir(), "backups"),
		Now:   func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, store
}

func TestPrunable(t *testing.T) {
	names := []string{
		"2026-08-24T10-00-00",
		"2026-08-24T08-00-00",
		"2026-08-24T09-00-00",
		"2026-08-24T11-00-00",
	}

	got := prunable(names, 2)
	want := []string{"2026-08-24T08-00-00", "2026-08-24T09-00-00"}
	if !slices.Equal(got, want) {
		t.Errorf("expected oldest pruned %v, got %v", want, got)
	}

	// Safety snapshots sort with their timestamp, so retention never
	// keeps them in preference to newer hourlies.
	withSafety := []string{
		"2026-08-24T10-00-00",
		"2026-08-24T09-00-00-pre-restore",
		"2026-08-24T11-00-00",
		"2026-08-24T08-00-00",
	}
	got = prunable(withSafety, 2)
	want = []string{"2026-08-24T08-00-00", "2026-08-24T09-00-00-pre-restore"}
	if !slices.Equal(got, want) {
		t.Errorf("expected oldest pruned %v, got %v", want, got)
	}

	if got := prunable(names, 4); got != nil {
		t.Errorf("expected nothing to prune at the limit, got %v", got)
	}
	if got := prunable(names, 0); got != nil {
		t.Errorf("keep 0 must prune nothing, got %v", got)
	}
	if got := prunable(nil, 5); got != nil {
		t.Errorf("empty listing prunes nothing, got %v", got)
	}
}

func TestSweepCreatesHourlyAndDaily(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if err := store.WriteFile("v1", "note.md", "backed up"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	hourly := s.SnapshotPath("v1", Hourly, "2026-08-24T10-30-00")
	daily := s.SnapshotPath("v1", Daily, "2026-08-24")
	for _, dir := range []string{hourly, daily} {
		data, err := os.ReadFile(filepath.Join(dir, "note.md"))
		if err != nil {
			t.Fatalf("read copied file in %s: %v", dir, err)
		}
		if string(data) != "backed up" {
			t.Errorf("expected copied content in %s, got %q", dir, data)
		}
		if _, err := os.Stat(filepath.Join(dir, "_state.ydoc")); err != nil {
			t.Errorf("expected snapshot file copied in %s: %v", dir, err)
		}
	}

	snaps, err := s.List("v1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Kind != Hourly || snaps[0].Name != "2026-08-24T10-30-00" {
		t.Errorf("unexpected first snapshot: %+v", snaps[0])
	}
	if snaps[1].Kind != Daily || snaps[1].Name != "2026-08-24" {
		t.Errorf("unexpected second snapshot: %+v", snaps[1])
	}
	if snaps[0].SizeBytes == 0 {
		t.Error("expected nonzero snapshot size")
	}
}

func TestSweepDailyIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if err := store.WriteFile("v1", "note.md", "morning"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	// A later sweep the same day must not overwrite the daily copy.
	if err := store.WriteFile("v1", "note.md", "afternoon"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	now = now.Add(time.Hour)
	if err := s.Sweep(); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.SnapshotPath("v1", Daily, "2026-08-24"), "note.md"))
	if err != nil {
		t.Fatalf("read daily copy: %v", err)
	}
	if string(data) != "morning" {
		t.Errorf("daily snapshot must keep the first copy of the day, got %q", data)
	}

	// The new hourly copy carries the newer content.
	data, err = os.ReadFile(filepath.Join(s.SnapshotPath("v1", Hourly, "2026-08-24T11-00-00"), "note.md"))
	if err != nil {
		t.Fatalf("read hourly copy: %v", err)
	}
	if string(data) != "afternoon" {
		t.Errorf("expected newest content in hourly copy, got %q", data)
	}
}

func TestRetentionAfterSweep(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	// 30 hourly sweeps across two days.
	for range 30 {
		if err := s.Sweep(); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		now = now.Add(time.Hour)
	}

	hourlies, err := listNames(filepath.Join(s.root, "v1", string(Hourly)))
	if err != nil {
		t.Fatalf("listNames: %v", err)
	}
	if len(hourlies) != defaultKeepHourly {
		t.Errorf("expected %d hourly snapshots, got %d", defaultKeepHourly, len(hourlies))
	}
	// The survivors are the newest ones.
	slices.Sort(hourlies)
	if hourlies[0] != "2026-08-24T06-00-00" {
		t.Errorf("expected oldest survivor 2026-08-24T06-00-00, got %s", hourlies[0])
	}

	dailies, err := listNames(filepath.Join(s.root, "v1", string(Daily)))
	if err != nil {
		t.Fatalf("listNames daily: %v", err)
	}
	if len(dailies) != 2 {
		t.Errorf("expected 2 daily snapshots, got %v", dailies)
	}
}

func TestTakeSnapshot(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	snap, err := s.TakeSnapshot("v1")
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if snap.Kind != Hourly || snap.Name != "2026-08-24T12-00-00" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	if _, err := s.TakeSnapshot("ghost"); !errors.Is(err, vault.ErrVaultNotFound) {
		t.Errorf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestRestoreTakesSafetySnapshotFirst(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if err := store.WriteFile("v1", "note.md", "good state"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.TakeSnapshot("v1"); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}

	// Damage the live vault, then restore.
	if err := store.WriteFile("v1", "note.md", "bad state"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	now = now.Add(30 * time.Minute)
	if err := s.Restore("v1", Hourly, "2026-08-24T12-00-00"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := store.ReadFile("v1", "note.md")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "good state" {
		t.Errorf("expected restored content, got %q", got)
	}

	// No manifest leaked into the live directory (reserved name anyway).
	if _, err := os.Stat(filepath.Join(store.Root(), "v1", manifestName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("manifest must not be restored, stat err=%v", err)
	}

	// The damaged state survives in the safety snapshot.
	safety := s.SnapshotPath("v1", Hourly, "2026-08-24T12-30-00-pre-restore")
	data, err := os.ReadFile(filepath.Join(safety, "note.md"))
	if err != nil {
		t.Fatalf("read safety snapshot: %v", err)
	}
	if string(data) != "bad state" {
		t.Errorf("expected pre-restore content preserved, got %q", data)
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)
	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	if err := s.Restore("v1", Hourly, "2020-01-01T00-00-00"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
	if err := s.Restore("v1", Kind("weekly"), "x"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
	if err := s.Restore("../evil", Hourly, "x"); !errors.Is(err, vault.ErrInvalidVault) {
		t.Errorf("expected ErrInvalidVault, got %v", err)
	}
}

func TestRestoreIntoMissingVault(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	if err := store.CreateVault("v1"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if err := store.WriteFile("v1", "note.md", "content"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.TakeSnapshot("v1"); err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if err := store.DeleteVault("v1"); err != nil {
		t.Fatalf("DeleteVault: %v", err)
	}

	// Restoring a deleted vault recreates it without a safety snapshot.
	if err := s.Restore("v1", Hourly, "2026-08-24T12-00-00"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := store.ReadFile("v1", "note.md")
	if err != nil || got != "content" {
		t.Errorf("expected recreated vault content, got %q err=%v", got, err)
	}
}

func TestHourlyNamesSortChronologically(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 8, 24, 9, 59, 59, 0, time.UTC),
		time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var names []string
	for _, ts := range times {
		names = append(names, ts.Format(hourlyFormat))
	}
	if !slices.IsSorted(names) {
		t.Errorf("hourly names must sort chronologically: %v", names)
	}
}

func TestSweepMultipleVaults(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &now)

	for i := range 3 {
		id := fmt.Sprintf("vault%d", i)
		if err := store.CreateVault(id); err != nil {
			t.Fatalf("CreateVault(%s): %v", id, err)
		}
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	for i := range 3 {
		id := fmt.Sprintf("vault%d", i)
		snaps, err := s.List(id)
		if err != nil {
			t.Fatalf("List(%s): %v", id, err)
		}
		if len(snaps) != 2 {
			t.Errorf("expected 2 snapshots for %s, got %d", id, len(snaps))
		}
	}
}
