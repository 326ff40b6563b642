// Package backup periodically copies vault directories aside and prunes
// old copies.
//
// Layout under the backup root:
//
//	<root>/<vault-id>/hourly/<timestamp>/...
//	<root>/<vault-id>/daily/<YYYY-MM-DD>/...
//
// Hourly names are ISO-8601 UTC with colons replaced and sub-second
// precision trimmed, so a plain string sort is a chronological sort. Each
// snapshot directory carries a _manifest.msgpack with its metadata; the
// manifest is skipped on restore.
package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/vmihailenco/msgpack/v5"

	"notevault/internal/logging"
	"notevault/internal/vault"
)

const (
	hourlyFormat = "2006-01-02T15-04-05"
	dailyFormat  = "2006-01-02"

	manifestName = "_manifest.msgpack"

	defaultKeepHourly = 24
	defaultKeepDaily  = 7
	defaultInterval   = time.Hour
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidKind      = errors.New("invalid snapshot kind")
)

// Kind distinguishes the two snapshot cadences.
type Kind string

const (
	Hourly Kind = "hourly"
	Daily  Kind = "daily"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == Hourly || k == Daily }

// Snapshot describes one backup copy of a vault.
type Snapshot struct {
	VaultID   string    `msgpack:"vault"`
	Kind      Kind      `msgpack:"kind"`
	Name      string    `msgpack:"name"`
	Timestamp time.Time `msgpack:"ts"`
	SizeBytes int64     `msgpack:"size"`
}

// Config holds scheduler configuration.
type Config struct {
	// Store is the vault store whose directories get copied.
	Store *vault.Store

	// Root is the backup root directory.
	Root string

	// Interval between sweeps. Defaults to one hour.
	Interval time.Duration

	// KeepHourly and KeepDaily bound retention. Defaults: 24 and 7.
	KeepHourly int
	KeepDaily  int

	// Now is the clock, for tests. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Scheduler owns the periodic sweep and the snapshot/restore operations.
type Scheduler struct {
	store      *vault.Store
	root       string
	interval   time.Duration
	keepHourly int
	keepDaily  int
	now        func() time.Time
	logger     *slog.Logger

	scheduler gocron.Scheduler

	// mu serializes sweeps, manual snapshots and restores.
	mu sync.Mutex
}

// New creates a backup scheduler. Start must be called to begin sweeping.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepHourly <= 0 {
		cfg.KeepHourly = defaultKeepHourly
	}
	if cfg.KeepDaily <= 0 {
		cfg.KeepDaily = defaultKeepDaily
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create backup scheduler: %w", err)
	}

	return &Scheduler{
		store:      cfg.Store,
		root:       cfg.Root,
		interval:   cfg.Interval,
		keepHourly: cfg.KeepHourly,
		keepDaily:  cfg.KeepDaily,
		now:        cfg.Now,
		logger:     logging.Default(cfg.Logger).With("component", "backup"),
		scheduler:  sched,
	}, nil
}

// Start registers the sweep job and begins running it.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if err := s.Sweep(); err != nil {
				s.logger.Error("backup sweep failed", "error", err)
			}
		}),
		gocron.WithName("backup-sweep"),
	)
	if err != nil {
		return fmt.Errorf("register backup sweep: %w", err)
	}
	s.scheduler.Start()
	s.logger.Info("backup scheduler started", "interval", s.interval)
	return nil
}

// Stop shuts the scheduler down and waits for a running sweep to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep snapshots every vault and prunes old snapshots. One hourly copy is
// taken per sweep; a daily copy is added when today has none yet.
func (s *Scheduler) Sweep() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.Vaults()
	if err != nil {
		return err
	}

	var firstErr error
	for _, vaultID := range ids {
		if err := s.sweepVault(vaultID); err != nil {
			s.logger.Error("vault sweep failed", "vault", vaultID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) sweepVault(vaultID string) error {
	now := s.now().UTC()

	if _, err := s.snapshot(vaultID, Hourly, now.Format(hourlyFormat), now); err != nil {
		return err
	}

	dailyName := now.Format(dailyFormat)
	dailyDir := filepath.Join(s.root, vaultID, string(Daily), dailyName)
	if _, err := os.Stat(dailyDir); errors.Is(err, fs.ErrNotExist) {
		if _, err := s.snapshot(vaultID, Daily, dailyName, now); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("stat daily snapshot: %w", err)
	}

	if err := s.prune(vaultID, Hourly, s.keepHourly); err != nil {
		return err
	}
	return s.prune(vaultID, Daily, s.keepDaily)
}

// TakeSnapshot copies a vault on demand, equivalent to one hourly snapshot.
func (s *Scheduler) TakeSnapshot(vaultID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	return s.snapshot(vaultID, Hourly, now.Format(hourlyFormat), now)
}

// snapshot copies the live vault directory into a named snapshot
// directory. Existing hourly names are replaced; existing daily names are
// left intact.
func (s *Scheduler) snapshot(vaultID string, kind Kind, name string, ts time.Time) (Snapshot, error) {
	if !s.store.Exists(vaultID) {
		return Snapshot{}, fmt.Errorf("%w: %s", vault.ErrVaultNotFound, vaultID)
	}

	src := filepath.Join(s.store.Root(), vaultID)
	dst := filepath.Join(s.root, vaultID, string(kind), name)

	if _, err := os.Stat(dst); err == nil {
		if kind == Daily {
			return s.readManifest(vaultID, kind, name)
		}
		if err := os.RemoveAll(dst); err != nil {
			return Snapshot{}, fmt.Errorf("replace snapshot %s: %w", name, err)
		}
	}

	size, err := copyDir(src, dst, nil)
	if err != nil {
		os.RemoveAll(dst)
		return Snapshot{}, fmt.Errorf("copy vault %s: %w", vaultID, err)
	}

	snap := Snapshot{
		VaultID:   vaultID,
		Kind:      kind,
		Name:      name,
		Timestamp: ts,
		SizeBytes: size,
	}
	if err := writeManifest(dst, snap); err != nil {
		return Snapshot{}, err
	}

	s.logger.Info("snapshot created", "vault", vaultID, "kind", kind, "name", name, "bytes", size)
	return snap, nil
}

// prunable returns the names to delete so that at most keep of the
// lexicographically newest remain. Pure; the caller applies the IO.
func prunable(names []string, keep int) []string {
	if keep <= 0 || len(names) <= keep {
		return nil
	}
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	return sorted[:len(sorted)-keep]
}

func (s *Scheduler) prune(vaultID string, kind Kind, keep int) error {
	dir := filepath.Join(s.root, vaultID, string(kind))
	names, err := listNames(dir)
	if err != nil {
		return err
	}

	for _, name := range prunable(names, keep) {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("prune %s/%s/%s: %w", vaultID, kind, name, err)
		}
		s.logger.Debug("snapshot pruned", "vault", vaultID, "kind", kind, "name", name)
	}
	return nil
}

// List returns a vault's snapshots, newest first within each kind, hourly
// before daily.
func (s *Scheduler) List(vaultID string) ([]Snapshot, error) {
	if !vault.ValidVaultID(vaultID) {
		return nil, fmt.Errorf("%w: %q", vault.ErrInvalidVault, vaultID)
	}

	var snaps []Snapshot
	for _, kind := range []Kind{Hourly, Daily} {
		dir := filepath.Join(s.root, vaultID, string(kind))
		names, err := listNames(dir)
		if err != nil {
			return nil, err
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		for _, name := range names {
			snap, err := s.readManifest(vaultID, kind, name)
			if err != nil {
				// A snapshot without a readable manifest is still listed.
				snap = Snapshot{VaultID: vaultID, Kind: kind, Name: name}
			}
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

// Restore replaces the live vault directory with a snapshot. The live
// directory, when present, is first copied aside as a pre-restore hourly
// snapshot, named by its timestamp so retention ages it like any other
// hourly. The caller must evict any in-memory document afterward.
func (s *Scheduler) Restore(vaultID string, kind Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !vault.ValidVaultID(vaultID) {
		return fmt.Errorf("%w: %q", vault.ErrInvalidVault, vaultID)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	src := filepath.Join(s.root, vaultID, string(kind), name)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s/%s/%s", ErrSnapshotNotFound, vaultID, kind, name)
	}

	live := filepath.Join(s.store.Root(), vaultID)
	if s.store.Exists(vaultID) {
		now := s.now().UTC()
		safety := now.Format(hourlyFormat) + "-pre-restore"
		if _, err := s.snapshot(vaultID, Hourly, safety, now); err != nil {
			return fmt.Errorf("pre-restore snapshot: %w", err)
		}
		if err := os.RemoveAll(live); err != nil {
			return fmt.Errorf("remove live vault %s: %w", vaultID, err)
		}
	}

	skip := map[string]struct{}{manifestName: {}}
	if _, err := copyDir(src, live, skip); err != nil {
		return fmt.Errorf("restore vault %s: %w", vaultID, err)
	}

	s.logger.Info("vault restored", "vault", vaultID, "kind", kind, "name", name)
	return nil
}

func writeManifest(dir string, snap Snapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (s *Scheduler) readManifest(vaultID string, kind Kind, name string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.root, vaultID, string(kind), name, manifestName))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read manifest: %w", err)
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode manifest: %w", err)
	}
	return snap, nil
}

// listNames returns the snapshot directory names under dir. A missing dir
// yields an empty list.
func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// copyDir recursively copies src into dst and returns the bytes copied.
// Top-level names in skip are not copied.
func copyDir(src, dst string, skip map[string]struct{}) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." {
			if _, ok := skip[rel]; ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		n, err := copyFile(p, target)
		total += n
		return err
	})
	return total, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// SnapshotPath returns the directory of a snapshot, for offline tooling.
func (s *Scheduler) SnapshotPath(vaultID string, kind Kind, name string) string {
	return filepath.Join(s.root, vaultID, string(kind), name)
}
