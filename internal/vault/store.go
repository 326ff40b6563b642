// Package vault implements the on-disk layout for vault data: one directory
// per vault holding the binary CRDT snapshot plus the materialized text
// files clients see.
//
// Layout under the store root:
//
//	<root>/<vault-id>/
//	  _state.ydoc          (binary CRDT snapshot)
//	  <relative>/<file>    (materialized UTF-8 text files)
//
// Names starting with "_" or "." are reserved and never enumerated as user
// files. Every user-supplied path passes sanitization before touching the
// filesystem; every write is atomic (temp sibling, fsync, rename).
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"notevault/internal/logging"
)

const snapshotFileName = "_state.ydoc"

var (
	ErrVaultExists   = errors.New("vault already exists")
	ErrVaultNotFound = errors.New("vault not found")
	ErrFileNotFound  = errors.New("file not found")
	ErrInvalidVault  = errors.New("invalid vault id")
	ErrInvalidPath   = errors.New("invalid path")
)

var vaultIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidVaultID reports whether id is a legal vault identifier.
func ValidVaultID(id string) bool {
	return vaultIDPattern.MatchString(id)
}

// Store manages vault directories under a single root.
type Store struct {
	root   string
	logger *slog.Logger
}

// Config holds store configuration.
type Config struct {
	// Root is the directory holding all vault directories.
	Root string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewStore creates a store rooted at cfg.Root, creating the root if needed.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:   cfg.Root,
		logger: logging.Default(cfg.Logger).With("component", "vault-store"),
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// vaultDir validates the vault ID and returns its directory path.
func (s *Store) vaultDir(vaultID string) (string, error) {
	if !ValidVaultID(vaultID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVault, vaultID)
	}
	return filepath.Join(s.root, vaultID), nil
}

// resolve sanitizes a user-supplied relative path within a vault.
// Rejected: absolute paths, ".." segments, and anything that resolves
// outside the vault directory.
func (s *Store) resolve(vaultID, path string) (string, error) {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, path)
	}

	clean := filepath.Clean(filepath.FromSlash(path))
	for _, seg := range strings.Split(clean, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("%w: traversal in %q", ErrInvalidPath, path)
		}
	}

	abs := filepath.Join(dir, clean)
	if abs != dir && !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes vault root", ErrInvalidPath, path)
	}
	return abs, nil
}

// reserved reports whether any segment of a vault-relative path starts
// with "_" or ".".
func reserved(rel string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(seg, "_") || strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// CreateVault creates the vault directory with an empty snapshot.
func (s *Store) CreateVault(vaultID string) error {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrVaultExists, vaultID)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat vault %s: %w", vaultID, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create vault %s: %w", vaultID, err)
	}
	if err := atomicWrite(filepath.Join(dir, snapshotFileName), nil); err != nil {
		return fmt.Errorf("write empty snapshot for %s: %w", vaultID, err)
	}
	s.logger.Info("vault created", "vault", vaultID)
	return nil
}

// Exists reports whether the vault directory exists.
func (s *Store) Exists(vaultID string) bool {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// LoadSnapshot reads the binary CRDT snapshot. Returns empty bytes when
// the vault has no snapshot yet.
func (s *Store) LoadSnapshot(vaultID string) ([]byte, error) {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", vaultID, err)
	}
	return data, nil
}

// SaveSnapshot atomically replaces the binary CRDT snapshot.
func (s *Store) SaveSnapshot(vaultID string, data []byte) error {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return err
	}
	if !s.Exists(vaultID) {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	if err := atomicWrite(filepath.Join(dir, snapshotFileName), data); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", vaultID, err)
	}
	return nil
}

// ListFiles returns the sorted vault-relative paths of all user files.
// Reserved names are skipped.
func (s *Store) ListFiles(vaultID string) ([]string, error) {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return nil, err
	}
	if !s.Exists(vaultID) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if reserved(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			paths = append(paths, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files in %s: %w", vaultID, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadFile returns the content of a materialized file.
func (s *Store) ReadFile(vaultID, path string) (string, error) {
	abs, err := s.resolve(vaultID, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s in %s: %w", path, vaultID, err)
	}
	return string(data), nil
}

// WriteFile atomically writes a materialized file, creating parents.
func (s *Store) WriteFile(vaultID, path, content string) error {
	abs, err := s.resolve(vaultID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := atomicWrite(abs, []byte(content)); err != nil {
		return fmt.Errorf("write %s in %s: %w", path, vaultID, err)
	}
	return nil
}

// DeleteFile removes a materialized file. Missing files are tolerated.
func (s *Store) DeleteFile(vaultID, path string) error {
	abs, err := s.resolve(vaultID, path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s in %s: %w", path, vaultID, err)
	}
	return nil
}

// RenameFile moves a materialized file, creating parents of the new path.
func (s *Store) RenameFile(vaultID, oldPath, newPath string) error {
	oldAbs, err := s.resolve(vaultID, oldPath)
	if err != nil {
		return err
	}
	newAbs, err := s.resolve(vaultID, newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o750); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", newPath, err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, oldPath)
		}
		return fmt.Errorf("rename %s to %s in %s: %w", oldPath, newPath, vaultID, err)
	}
	return nil
}

// DeleteVault removes the vault directory recursively. The caller must
// have cascaded memberships first.
func (s *Store) DeleteVault(vaultID string) error {
	dir, err := s.vaultDir(vaultID)
	if err != nil {
		return err
	}
	if !s.Exists(vaultID) {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete vault %s: %w", vaultID, err)
	}
	s.logger.Info("vault deleted", "vault", vaultID)
	return nil
}

// Vaults returns the sorted IDs of all vault directories under the root.
func (s *Store) Vaults() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidVaultID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
