// Package home manages the notevault data directory layout.
//
// The data directory owns all persistent state: the permission database,
// per-vault file trees and CRDT snapshots, and backup snapshots.
//
// Layout:
//
//	<root>/
//	  permissions.db                 (sqlite: users + memberships)
//	  vaults/
//	    <vault-id>/                  (materialized files + _state.ydoc)
//	  backups/
//	    <vault-id>/hourly/<ts>/      (hourly snapshots)
//	    <vault-id>/daily/<date>/     (daily snapshots)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a notevault data directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/notevault
//   - macOS:   ~/Library/Application Support/notevault
//   - Windows: %APPDATA%/notevault
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "notevault")}, nil
}

// Root returns the data directory path.
func (d Dir) Root() string {
	return d.root
}

// VaultsDir returns the directory holding all live vault trees.
func (d Dir) VaultsDir() string {
	return filepath.Join(d.root, "vaults")
}

// BackupsDir returns the directory holding all backup snapshots.
func (d Dir) BackupsDir() string {
	return filepath.Join(d.root, "backups")
}

// PermissionsPath returns the path to the permission database.
func (d Dir) PermissionsPath() string {
	return filepath.Join(d.root, "permissions.db")
}

// EnsureExists creates the data directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", d.root, err)
	}
	return nil
}
