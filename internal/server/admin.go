// Package server is the composition root: the websocket sync endpoint,
// the administrative service and the HTTP lifecycle around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"notevault/internal/auth"
	"notevault/internal/backup"
	"notevault/internal/engine"
	"notevault/internal/fault"
	"notevault/internal/logging"
	"notevault/internal/permission"
	"notevault/internal/registry"
	"notevault/internal/vault"
)

// Admin is the administrative boundary. Every method authorizes the given
// identity before acting; server admins bypass per-vault roles everywhere
// except ownership transfer.
type Admin struct {
	store   *vault.Store
	perms   *permission.Store
	reg     *registry.Registry
	engine  *engine.Engine
	backups *backup.Scheduler
	logger  *slog.Logger
}

// AdminConfig holds the collaborators of the admin service.
type AdminConfig struct {
	Store    *vault.Store
	Perms    *permission.Store
	Registry *registry.Registry
	Engine   *engine.Engine
	Backups  *backup.Scheduler

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewAdmin creates the admin service.
func NewAdmin(cfg AdminConfig) (*Admin, error) {
	if cfg.Store == nil || cfg.Perms == nil || cfg.Registry == nil || cfg.Engine == nil || cfg.Backups == nil {
		return nil, fmt.Errorf("all collaborators are required")
	}
	return &Admin{
		store:   cfg.Store,
		perms:   cfg.Perms,
		reg:     cfg.Registry,
		engine:  cfg.Engine,
		backups: cfg.Backups,
		logger:  logging.Default(cfg.Logger).With("component", "admin"),
	}, nil
}

// classify maps sentinel errors from the core packages onto fault kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	kind := fault.Internal
	switch {
	case errors.Is(err, permission.ErrInsufficientRole),
		errors.Is(err, permission.ErrIsOwner),
		errors.Is(err, permission.ErrOwnerAssignment),
		errors.Is(err, permission.ErrNotOwner):
		kind = fault.Forbidden
	case errors.Is(err, permission.ErrNotMember),
		errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, vault.ErrFileNotFound),
		errors.Is(err, backup.ErrSnapshotNotFound):
		kind = fault.NotFound
	case errors.Is(err, permission.ErrAlreadyMember),
		errors.Is(err, permission.ErrAlreadyOwned),
		errors.Is(err, vault.ErrVaultExists):
		kind = fault.Conflict
	case errors.Is(err, permission.ErrInvalidRole),
		errors.Is(err, permission.ErrCannotSelf),
		errors.Is(err, permission.ErrSelfTransfer),
		errors.Is(err, vault.ErrInvalidVault),
		errors.Is(err, vault.ErrInvalidPath),
		errors.Is(err, backup.ErrInvalidKind):
		kind = fault.Invalid
	}
	return fault.New(kind, err)
}

// requireRole verifies the identity holds at least min in the vault.
// Server admins pass unconditionally.
func (a *Admin) requireRole(ctx context.Context, ident auth.Identity, vaultID string, min permission.Role) error {
	if ident.ServerAdmin {
		return nil
	}
	ok, err := a.perms.HasRoleOrHigher(ctx, ident.UserID, vaultID, min)
	if err != nil {
		return classify(err)
	}
	if !ok {
		return fault.Newf(fault.Forbidden, "vault %s: requires %s", vaultID, min)
	}
	return nil
}

// actor resolves the actor ID for membership mutations. Server admins act
// as the system and bypass the strictly-below rule.
func (a *Admin) actor(ident auth.Identity) int64 {
	if ident.ServerAdmin {
		return permission.SystemActor
	}
	return ident.UserID
}

// CreateVault creates a vault directory and makes the creator its owner.
func (a *Admin) CreateVault(ctx context.Context, ident auth.Identity, vaultID string) error {
	if err := a.perms.EnsureUser(ctx, identityUser(ident)); err != nil {
		return classify(err)
	}
	if err := a.store.CreateVault(vaultID); err != nil {
		return classify(err)
	}
	if err := a.perms.SetOwner(ctx, vaultID, ident.UserID); err != nil {
		// Roll the directory back so no orphan vault remains.
		_ = a.store.DeleteVault(vaultID)
		return classify(err)
	}
	return nil
}

// DeleteVault kicks the vault's sessions, removes the directory and then
// cascades the membership rows.
func (a *Admin) DeleteVault(ctx context.Context, ident auth.Identity, vaultID string) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleOwner); err != nil {
		return err
	}
	a.engine.CloseVault(vaultID, "vault deleted")
	if err := a.store.DeleteVault(vaultID); err != nil {
		return classify(err)
	}
	if err := a.perms.DeleteVaultMemberships(ctx, vaultID); err != nil {
		return classify(err)
	}
	a.logger.Info("vault deleted", "vault", vaultID, "by", ident.UserID)
	return nil
}

// VaultInfo is one row of a vault listing.
type VaultInfo struct {
	VaultID string
	Role    permission.Role // empty for server admins without membership
}

// ListVaults returns the vaults visible to the identity: all of them for a
// server admin, otherwise the ones the user is a member of.
func (a *Admin) ListVaults(ctx context.Context, ident auth.Identity) ([]VaultInfo, error) {
	if ident.ServerAdmin {
		ids, err := a.store.Vaults()
		if err != nil {
			return nil, classify(err)
		}
		infos := make([]VaultInfo, 0, len(ids))
		for _, id := range ids {
			role, _, err := a.perms.GetRole(ctx, ident.UserID, id)
			if err != nil {
				return nil, classify(err)
			}
			infos = append(infos, VaultInfo{VaultID: id, Role: role})
		}
		return infos, nil
	}

	vaults, err := a.perms.VaultsOf(ctx, ident.UserID)
	if err != nil {
		return nil, classify(err)
	}
	infos := make([]VaultInfo, 0, len(vaults))
	for _, vr := range vaults {
		infos = append(infos, VaultInfo{VaultID: vr.VaultID, Role: vr.Role})
	}
	return infos, nil
}

// withHandle runs fn against the vault's live document, acquiring and
// releasing it around the call so admin edits share the realtime path.
// Unlike a join, admin operations never create the vault as a side effect.
func (a *Admin) withHandle(vaultID string, fn func(h *registry.Handle) error) error {
	if !a.store.Exists(vaultID) {
		return classify(fmt.Errorf("%w: %s", vault.ErrVaultNotFound, vaultID))
	}
	h, err := a.reg.Acquire(vaultID)
	if err != nil {
		return classify(err)
	}
	defer a.reg.Release(vaultID)
	return fn(h)
}

// ListFiles returns the vault's file paths from the live document.
func (a *Admin) ListFiles(ctx context.Context, ident auth.Identity, vaultID string) ([]string, error) {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleViewer); err != nil {
		return nil, err
	}
	var files []string
	err := a.withHandle(vaultID, func(h *registry.Handle) error {
		files = h.Files()
		return nil
	})
	return files, err
}

// ReadFile returns a file's content from the live document.
func (a *Admin) ReadFile(ctx context.Context, ident auth.Identity, vaultID, path string) (string, error) {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleViewer); err != nil {
		return "", err
	}
	var content string
	err := a.withHandle(vaultID, func(h *registry.Handle) error {
		text, ok := h.FileText(path)
		if !ok {
			return classify(fmt.Errorf("%w: %s", vault.ErrFileNotFound, path))
		}
		content = text
		return nil
	})
	return content, err
}

// WriteFile replaces a file's content through the CRDT document, so the
// change reaches live sessions and the snapshot stays authoritative.
func (a *Admin) WriteFile(ctx context.Context, ident auth.Identity, vaultID, path, content string) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleEditor); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}
	return a.withHandle(vaultID, func(h *registry.Handle) error {
		update := h.SetFileText(path, content)
		a.engine.BroadcastUpdate(vaultID, update)
		return nil
	})
}

// DeleteFile removes a file through the CRDT document.
func (a *Admin) DeleteFile(ctx context.Context, ident auth.Identity, vaultID, path string) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleEditor); err != nil {
		return err
	}
	return a.withHandle(vaultID, func(h *registry.Handle) error {
		if _, ok := h.FileText(path); !ok {
			return classify(fmt.Errorf("%w: %s", vault.ErrFileNotFound, path))
		}
		update := h.RemoveFile(path)
		a.engine.BroadcastUpdate(vaultID, update)
		return nil
	})
}

// RenameFile moves a file through the CRDT document.
func (a *Admin) RenameFile(ctx context.Context, ident auth.Identity, vaultID, oldPath, newPath string) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleEditor); err != nil {
		return err
	}
	if err := validatePath(newPath); err != nil {
		return err
	}
	return a.withHandle(vaultID, func(h *registry.Handle) error {
		update, err := h.RenameFile(oldPath, newPath)
		if err != nil {
			return fault.New(fault.NotFound, err)
		}
		a.engine.BroadcastUpdate(vaultID, update)
		return nil
	})
}

// Members lists a vault's memberships.
func (a *Admin) Members(ctx context.Context, ident auth.Identity, vaultID string) ([]permission.Membership, error) {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleViewer); err != nil {
		return nil, err
	}
	members, err := a.perms.Members(ctx, vaultID)
	return members, classify(err)
}

// AddMember adds a user to a vault.
func (a *Admin) AddMember(ctx context.Context, ident auth.Identity, vaultID string, user permission.User, role permission.Role) error {
	if err := a.perms.EnsureUser(ctx, user); err != nil {
		return classify(err)
	}
	if err := a.perms.AddMember(ctx, vaultID, user.ID, role, a.actor(ident)); err != nil {
		return classify(err)
	}
	a.engine.RoleChanged(ctx, vaultID, user.ID)
	return nil
}

// UpdateRole changes a member's role and pushes it to live sessions.
func (a *Admin) UpdateRole(ctx context.Context, ident auth.Identity, vaultID string, userID int64, role permission.Role) error {
	if err := a.perms.UpdateRole(ctx, vaultID, userID, role, a.actor(ident)); err != nil {
		return classify(err)
	}
	a.engine.RoleChanged(ctx, vaultID, userID)
	return nil
}

// RemoveMember removes a member and kicks their live sessions.
func (a *Admin) RemoveMember(ctx context.Context, ident auth.Identity, vaultID string, userID int64) error {
	if err := a.perms.RemoveMember(ctx, vaultID, userID, a.actor(ident)); err != nil {
		return classify(err)
	}
	a.engine.RoleChanged(ctx, vaultID, userID)
	return nil
}

// TransferOwnership moves ownership to another member. Server admins get
// no bypass here: only the current owner may transfer.
func (a *Admin) TransferOwnership(ctx context.Context, ident auth.Identity, vaultID string, newOwnerID int64) error {
	if err := a.perms.TransferOwnership(ctx, vaultID, newOwnerID, ident.UserID); err != nil {
		return classify(err)
	}
	a.engine.RoleChanged(ctx, vaultID, ident.UserID)
	a.engine.RoleChanged(ctx, vaultID, newOwnerID)
	return nil
}

// ListBackups returns a vault's snapshots.
func (a *Admin) ListBackups(ctx context.Context, ident auth.Identity, vaultID string) ([]backup.Snapshot, error) {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleAdmin); err != nil {
		return nil, err
	}
	snaps, err := a.backups.List(vaultID)
	return snaps, classify(err)
}

// CreateBackup takes a manual snapshot of a vault.
func (a *Admin) CreateBackup(ctx context.Context, ident auth.Identity, vaultID string) (backup.Snapshot, error) {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleAdmin); err != nil {
		return backup.Snapshot{}, err
	}
	// Flush the live document first so the copy carries the latest state.
	a.reg.Flush()
	snap, err := a.backups.TakeSnapshot(vaultID)
	return snap, classify(err)
}

// RestoreBackup replaces the live vault with a snapshot. Live sessions are
// kicked so the next join reloads from disk.
func (a *Admin) RestoreBackup(ctx context.Context, ident auth.Identity, vaultID string, kind backup.Kind, name string) error {
	if err := a.requireRole(ctx, ident, vaultID, permission.RoleOwner); err != nil {
		return err
	}
	a.engine.CloseVault(vaultID, "vault restore in progress")
	if err := a.backups.Restore(vaultID, kind, name); err != nil {
		return classify(err)
	}
	a.logger.Info("vault restored", "vault", vaultID, "kind", kind, "name", name, "by", ident.UserID)
	return nil
}

// validatePath refuses paths the vault store would reject: empty or
// absolute paths, traversal, and reserved names. Checked before the CRDT
// document is touched, so no unmaterializable path ever enters the file
// map.
func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return fault.Newf(fault.Invalid, "%v: %q", vault.ErrInvalidPath, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fault.Newf(fault.Invalid, "%v: traversal in %q", vault.ErrInvalidPath, path)
		}
		if strings.HasPrefix(seg, "_") || strings.HasPrefix(seg, ".") {
			return fault.Newf(fault.Invalid, "%v: reserved name in %q", vault.ErrInvalidPath, path)
		}
	}
	return nil
}

func identityUser(ident auth.Identity) permission.User {
	return permission.User{ID: ident.UserID, Name: ident.Name, ServerAdmin: ident.ServerAdmin}
}
