// Package permission persists vault memberships and enforces the role
// hierarchy that gates every sync and file operation.
//
// Roles form a strict ladder (viewer < editor < admin < owner); every vault
// with members has exactly one owner, enforced both here and by a partial
// unique index. Error conditions are explicit return kinds, never sniffed
// from driver errors.
package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

// SystemActor marks internal mutations (vault creation, legacy migration)
// that bypass actor role checks.
const SystemActor int64 = 0

var (
	ErrNotMember        = errors.New("not a member")
	ErrAlreadyMember    = errors.New("already a member")
	ErrInvalidRole      = errors.New("invalid role")
	ErrInsufficientRole = errors.New("insufficient role")
	ErrIsOwner          = errors.New("target is the vault owner")
	ErrOwnerAssignment  = errors.New("owner role moves only via ownership transfer")
	ErrCannotSelf       = errors.New("cannot target yourself")
	ErrNotOwner         = errors.New("actor is not the vault owner")
	ErrAlreadyOwned     = errors.New("vault already has an owner")
	ErrSelfTransfer     = errors.New("cannot transfer ownership to yourself")
)

// User is the slice of identity the permission store persists.
type User struct {
	ID          int64
	Name        string
	ServerAdmin bool
}

// Membership is one (vault, user) role row.
type Membership struct {
	VaultID   string
	UserID    int64
	UserName  string
	Role      Role
	AddedBy   int64
	CreatedAt time.Time
}

// VaultRole pairs a vault with the role a user holds in it.
type VaultRole struct {
	VaultID string
	Role    Role
}

// Store is the SQLite-backed permission store.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time

	// transferHook runs between the demote and promote steps of
	// TransferOwnership. Tests inject failures here to prove the
	// transaction rolls back as a unit.
	transferHook func() error
}

// NewStore opens (or creates) the permission database at path and runs
// migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create permission directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureUser upserts the identity row for a user. Called whenever the auth
// collaborator vouches for a user, so membership foreign keys always hold.
func (s *Store) EnsureUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, server_admin) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, server_admin = excluded.server_admin`,
		u.ID, u.Name, boolInt(u.ServerAdmin))
	if err != nil {
		return fmt.Errorf("ensure user %d: %w", u.ID, err)
	}
	return nil
}

// DeleteUser removes a user; memberships cascade.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", userID, err)
	}
	return nil
}

// GetRole returns the role userID holds in vaultID. ok is false when the
// user is not a member.
func (s *Store) GetRole(ctx context.Context, userID int64, vaultID string) (Role, bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT role FROM memberships WHERE vault_id = ? AND user_id = ?",
		vaultID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get role: %w", err)
	}
	return Role(role), true, nil
}

// HasRoleOrHigher reports whether userID holds at least minRole in vaultID.
func (s *Store) HasRoleOrHigher(ctx context.Context, userID int64, vaultID string, minRole Role) (bool, error) {
	role, ok, err := s.GetRole(ctx, userID, vaultID)
	if err != nil || !ok {
		return false, err
	}
	return role.AtLeast(minRole), nil
}

// actorCheck verifies that actorID may manage a membership at targetRank.
// System mutations bypass the check.
func (s *Store) actorCheck(ctx context.Context, vaultID string, actorID int64, targetRank int) error {
	if actorID == SystemActor {
		return nil
	}
	actorRole, ok, err := s.GetRole(ctx, actorID, vaultID)
	if err != nil {
		return err
	}
	if !ok || !actorRole.AtLeast(RoleAdmin) {
		return fmt.Errorf("%w: member management requires admin", ErrInsufficientRole)
	}
	if targetRank >= actorRole.Rank() {
		return fmt.Errorf("%w: may only manage roles strictly below your own", ErrInsufficientRole)
	}
	return nil
}

// AddMember adds userID to vaultID with the given role.
// The owner role is never assignable here; it moves only via
// TransferOwnership or SetOwner.
func (s *Store) AddMember(ctx context.Context, vaultID string, userID int64, role Role, actorID int64) error {
	if !role.Valid() || role == RoleOwner {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err := s.actorCheck(ctx, vaultID, actorID, role.Rank()); err != nil {
		return err
	}
	if _, ok, err := s.GetRole(ctx, userID, vaultID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: user %d in vault %s", ErrAlreadyMember, userID, vaultID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (vault_id, user_id, role, added_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		vaultID, userID, string(role), actorID, s.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember removes userID from vaultID. Owners cannot be removed, and
// actors cannot remove themselves.
func (s *Store) RemoveMember(ctx context.Context, vaultID string, userID int64, actorID int64) error {
	if actorID != SystemActor && actorID == userID {
		return ErrCannotSelf
	}
	role, ok, err := s.GetRole(ctx, userID, vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d in vault %s", ErrNotMember, userID, vaultID)
	}
	if role == RoleOwner {
		return ErrIsOwner
	}
	if err := s.actorCheck(ctx, vaultID, actorID, role.Rank()); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"DELETE FROM memberships WHERE vault_id = ? AND user_id = ?", vaultID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// UpdateRole changes userID's role in vaultID.
func (s *Store) UpdateRole(ctx context.Context, vaultID string, userID int64, newRole Role, actorID int64) error {
	if !newRole.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, newRole)
	}
	if newRole == RoleOwner {
		return ErrOwnerAssignment
	}
	current, ok, err := s.GetRole(ctx, userID, vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d in vault %s", ErrNotMember, userID, vaultID)
	}
	if current == RoleOwner {
		return ErrOwnerAssignment
	}
	if err := s.actorCheck(ctx, vaultID, actorID, max(current.Rank(), newRole.Rank())); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?",
		string(newRole), vaultID, userID)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return nil
}

// TransferOwnership atomically demotes the current owner to admin and
// promotes newOwnerID to owner. Any failure rolls the whole transfer back.
func (s *Store) TransferOwnership(ctx context.Context, vaultID string, newOwnerID, currentOwnerID int64) error {
	if newOwnerID == currentOwnerID {
		return ErrSelfTransfer
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	var ownerRole string
	err = tx.QueryRowContext(ctx,
		"SELECT role FROM memberships WHERE vault_id = ? AND user_id = ?",
		vaultID, currentOwnerID).Scan(&ownerRole)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && Role(ownerRole) != RoleOwner) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("read current owner: %w", err)
	}

	var targetRole string
	err = tx.QueryRowContext(ctx,
		"SELECT role FROM memberships WHERE vault_id = ? AND user_id = ?",
		vaultID, newOwnerID).Scan(&targetRole)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: user %d in vault %s", ErrNotMember, newOwnerID, vaultID)
	}
	if err != nil {
		return fmt.Errorf("read new owner: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?",
		string(RoleAdmin), vaultID, currentOwnerID); err != nil {
		return fmt.Errorf("demote current owner: %w", err)
	}

	if s.transferHook != nil {
		if err := s.transferHook(); err != nil {
			return fmt.Errorf("transfer interrupted: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?",
		string(RoleOwner), vaultID, newOwnerID); err != nil {
		return fmt.Errorf("promote new owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

// SetOwner seeds vault ownership. It is idempotent for the current owner
// and fails if a different owner exists. Intended only for vault creation
// and the legacy first-join migration.
func (s *Store) SetOwner(ctx context.Context, vaultID string, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set owner: %w", err)
	}
	defer tx.Rollback()

	var existingOwner int64
	err = tx.QueryRowContext(ctx,
		"SELECT user_id FROM memberships WHERE vault_id = ? AND role = ?",
		vaultID, string(RoleOwner)).Scan(&existingOwner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No owner yet; seed below.
	case err != nil:
		return fmt.Errorf("read owner: %w", err)
	case existingOwner == userID:
		return nil
	default:
		return fmt.Errorf("%w: vault %s", ErrAlreadyOwned, vaultID)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?",
		string(RoleOwner), vaultID, userID)
	if err != nil {
		return fmt.Errorf("upgrade member to owner: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (vault_id, user_id, role, added_by, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			vaultID, userID, string(RoleOwner), SystemActor, s.now().UTC().Format(timeFormat)); err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set owner: %w", err)
	}
	return nil
}

// HasMembers reports whether the vault has any membership rows.
func (s *Store) HasMembers(ctx context.Context, vaultID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM memberships WHERE vault_id = ? LIMIT 1", vaultID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has members: %w", err)
	}
	return true, nil
}

// Members lists the memberships of a vault, owner first, then by rank and
// user name.
func (s *Store) Members(ctx context.Context, vaultID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.vault_id, m.user_id, u.name, m.role, m.added_by, m.created_at
		FROM memberships m JOIN users u ON u.id = m.user_id
		WHERE m.vault_id = ?
		ORDER BY CASE m.role
			WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 WHEN 'editor' THEN 2 ELSE 3
		END, u.name`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		var role, created string
		if err := rows.Scan(&m.VaultID, &m.UserID, &m.UserName, &role, &m.AddedBy, &created); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Role = Role(role)
		if t, err := time.Parse(timeFormat, created); err == nil {
			m.CreatedAt = t
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// VaultsOf lists the vaults a user belongs to with their roles.
func (s *Store) VaultsOf(ctx context.Context, userID int64) ([]VaultRole, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT vault_id, role FROM memberships WHERE user_id = ? ORDER BY vault_id", userID)
	if err != nil {
		return nil, fmt.Errorf("list vaults of user: %w", err)
	}
	defer rows.Close()

	var out []VaultRole
	for rows.Next() {
		var vr VaultRole
		var role string
		if err := rows.Scan(&vr.VaultID, &role); err != nil {
			return nil, fmt.Errorf("scan vault role: %w", err)
		}
		vr.Role = Role(role)
		out = append(out, vr)
	}
	return out, rows.Err()
}

// DeleteVaultMemberships removes every membership of a vault. Called as
// part of vault deletion so no row outlives the directory.
func (s *Store) DeleteVaultMemberships(ctx context.Context, vaultID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memberships WHERE vault_id = ?", vaultID)
	if err != nil {
		return fmt.Errorf("delete memberships of %s: %w", vaultID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
