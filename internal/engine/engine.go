// Package engine coordinates the realtime sync sessions of open vaults.
//
// A session joins a vault room after its role is checked, exchanges state
// vector and update frames until both sides converge, and thereafter has
// its updates merged into the shared document and relayed to every other
// session in the room. Ephemeral awareness deltas ride the same socket on
// their own channel and are relayed without persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"notevault/internal/auth"
	"notevault/internal/fault"
	"notevault/internal/logging"
	"notevault/internal/permission"
	"notevault/internal/registry"
	"notevault/internal/vault"
)

// Conn is the transport-side half of a session. Implementations must not
// block in Send methods; the websocket layer queues frames per connection.
type Conn interface {
	// SendFrame delivers a binary sync or awareness frame.
	SendFrame(frame []byte) error

	// SendJoined acknowledges a join with the granted role.
	SendJoined(vaultID string, role permission.Role) error

	// SendFileList delivers the vault's current file paths at join time.
	SendFileList(files []string) error

	// SendRoleChanged tells the client its role in this vault changed.
	SendRoleChanged(role permission.Role) error

	// SendUserJoined and SendUserLeft announce peer presence in the room.
	SendUserJoined(userID int64, name string, role permission.Role) error
	SendUserLeft(userID int64, name string) error

	// Kick closes the connection with a reason. Called when the session's
	// membership is revoked or its vault is deleted.
	Kick(reason string)
}

// Session is one connection joined to one vault.
type Session struct {
	engine  *Engine
	conn    Conn
	vaultID string
	userID  int64
	name    string

	mu           sync.Mutex
	role         permission.Role
	awarenessIDs map[uint64]struct{}
	closed       bool
}

// Role returns the session's current role in the vault.
func (s *Session) Role() permission.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// UserID returns the authenticated user behind the session.
func (s *Session) UserID() int64 { return s.userID }

// VaultID returns the vault the session joined.
func (s *Session) VaultID() string { return s.vaultID }

type room struct {
	sessions map[*Session]struct{}
}

// Config holds engine configuration.
type Config struct {
	Registry    *registry.Registry
	Permissions *permission.Store

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Engine owns the vault rooms and routes frames between their sessions.
type Engine struct {
	registry *registry.Registry
	perms    *permission.Store
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Permissions == nil {
		return nil, fmt.Errorf("registry and permissions are required")
	}
	return &Engine{
		registry: cfg.Registry,
		perms:    cfg.Permissions,
		logger:   logging.Default(cfg.Logger).With("component", "engine"),
		rooms:    make(map[string]*room),
	}, nil
}

// Join admits an authenticated user into a vault room and starts the sync
// handshake: the client receives the file list, the server's state vector
// as step 1, the full document state as an eager step 2, and the current
// awareness state. The eager step 2 is sent without waiting for the
// client's step 1; clients rely on it to render before replying.
//
// A vault that predates the permission store has no members; its first
// joiner becomes the owner. Otherwise membership is required.
func (e *Engine) Join(ctx context.Context, ident auth.Identity, vaultID string, conn Conn) (*Session, error) {
	role, err := e.admit(ctx, ident, vaultID)
	if err != nil {
		return nil, err
	}

	h, err := e.registry.Acquire(vaultID)
	if err != nil {
		kind := fault.Internal
		if errors.Is(err, vault.ErrInvalidVault) {
			kind = fault.Invalid
		}
		return nil, fault.New(kind, err)
	}

	s := &Session{
		engine:       e,
		conn:         conn,
		vaultID:      vaultID,
		userID:       ident.UserID,
		name:         ident.Name,
		role:         role,
		awarenessIDs: make(map[uint64]struct{}),
	}

	e.mu.Lock()
	rm, ok := e.rooms[vaultID]
	if !ok {
		rm = &room{sessions: make(map[*Session]struct{})}
		e.rooms[vaultID] = rm
	}
	rm.sessions[s] = struct{}{}
	e.mu.Unlock()

	if err := conn.SendJoined(vaultID, role); err != nil {
		e.Leave(s)
		return nil, err
	}
	if err := conn.SendFileList(h.Files()); err != nil {
		e.Leave(s)
		return nil, err
	}
	if err := conn.SendFrame(EncodeSyncFrame(SyncStep1, h.StateVector())); err != nil {
		e.Leave(s)
		return nil, err
	}
	if err := conn.SendFrame(EncodeSyncFrame(SyncStep2, h.EncodeState())); err != nil {
		e.Leave(s)
		return nil, err
	}
	if len(h.AwarenessClients()) > 0 {
		if err := conn.SendFrame(EncodeAwarenessFrame(h.EncodeAwareness())); err != nil {
			e.Leave(s)
			return nil, err
		}
	}

	for _, p := range e.peers(s) {
		if err := p.conn.SendUserJoined(s.userID, s.name, role); err != nil {
			e.logger.Warn("presence send failed", "vault", vaultID, "user", p.userID, "error", err)
		}
	}

	e.logger.Info("session joined", "vault", vaultID, "user", ident.UserID, "role", role)
	return s, nil
}

// peers returns the other sessions in s's room.
func (e *Engine) peers(s *Session) []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	rm := e.rooms[s.vaultID]
	if rm == nil {
		return nil
	}
	peers := make([]*Session, 0, len(rm.sessions))
	for p := range rm.sessions {
		if p != s {
			peers = append(peers, p)
		}
	}
	return peers
}

// admit resolves the joining user's role, seeding ownership for legacy
// vaults without members.
func (e *Engine) admit(ctx context.Context, ident auth.Identity, vaultID string) (permission.Role, error) {
	if err := e.perms.EnsureUser(ctx, permission.User{
		ID:          ident.UserID,
		Name:        ident.Name,
		ServerAdmin: ident.ServerAdmin,
	}); err != nil {
		return "", fault.New(fault.Internal, err)
	}

	role, ok, err := e.perms.GetRole(ctx, ident.UserID, vaultID)
	if err != nil {
		return "", fault.New(fault.Internal, err)
	}
	if ok {
		return role, nil
	}

	hasMembers, err := e.perms.HasMembers(ctx, vaultID)
	if err != nil {
		return "", fault.New(fault.Internal, err)
	}
	if hasMembers {
		return "", fault.Newf(fault.Forbidden, "join %s: no membership", vaultID)
	}

	if err := e.perms.SetOwner(ctx, vaultID, ident.UserID); err != nil {
		return "", fault.New(fault.Internal, err)
	}
	e.logger.Info("legacy vault claimed", "vault", vaultID, "owner", ident.UserID)
	return permission.RoleOwner, nil
}

// HandleFrame processes one inbound binary frame from a session.
func (e *Engine) HandleFrame(s *Session, frame []byte) error {
	tag, rest, err := splitFrame(frame)
	if err != nil {
		return fault.New(fault.Invalid, err)
	}

	switch tag {
	case FrameSync:
		return e.handleSync(s, rest)
	case FrameAwareness:
		return e.handleAwareness(s, rest)
	default:
		return fault.Newf(fault.Invalid, "unknown frame tag %d", tag)
	}
}

func (e *Engine) handleSync(s *Session, rest []byte) error {
	if len(rest) == 0 {
		return fault.Newf(fault.Invalid, "sync frame without step")
	}
	step, payload := rest[0], rest[1:]

	h := e.registry.Handle(s.vaultID)
	if h == nil {
		return fault.Newf(fault.NotFound, "vault %s not loaded", s.vaultID)
	}

	switch step {
	case SyncStep1:
		diff, err := h.DiffSince(payload)
		if err != nil {
			return fault.New(fault.Invalid, err)
		}
		return s.conn.SendFrame(EncodeSyncFrame(SyncStep2, diff))

	case SyncStep2, SyncUpdate:
		if !s.Role().CanWrite() {
			return fault.Newf(fault.Forbidden, "role %s cannot write", s.Role())
		}
		// Relayed inside the document's critical section: peers receive
		// updates in the order they were applied.
		err := h.ApplyUpdateThen(payload, func() {
			e.broadcast(s, EncodeSyncFrame(SyncUpdate, payload))
		})
		if err != nil {
			return fault.New(fault.Invalid, err)
		}
		return nil

	default:
		return fault.Newf(fault.Invalid, "unknown sync step %d", step)
	}
}

func (e *Engine) handleAwareness(s *Session, payload []byte) error {
	h := e.registry.Handle(s.vaultID)
	if h == nil {
		return fault.Newf(fault.NotFound, "vault %s not loaded", s.vaultID)
	}

	changed, err := h.ApplyAwareness(payload)
	if err != nil {
		return fault.New(fault.Invalid, err)
	}
	if len(changed) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, id := range changed {
		s.awarenessIDs[id] = struct{}{}
	}
	s.mu.Unlock()

	e.broadcast(s, EncodeAwarenessFrame(payload))
	return nil
}

// broadcast sends a frame to every session in the origin's room except the
// origin itself.
func (e *Engine) broadcast(origin *Session, frame []byte) {
	for _, p := range e.peers(origin) {
		if err := p.conn.SendFrame(frame); err != nil {
			e.logger.Warn("broadcast send failed", "vault", origin.vaultID, "user", p.userID, "error", err)
		}
	}
}

// BroadcastUpdate relays a server-side update (admin file edit, import) to
// every session in a vault's room.
func (e *Engine) BroadcastUpdate(vaultID string, update []byte) {
	if len(update) == 0 {
		return
	}
	e.mu.Lock()
	rm := e.rooms[vaultID]
	var peers []*Session
	if rm != nil {
		for s := range rm.sessions {
			peers = append(peers, s)
		}
	}
	e.mu.Unlock()

	frame := EncodeSyncFrame(SyncUpdate, update)
	for _, p := range peers {
		if err := p.conn.SendFrame(frame); err != nil {
			e.logger.Warn("broadcast send failed", "vault", vaultID, "user", p.userID, "error", err)
		}
	}
}

// Leave removes a session from its room, withdraws its awareness entries,
// and releases the vault handle. Safe to call more than once.
func (e *Engine) Leave(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]uint64, 0, len(s.awarenessIDs))
	for id := range s.awarenessIDs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	e.mu.Lock()
	if rm, ok := e.rooms[s.vaultID]; ok {
		delete(rm.sessions, s)
		if len(rm.sessions) == 0 {
			delete(e.rooms, s.vaultID)
		}
	}
	e.mu.Unlock()

	if h := e.registry.Handle(s.vaultID); h != nil {
		for _, id := range ids {
			if removal := h.RemoveAwareness(id); removal != nil {
				e.broadcast(s, EncodeAwarenessFrame(removal))
			}
		}
	}

	for _, p := range e.peers(s) {
		if err := p.conn.SendUserLeft(s.userID, s.name); err != nil {
			e.logger.Warn("presence send failed", "vault", s.vaultID, "user", p.userID, "error", err)
		}
	}

	e.registry.Release(s.vaultID)
	e.logger.Info("session left", "vault", s.vaultID, "user", s.userID)
}

// RoleChanged re-reads a user's role after a membership change and pushes
// the result to their live sessions. Revoked members are kicked.
func (e *Engine) RoleChanged(ctx context.Context, vaultID string, userID int64) {
	role, isMember, err := e.perms.GetRole(ctx, userID, vaultID)
	if err != nil {
		e.logger.Error("role refresh failed", "vault", vaultID, "user", userID, "error", err)
		return
	}

	e.mu.Lock()
	var targets []*Session
	if rm, ok := e.rooms[vaultID]; ok {
		for s := range rm.sessions {
			if s.userID == userID {
				targets = append(targets, s)
			}
		}
	}
	e.mu.Unlock()

	for _, s := range targets {
		if !isMember {
			s.conn.Kick("membership revoked")
			e.Leave(s)
			continue
		}
		s.mu.Lock()
		s.role = role
		s.mu.Unlock()
		if err := s.conn.SendRoleChanged(role); err != nil {
			e.logger.Warn("role push failed", "vault", vaultID, "user", userID, "error", err)
		}
	}
}

// CloseVault kicks every session of a vault. Called before vault deletion.
func (e *Engine) CloseVault(vaultID, reason string) {
	e.mu.Lock()
	var targets []*Session
	if rm, ok := e.rooms[vaultID]; ok {
		for s := range rm.sessions {
			targets = append(targets, s)
		}
	}
	e.mu.Unlock()

	for _, s := range targets {
		s.conn.Kick(reason)
		e.Leave(s)
	}
}

// Sessions returns the number of live sessions in a vault's room.
func (e *Engine) Sessions(vaultID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rm, ok := e.rooms[vaultID]; ok {
		return len(rm.sessions)
	}
	return 0
}
