package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"notevault/internal/auth"
	"notevault/internal/crdt"
	"notevault/internal/engine"
)

func newWSRig(t *testing.T) (*adminRig, *auth.TokenService, *httptest.Server) {
	t.Helper()
	rig := newAdminRig(t)
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)

	ws := NewWSHandler(tokens, rig.engine, nil)
	srv := New(Config{WS: ws})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return rig, tokens, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvEnv(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func authToken(t *testing.T, tokens *auth.TokenService, ident auth.Identity) string {
	t.Helper()
	token, _, err := tokens.Issue(ident)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func TestEnvelopeTypeNames(t *testing.T) {
	// The wire vocabulary is a compatibility surface for clients.
	got := []string{
		MsgAuth, MsgAuthOK, MsgJoin, MsgJoined, MsgLeave, MsgSync,
		MsgFileList, MsgRole, MsgUserJoined, MsgUserLeft, MsgDenied,
		MsgError, MsgKicked, MsgPing, MsgPong,
	}
	want := []string{
		"authenticate", "authenticated", "join-vault", "vault-joined",
		"leave-vault", "sync-message", "file-list", "vault-role",
		"user-joined", "user-left", "permission-denied", "error",
		"kicked", "ping", "pong",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envelope type %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWSAuthAndJoin(t *testing.T) {
	rig, tokens, ts := newWSRig(t)
	ctx := context.Background()
	seedVault(t, rig, "notes")
	if err := rig.admin.WriteFile(ctx, user(1), "notes", "hello.md", "hi"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conn := dial(t, ts)
	sendEnv(t, conn, Envelope{Type: MsgAuth, Token: authToken(t, tokens, user(1))})
	if env := recvEnv(t, conn); env.Type != MsgAuthOK {
		t.Fatalf("expected auth-ok, got %+v", env)
	}

	sendEnv(t, conn, Envelope{Type: MsgJoin, Vault: "notes"})
	env := recvEnv(t, conn)
	if env.Type != MsgJoined || env.Vault != "notes" || env.Role != "owner" {
		t.Fatalf("expected join ack, got %+v", env)
	}
	env = recvEnv(t, conn)
	if env.Type != MsgFileList || len(env.Files) != 1 || env.Files[0] != "hello.md" {
		t.Fatalf("expected file list, got %+v", env)
	}
	env = recvEnv(t, conn)
	if env.Type != MsgSync || len(env.Data) < 2 || env.Data[0] != engine.FrameSync || env.Data[1] != engine.SyncStep1 {
		t.Fatalf("expected step 1 frame, got %+v", env)
	}

	// The eager step 2 carries the full state.
	fresh := crdt.New(7)
	env = recvEnv(t, conn)
	if env.Type != MsgSync || env.Data[1] != engine.SyncStep2 {
		t.Fatalf("expected eager step 2 frame, got %+v", env)
	}
	if err := fresh.ApplyUpdate(env.Data[2:]); err != nil {
		t.Fatalf("apply eager step 2: %v", err)
	}
	if text, ok := fresh.FileText("hello.md"); !ok || text != "hi" {
		t.Errorf("expected synced content, got %q (ok=%v)", text, ok)
	}

	// An explicit step 1 still gets a step 2 reply.
	sendEnv(t, conn, Envelope{
		Type: MsgSync,
		Data: engine.EncodeSyncFrame(engine.SyncStep1, fresh.StateVector()),
	})
	env = recvEnv(t, conn)
	if env.Type != MsgSync || env.Data[1] != engine.SyncStep2 {
		t.Fatalf("expected step 2 reply, got %+v", env)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	_, _, ts := newWSRig(t)

	conn := dial(t, ts)
	sendEnv(t, conn, Envelope{Type: MsgAuth, Token: "garbage"})
	env := recvEnv(t, conn)
	if env.Type != MsgError || env.Code != "unauthorized" {
		t.Fatalf("expected unauthorized error, got %+v", env)
	}
}

func TestWSRequiresAuthFirst(t *testing.T) {
	_, _, ts := newWSRig(t)

	conn := dial(t, ts)
	sendEnv(t, conn, Envelope{Type: MsgJoin, Vault: "notes"})
	env := recvEnv(t, conn)
	if env.Type != MsgError || env.Code != "unauthorized" {
		t.Fatalf("expected unauthorized error, got %+v", env)
	}
}

func TestWSAuthWindowExpires(t *testing.T) {
	rig := newAdminRig(t)
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	ws := NewWSHandler(tokens, rig.engine, nil)
	ws.authWindow = 50 * time.Millisecond
	ts := httptest.NewServer(New(Config{WS: ws}).Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts)

	// Say nothing; the server closes the connection when the window ends.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected connection to close after the auth window")
	}
}

func TestWSViewerDeniedAndPing(t *testing.T) {
	rig, tokens, ts := newWSRig(t)
	seedVault(t, rig, "notes")

	conn := dial(t, ts)
	sendEnv(t, conn, Envelope{Type: MsgAuth, Token: authToken(t, tokens, user(3))})
	if env := recvEnv(t, conn); env.Type != MsgAuthOK {
		t.Fatalf("expected auth-ok, got %+v", env)
	}
	sendEnv(t, conn, Envelope{Type: MsgJoin, Vault: "notes"})
	for i := 0; i < 4; i++ {
		recvEnv(t, conn) // join ack, file list, step 1, eager step 2
	}

	peer := crdt.New(7)
	sendEnv(t, conn, Envelope{
		Type: MsgSync,
		Data: engine.EncodeSyncFrame(engine.SyncUpdate, peer.SetFileText("a.md", "x")),
	})
	env := recvEnv(t, conn)
	if env.Type != MsgDenied || env.Action != "write" {
		t.Fatalf("expected permission-denied for write, got %+v", env)
	}

	sendEnv(t, conn, Envelope{Type: MsgPing})
	if env := recvEnv(t, conn); env.Type != MsgPong {
		t.Fatalf("expected pong, got %+v", env)
	}
}

func TestWSSyncBetweenTwoClients(t *testing.T) {
	rig, tokens, ts := newWSRig(t)
	seedVault(t, rig, "notes")

	join := func(id int64) *websocket.Conn {
		conn := dial(t, ts)
		sendEnv(t, conn, Envelope{Type: MsgAuth, Token: authToken(t, tokens, user(id))})
		if env := recvEnv(t, conn); env.Type != MsgAuthOK {
			t.Fatalf("expected auth-ok, got %+v", env)
		}
		sendEnv(t, conn, Envelope{Type: MsgJoin, Vault: "notes"})
		if env := recvEnv(t, conn); env.Type != MsgJoined {
			t.Fatalf("expected join ack, got %+v", env)
		}
		if env := recvEnv(t, conn); env.Type != MsgFileList {
			t.Fatalf("expected file list, got %+v", env)
		}
		if env := recvEnv(t, conn); env.Type != MsgSync {
			t.Fatalf("expected step 1, got %+v", env)
		}
		if env := recvEnv(t, conn); env.Type != MsgSync {
			t.Fatalf("expected eager step 2, got %+v", env)
		}
		return conn
	}

	owner := join(1)
	editor := join(2)

	peer := crdt.New(7)
	update := peer.SetFileText("shared.md", "over the wire")
	sendEnv(t, owner, Envelope{
		Type: MsgSync,
		Data: engine.EncodeSyncFrame(engine.SyncUpdate, update),
	})

	env := recvEnv(t, editor)
	if env.Type != MsgSync || env.Data[1] != engine.SyncUpdate {
		t.Fatalf("expected relayed update, got %+v", env)
	}
	check := crdt.New(9)
	if err := check.ApplyUpdate(env.Data[2:]); err != nil {
		t.Fatalf("apply relayed update: %v", err)
	}
	if text, ok := check.FileText("shared.md"); !ok || text != "over the wire" {
		t.Errorf("expected relayed content, got %q (ok=%v)", text, ok)
	}
}
