package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"notevault/internal/auth"
	"notevault/internal/engine"
	"notevault/internal/fault"
	"notevault/internal/logging"
	"notevault/internal/permission"
)

const (
	// authWindow bounds how long an unauthenticated connection may linger.
	authWindow = 10 * time.Second

	// outboundBuffer is the per-connection send queue depth. A client that
	// cannot drain this many envelopes is dropped.
	outboundBuffer = 256

	// inboundRate and inboundBurst bound how fast a single connection may
	// push envelopes. Excess traffic is slowed, not dropped, so a burst of
	// keystrokes never loses edits.
	inboundRate  = 200
	inboundBurst = 400
)

// Envelope is the JSON message exchanged on the sync socket. Data carries
// binary sync and awareness frames, base64-encoded by encoding/json.
type Envelope struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Vault  string   `json:"vault,omitempty"`
	Data   []byte   `json:"data,omitempty"`
	Files  []string `json:"files,omitempty"`
	Role   string   `json:"role,omitempty"`
	User   int64    `json:"user,omitempty"`
	Name   string   `json:"name,omitempty"`
	Action string   `json:"action,omitempty"`
	Code   string   `json:"code,omitempty"`
	Error  string   `json:"error,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Envelope types. Clients are written against these names; keep them
// stable.
const (
	MsgAuth       = "authenticate"
	MsgAuthOK     = "authenticated"
	MsgJoin       = "join-vault"
	MsgJoined     = "vault-joined"
	MsgLeave      = "leave-vault"
	MsgSync       = "sync-message"
	MsgFileList   = "file-list"
	MsgRole       = "vault-role"
	MsgUserJoined = "user-joined"
	MsgUserLeft   = "user-left"
	MsgDenied     = "permission-denied"
	MsgError      = "error"
	MsgKicked     = "kicked"
	MsgPing       = "ping"
	MsgPong       = "pong"
)

// WSHandler upgrades connections and runs the session protocol: one auth
// envelope inside the auth window, one join, then sync traffic.
type WSHandler struct {
	tokens *auth.TokenService
	engine *engine.Engine
	logger *slog.Logger

	// authWindow is overridable in tests.
	authWindow time.Duration
}

// NewWSHandler creates the websocket endpoint.
func NewWSHandler(tokens *auth.TokenService, eng *engine.Engine, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		tokens:     tokens,
		engine:     eng,
		logger:     logging.Default(logger).With("component", "ws"),
		authWindow: authWindow,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.handleConn(r.Context(), conn)
}

// wsConn adapts one websocket connection to engine.Conn. All sends go
// through a buffered queue drained by a single pump goroutine, so frames
// reach the client in the order they were enqueued.
type wsConn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu       sync.Mutex
	outbound chan []byte
	closed   bool
}

func newWSConn(conn *websocket.Conn, cancel context.CancelFunc) *wsConn {
	return &wsConn{
		conn:     conn,
		cancel:   cancel,
		outbound: make(chan []byte, outboundBuffer),
	}
}

// pump writes queued envelopes until the context ends or the queue closes.
func (c *wsConn) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		// Slow consumer; drop the connection rather than block the room.
		c.closed = true
		c.cancel()
		return errors.New("send queue full")
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbound)
	}
}

func (c *wsConn) SendFrame(frame []byte) error {
	return c.send(Envelope{Type: MsgSync, Data: frame})
}

func (c *wsConn) SendJoined(vaultID string, role permission.Role) error {
	return c.send(Envelope{Type: MsgJoined, Vault: vaultID, Role: string(role)})
}

func (c *wsConn) SendUserJoined(userID int64, name string, role permission.Role) error {
	return c.send(Envelope{Type: MsgUserJoined, User: userID, Name: name, Role: string(role)})
}

func (c *wsConn) SendUserLeft(userID int64, name string) error {
	return c.send(Envelope{Type: MsgUserLeft, User: userID, Name: name})
}

func (c *wsConn) SendFileList(files []string) error {
	if files == nil {
		files = []string{}
	}
	return c.send(Envelope{Type: MsgFileList, Files: files})
}

func (c *wsConn) SendRoleChanged(role permission.Role) error {
	return c.send(Envelope{Type: MsgRole, Role: string(role)})
}

func (c *wsConn) Kick(reason string) {
	_ = c.send(Envelope{Type: MsgKicked, Reason: reason})
	c.cancel()
}

func (h *WSHandler) handleConn(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	wc := newWSConn(conn, cancel)
	defer wc.close()

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		wc.pump(ctx)
	}()
	defer pumpWG.Wait()

	ident, ok := h.authenticate(ctx, conn, wc)
	if !ok {
		return
	}
	ctx = auth.WithIdentity(ctx, ident)

	var session *engine.Session
	defer func() {
		if session != nil {
			h.engine.Leave(session)
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		switch env.Type {
		case MsgJoin:
			if session != nil {
				h.sendError(wc, "", fault.Newf(fault.Invalid, "already joined"))
				continue
			}
			s, err := h.engine.Join(ctx, ident, env.Vault, wc)
			if err != nil {
				h.sendError(wc, "join", err)
				continue
			}
			session = s

		case MsgLeave:
			if session != nil {
				h.engine.Leave(session)
				session = nil
			}

		case MsgSync:
			if session == nil {
				h.sendError(wc, "", fault.Newf(fault.Invalid, "join a vault first"))
				continue
			}
			if err := h.engine.HandleFrame(session, env.Data); err != nil {
				h.sendError(wc, "write", err)
			}

		case MsgPing:
			_ = wc.send(Envelope{Type: MsgPong})

		default:
			h.sendError(wc, "", fault.Newf(fault.Invalid, "unknown message type %q", env.Type))
		}
	}
}

// authenticate waits for a single auth envelope inside the auth window.
func (h *WSHandler) authenticate(ctx context.Context, conn *websocket.Conn, wc *wsConn) (auth.Identity, bool) {
	authCtx, cancel := context.WithTimeout(ctx, h.authWindow)
	defer cancel()

	env, err := readEnvelope(authCtx, conn)
	if err != nil {
		return auth.Identity{}, false
	}
	if env.Type != MsgAuth {
		h.sendError(wc, "", fault.Newf(fault.Unauthorized, "authenticate first"))
		return auth.Identity{}, false
	}

	ident, err := h.tokens.Authenticate(env.Token)
	if err != nil {
		h.sendError(wc, "", fault.New(fault.Unauthorized, err))
		return auth.Identity{}, false
	}

	if err := wc.send(Envelope{Type: MsgAuthOK}); err != nil {
		return auth.Identity{}, false
	}
	return ident, true
}

// sendError reports a failure to the client. Insufficient-role failures are
// their own event type, carrying the action that was refused.
func (h *WSHandler) sendError(wc *wsConn, action string, err error) {
	if fault.KindOf(err) == fault.Forbidden {
		_ = wc.send(Envelope{
			Type:   MsgDenied,
			Action: action,
			Error:  err.Error(),
		})
		return
	}
	_ = wc.send(Envelope{
		Type:  MsgError,
		Code:  fault.KindOf(err).String(),
		Error: err.Error(),
	})
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
