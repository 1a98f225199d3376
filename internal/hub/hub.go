package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/mconnect/mconnect/internal/arbiter"
	"github.com/mconnect/mconnect/internal/database"
	"github.com/mconnect/mconnect/internal/guardrails"
	"github.com/mconnect/mconnect/internal/pairing"
	"github.com/mconnect/mconnect/internal/registry"
	"github.com/mconnect/mconnect/internal/session"
)

// scrollbackRequestCap bounds one scrollback_request.
const scrollbackRequestCap = 1000

// attachReplayLines is how much history a fresh attach receives before
// live output starts.
const attachReplayLines = 100

// Config tunes the hub.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ConnRateLimit     int
	ConnRateWindow    time.Duration
	Arbiter           arbiter.Config
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		ConnRateLimit:     10,
		ConnRateWindow:    60 * time.Second,
		Arbiter:           arbiter.DefaultConfig(),
	}
}

type pendingApproval struct {
	sessionID string
	clientID  string
	input     string
}

// Hub terminates WebSocket connections and routes protocol v2 frames
// between clients, the session manager and the per-session arbiters.
type Hub struct {
	cfg      Config
	sessions *session.Manager
	reg      *registry.Registry
	tokens   *pairing.TokenStore
	codes    *pairing.Manager
	policy   guardrails.Policy
	store    *database.Store
	log      *slog.Logger

	mu        sync.Mutex
	conns     map[string]*conn             // clientID -> connection
	arbiters  map[string]*arbiter.Arbiter  // sessionID -> arbiter
	approvals map[string]pendingApproval   // approvalID -> held input
	ipWindows map[string]*rateWindow       // remote IP -> connection window

	stop chan struct{}
}

type rateWindow struct {
	start time.Time
	count int
}

// New wires the hub. policy may be nil for allow-all.
func New(cfg Config, sessions *session.Manager, reg *registry.Registry, tokens *pairing.TokenStore, codes *pairing.Manager, store *database.Store, policy guardrails.Policy, log *slog.Logger) *Hub {
	if policy == nil {
		policy = guardrails.AllowAll{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.ConnRateLimit <= 0 {
		cfg.ConnRateLimit = DefaultConfig().ConnRateLimit
	}
	if cfg.ConnRateWindow <= 0 {
		cfg.ConnRateWindow = DefaultConfig().ConnRateWindow
	}
	return &Hub{
		cfg:       cfg,
		sessions:  sessions,
		reg:       reg,
		tokens:    tokens,
		codes:     codes,
		policy:    policy,
		store:     store,
		log:       log,
		conns:     make(map[string]*conn),
		arbiters:  make(map[string]*arbiter.Arbiter),
		approvals: make(map[string]pendingApproval),
		ipWindows: make(map[string]*rateWindow),
		stop:      make(chan struct{}),
	}
}

// Routes builds the HTTP surface: the WebSocket endpoint, the pairing
// API and the pairing-entry page.
func (h *Hub) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", h.handleWS)
	r.Get("/api/pair", h.handlePair)
	r.Options("/api/pair", h.handleCORSPreflight)
	r.Get("/", h.handleRoot)
	return r
}

// Start launches the background tick loop driving heartbeats, arbiter
// timers and stale-client eviction.
func (h *Hub) Start() {
	go h.tickLoop()
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	close(h.stop)

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "daemon shutting down")
		c.close()
	}
}

// allowConnection applies the per-IP connection rate limit.
func (h *Hub) allowConnection(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	w, ok := h.ipWindows[ip]
	if !ok || now.Sub(w.start) > h.cfg.ConnRateWindow {
		h.ipWindows[ip] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= h.cfg.ConnRateLimit {
		return false
	}
	w.count++
	return true
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.allowConnection(r.RemoteAddr) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	authSession, ok := h.tokens.Validate(token)
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	clientType := r.URL.Query().Get("clientType")
	if clientType != arbiter.TypePC {
		clientType = arbiter.TypeMobile
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	clientID, err := h.reg.Register(clientType, arbiter.DefaultPriority(clientType), r.UserAgent())
	if err != nil {
		h.log.Error("register client failed", "error", err)
		ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	c := newConn(clientID, clientType, authSession, ws)
	h.mu.Lock()
	h.conns[clientID] = c
	h.mu.Unlock()

	h.log.Info("client connected", "client", clientID, "type", clientType, "session", authSession)
	h.serve(r.Context(), c)
}

// serve runs the connection to completion.
func (h *Hub) serve(ctx context.Context, c *conn) {
	defer h.disconnect(c)

	go c.writePump(ctx)

	c.enqueueJSON(authSuccessMsg{
		Type:            MsgAuthSuccess,
		ClientID:        c.id,
		ProtocolVersion: ProtocolVersion,
		ClientType:      c.clientType,
	})
	h.sendSessionList(c)

	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.enqueueJSON(errorMsg{Type: MsgError, Message: "malformed message", Code: CodeInternalError})
			continue
		}
		c.markAlive()
		h.dispatch(c, &msg)
	}
}

// disconnect tears down all per-client state.
func (h *Hub) disconnect(c *conn) {
	c.close()
	c.ws.CloseNow()

	sessionID := c.attachedTo()
	if sessionID != "" {
		if a := h.arbiterFor(sessionID, false); a != nil {
			a.UnregisterClient(c.id)
		}
		h.broadcastToSession(sessionID, clientLeftMsg{Type: MsgClientLeft, ClientID: c.id}, c.id)
	}
	h.sessions.DetachClient(c.id)
	h.reg.Unregister(c.id)

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	h.log.Info("client disconnected", "client", c.id)
}

func (h *Hub) sendSessionList(c *conn) {
	sessions, err := h.sessions.List(false)
	if err != nil {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "session list unavailable", Code: CodeInternalError})
		return
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, SessionSummary{
			ID:               s.ID,
			State:            s.State,
			WorkingDirectory: s.WorkingDirectory,
			CreatedAt:        s.CreatedAt,
			LastActivity:     s.LastActivity,
		})
	}
	c.enqueueJSON(sessionListMsg{Type: MsgSessionList, Sessions: summaries})
}

// arbiterFor returns the session's arbiter, creating it when create is
// set.
func (h *Hub) arbiterFor(sessionID string, create bool) *arbiter.Arbiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, ok := h.arbiters[sessionID]
	if !ok && create {
		a = arbiter.New(h.cfg.Arbiter,
			func(s arbiter.Snapshot) { h.broadcastControlStatus(sessionID, s) },
			func(clientID, input string, accepted bool, reason string) {
				if err := h.store.LogInput(sessionID, clientID, input, accepted, reason); err != nil {
					h.log.Warn("input audit failed", "session", sessionID, "error", err)
				}
			})
		h.arbiters[sessionID] = a
	}
	return a
}

// connsForSession snapshots the connections attached to a session.
func (h *Hub) connsForSession(sessionID string, exclude string) []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*conn
	for _, c := range h.conns {
		if c.id == exclude {
			continue
		}
		if c.attachedTo() == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) broadcastToSession(sessionID string, v any, exclude string) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, c := range h.connsForSession(sessionID, exclude) {
		if !c.enqueue(frame) {
			h.log.Warn("dropped frame for congested client", "client", c.id)
		}
	}
}

// BroadcastOutput fans a PTY chunk out to every attached client. It is
// the session manager's output callback.
func (h *Hub) BroadcastOutput(sessionID string, data []byte) {
	h.broadcastToSession(sessionID, terminalOutputMsg{
		Type:    MsgTerminalOutput,
		Data:    string(data),
		AgentID: "default",
	}, "")
}

// HandleSessionState reacts to persisted state transitions: broadcast,
// and on completion invalidate credentials and block further input. It
// is the session manager's state-change callback.
func (h *Hub) HandleSessionState(sessionID, newState string) {
	var lastActivity time.Time
	if s, err := h.sessions.Get(sessionID); err == nil {
		lastActivity = s.LastActivity
	}
	h.broadcastToSession(sessionID, sessionStateMsg{
		Type:         MsgSessionState,
		SessionID:    sessionID,
		State:        newState,
		LastActivity: lastActivity,
	}, "")

	if newState == database.StateCompleted {
		h.tokens.Invalidate(sessionID)
		h.codes.PurgeSession(sessionID)
		if a := h.arbiterFor(sessionID, false); a != nil {
			a.MarkCompleted()
		}
	}
}

func (h *Hub) broadcastControlStatus(sessionID string, s arbiter.Snapshot) {
	msg := controlStatusMsg{
		Type:         MsgControlStatus,
		SessionID:    sessionID,
		State:        s.State,
		ActiveClient: s.CurrentOwner,
	}
	if !s.ExclusiveExpires.IsZero() {
		msg.ExclusiveExpires = &s.ExclusiveExpires
	}
	if !s.LastPCActivity.IsZero() {
		msg.LastPCActivity = &s.LastPCActivity
	}
	h.broadcastToSession(sessionID, msg, "")
}

// tickLoop drives heartbeats, arbiter timers and eviction.
func (h *Hub) tickLoop() {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	arbiters := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	defer arbiters.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-heartbeat.C:
			h.sweepHeartbeats()
		case <-arbiters.C:
			h.mu.Lock()
			all := make([]*arbiter.Arbiter, 0, len(h.arbiters))
			for _, a := range h.arbiters {
				all = append(all, a)
			}
			h.mu.Unlock()
			for _, a := range all {
				a.Tick()
			}
		}
	}
}

// sweepHeartbeats emits heartbeat frames and closes clients that have
// missed two consecutive intervals, then evicts registry-stale ones.
func (h *Hub) sweepHeartbeats() {
	now := time.Now()
	frame, _ := json.Marshal(heartbeatMsg{Type: MsgHeartbeat, Timestamp: now.UnixMilli()})

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if now.Sub(c.aliveSince()) > 2*h.cfg.HeartbeatInterval {
			h.log.Info("closing unresponsive client", "client", c.id)
			c.ws.Close(websocket.StatusNormalClosure, "Heartbeat timeout")
			c.close()
			continue
		}
		c.enqueue(frame)
	}

	for _, id := range h.reg.EvictStale() {
		h.mu.Lock()
		c, ok := h.conns[id]
		h.mu.Unlock()
		if ok {
			c.ws.Close(websocket.StatusNormalClosure, "Heartbeat timeout")
			c.close()
		}
	}
}

// AttachLocal registers an IPC-side client (the CLI attach verb) in
// the session's arbitration domain.
func (h *Hub) AttachLocal(sessionID, clientID, clientType string) {
	a := h.arbiterFor(sessionID, true)
	a.RegisterClient(clientID, clientType, arbiter.DefaultPriority(clientType))
	h.broadcastToSession(sessionID, clientJoinedMsg{
		Type: MsgClientJoined,
		Client: ClientInfo{
			ID:         clientID,
			ClientType: clientType,
			Priority:   arbiter.DefaultPriority(clientType),
		},
	}, clientID)
}

// DetachLocal removes an IPC-side client from arbitration.
func (h *Hub) DetachLocal(sessionID, clientID string) {
	if a := h.arbiterFor(sessionID, false); a != nil {
		a.UnregisterClient(clientID)
	}
	h.broadcastToSession(sessionID, clientLeftMsg{Type: MsgClientLeft, ClientID: clientID}, clientID)
}

// SubmitLocal arbitrates input from an IPC-side client.
func (h *Hub) SubmitLocal(sessionID, clientID, data string) arbiter.Decision {
	a := h.arbiterFor(sessionID, true)
	return a.SubmitInput(clientID, data)
}

// isLineTerminated reports whether an input chunk completes a command.
func isLineTerminated(data string) bool {
	return strings.HasSuffix(data, "\n") || strings.HasSuffix(data, "\r")
}
