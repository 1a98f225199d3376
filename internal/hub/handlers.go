package hub

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mconnect/mconnect/internal/arbiter"
	"github.com/mconnect/mconnect/internal/database"
	"github.com/mconnect/mconnect/internal/process"
)

func (h *Hub) dispatch(c *conn, msg *inbound) {
	switch msg.Type {
	case MsgSessionAttach:
		h.handleAttach(c, msg)
	case MsgSessionDetach:
		h.handleDetach(c)
	case MsgTerminalInput:
		h.handleInput(c, msg)
	case MsgResize:
		h.handleResize(c, msg)
	case MsgScrollbackRequest:
		h.handleScrollback(c, msg)
	case MsgControlRequest:
		h.handleControl(c, msg)
	case MsgHeartbeatAck:
		// markAlive already ran in the read loop; the registry clock
		// must advance too or EvictStale reaps clients that are acking.
		if err := h.reg.Heartbeat(c.id); err != nil {
			h.log.Warn("heartbeat update failed", "client", c.id, "error", err)
		}
	case MsgPing:
		c.enqueueJSON(pongMsg{Type: MsgPong})
	case MsgApprovalResponse:
		h.handleApproval(c, msg)
	default:
		// Newer clients may speak frame types this build does not know.
		h.log.Debug("ignoring unknown message type", "type", msg.Type, "client", c.id)
	}
}

func (h *Hub) handleAttach(c *conn, msg *inbound) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = c.authSession
	}
	// The bearer token only opens the session it was issued for.
	if sessionID != c.authSession {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "token not valid for session", Code: CodeAuthFailed})
		return
	}

	sess, err := h.sessions.AttachClient(sessionID, c.id)
	if err == database.ErrNotFound {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "session not found", Code: CodeSessionNotFound})
		return
	}
	if err != nil {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "attach failed", Code: CodeInternalError})
		return
	}
	if sess.State == database.StateCompleted {
		h.sessions.DetachClient(c.id)
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "session already completed", Code: CodeSessionCompleted})
		return
	}

	c.setAttached(sessionID)
	a := h.arbiterFor(sessionID, true)
	a.RegisterClient(c.id, c.clientType, arbiter.DefaultPriority(c.clientType))

	// Replay before live output so the client starts from a coherent
	// tail.
	h.sendScrollbackTail(c, sessionID)
	h.sendControlStatus(c, sessionID, a.State())

	h.broadcastToSession(sessionID, clientJoinedMsg{
		Type: MsgClientJoined,
		Client: ClientInfo{
			ID:         c.id,
			ClientType: c.clientType,
			Priority:   arbiter.DefaultPriority(c.clientType),
		},
	}, c.id)
	h.log.Info("client attached", "client", c.id, "session", sessionID)
}

func (h *Hub) sendScrollbackTail(c *conn, sessionID string) {
	lines, total, err := h.sessions.Tail(sessionID, attachReplayLines)
	if err != nil {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "scrollback unavailable", Code: CodeInternalError})
		return
	}
	entries := make([]ScrollbackEntry, 0, len(lines))
	for _, l := range lines {
		entries = append(entries, ScrollbackEntry{LineNumber: l.Number, Content: l.Content})
	}
	var fromLine int64
	if len(entries) > 0 {
		fromLine = entries[0].LineNumber
	}
	c.enqueueJSON(scrollbackResponseMsg{
		Type:       MsgScrollbackResponse,
		SessionID:  sessionID,
		Lines:      entries,
		FromLine:   fromLine,
		TotalLines: total,
	})
}

func (h *Hub) sendControlStatus(c *conn, sessionID string, s arbiter.Snapshot) {
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
	c.enqueueJSON(msg)
}

func (h *Hub) handleDetach(c *conn) {
	sessionID := c.attachedTo()
	if sessionID == "" {
		return
	}
	if a := h.arbiterFor(sessionID, false); a != nil {
		a.UnregisterClient(c.id)
	}
	c.setAttached("")
	h.sessions.DetachClient(c.id)
	h.broadcastToSession(sessionID, clientLeftMsg{Type: MsgClientLeft, ClientID: c.id}, c.id)
}

func (h *Hub) handleInput(c *conn, msg *inbound) {
	sessionID := c.attachedTo()
	if sessionID == "" {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "not attached to a session", Code: CodeNotAttached})
		return
	}

	a := h.arbiterFor(sessionID, true)
	decision := a.SubmitInput(c.id, msg.Data)
	if !decision.Accepted {
		c.enqueueJSON(inputRejectedMsg{Type: MsgInputRejected, Reason: decision.Reason})
		return
	}

	// Guardrails see whole command lines only.
	if isLineTerminated(msg.Data) {
		command := strings.TrimRight(c.cmdline+msg.Data, "\r\n")
		c.cmdline = ""
		verdict := h.policy.Check(command)
		if verdict.Blocked {
			h.broadcastToSession(sessionID, commandBlockedMsg{
				Type:      MsgCommandBlocked,
				SessionID: sessionID,
				Command:   command,
				Reason:    verdict.Reason,
			}, "")
			return
		}
		if verdict.RequiresApproval {
			id := uuid.New().String()
			h.mu.Lock()
			h.approvals[id] = pendingApproval{sessionID: sessionID, clientID: c.id, input: msg.Data}
			h.mu.Unlock()
			h.broadcastToSession(sessionID, approvalRequestMsg{
				Type:      MsgApprovalRequest,
				ID:        id,
				SessionID: sessionID,
				Command:   command,
				Reason:    verdict.Reason,
			}, "")
			return
		}
	} else {
		c.cmdline += msg.Data
	}

	h.writeToSession(c, sessionID, msg.Data)
}

func (h *Hub) writeToSession(c *conn, sessionID, data string) {
	err := h.sessions.WriteInput(sessionID, []byte(data))
	if err == process.ErrNoProcess {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "session has no live process", Code: CodeSessionCompleted})
		return
	}
	if err != nil {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "write failed", Code: CodeInternalError})
	}
}

// handleApproval resolves a held command. Any attached, authorized
// client may answer, not only the one that submitted it.
func (h *Hub) handleApproval(c *conn, msg *inbound) {
	sessionID := c.attachedTo()
	if sessionID == "" {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "not attached to a session", Code: CodeNotAttached})
		return
	}

	h.mu.Lock()
	pending, ok := h.approvals[msg.ID]
	if ok && pending.sessionID == sessionID {
		delete(h.approvals, msg.ID)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "unknown approval id", Code: CodeInternalError})
		return
	}

	if msg.Approve {
		h.writeToSession(c, sessionID, pending.input)
	}
}

func (h *Hub) handleResize(c *conn, msg *inbound) {
	sessionID := c.attachedTo()
	if sessionID == "" {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "not attached to a session", Code: CodeNotAttached})
		return
	}
	if msg.Cols == 0 || msg.Rows == 0 {
		return
	}
	if err := h.sessions.Resize(sessionID, msg.Cols, msg.Rows); err != nil && err != process.ErrNoProcess {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "resize failed", Code: CodeInternalError})
	}
}

func (h *Hub) handleScrollback(c *conn, msg *inbound) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = c.attachedTo()
	}
	if sessionID == "" {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "not attached to a session", Code: CodeNotAttached})
		return
	}
	if sessionID != c.authSession {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "token not valid for session", Code: CodeAuthFailed})
		return
	}

	count := msg.Count
	if count <= 0 || count > scrollbackRequestCap {
		count = scrollbackRequestCap
	}

	lines, err := h.sessions.GetRange(sessionID, msg.FromLine, count)
	if err != nil {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "scrollback unavailable", Code: CodeInternalError})
		return
	}
	entries := make([]ScrollbackEntry, 0, len(lines))
	for _, l := range lines {
		entries = append(entries, ScrollbackEntry{LineNumber: l.Number, Content: l.Content})
	}

	total, err := h.sessions.TotalLines(sessionID)
	if err != nil {
		total = int64(len(entries))
	}
	c.enqueueJSON(scrollbackResponseMsg{
		Type:       MsgScrollbackResponse,
		SessionID:  sessionID,
		Lines:      entries,
		FromLine:   msg.FromLine,
		TotalLines: total,
	})
}

func (h *Hub) handleControl(c *conn, msg *inbound) {
	sessionID := c.attachedTo()
	if sessionID == "" {
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "not attached to a session", Code: CodeNotAttached})
		return
	}
	a := h.arbiterFor(sessionID, true)

	switch msg.Action {
	case "exclusive":
		granted, reason, expires := a.RequestExclusiveControl(c.id)
		resp := controlResponseMsg{Type: MsgControlResponse, Granted: granted, Reason: reason}
		if granted {
			resp.ExpiresAt = &expires
			h.reg.SetPriority(c.id, arbiter.PriorityExclusive)
		}
		c.enqueueJSON(resp)
	case "release":
		released := a.ReleaseExclusiveControl(c.id)
		a.ReleaseKeyboard(c.id)
		if released {
			h.reg.SetPriority(c.id, arbiter.DefaultPriority(c.clientType))
		}
		c.enqueueJSON(controlResponseMsg{Type: MsgControlResponse, Granted: released})
	default:
		c.enqueueJSON(errorMsg{Type: MsgError, Message: "unknown control action", Code: CodeInternalError})
	}
}

// handlePair exchanges a pairing code for the session's bearer token.
func (h *Hub) handlePair(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid code"})
		return
	}

	res := h.codes.ValidateCode(code)
	if !res.Valid {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": res.Reason})
		return
	}

	h.log.Info("pairing code redeemed", "session", res.SessionID)
	json.NewEncoder(w).Encode(map[string]string{
		"token":     res.Token,
		"sessionId": res.SessionID,
	})
}

func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, tok := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

func (h *Hub) handleCORSPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// handleRoot serves the pairing-entry page unless a valid token names
// a session, in which case the external UI takes over. WebSocket
// upgrade requests at the root are handed to the upgrade path, so
// clients may dial either / or /ws.
func (h *Hub) handleRoot(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		h.handleWS(w, r)
		return
	}
	token := r.URL.Query().Get("token")
	if _, ok := h.tokens.Validate(token); ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("mconnect: token accepted, connect to /ws\n"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(pairingPage))
}

const pairingPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>mconnect pairing</title></head>
<body>
<h1>mconnect</h1>
<p>Enter the pairing code shown on the host:</p>
<form onsubmit="pair(event)">
  <input id="code" maxlength="6" autocomplete="off" autofocus>
  <button>Pair</button>
</form>
<p id="result"></p>
<script>
async function pair(e) {
  e.preventDefault();
  const code = document.getElementById('code').value.trim().toUpperCase();
  const res = await fetch('/api/pair?code=' + encodeURIComponent(code));
  const body = await res.json();
  const out = document.getElementById('result');
  if (res.ok) {
    window.location = '/?token=' + encodeURIComponent(body.token);
  } else {
    out.textContent = body.error;
  }
}
</script>
</body>
</html>
`
