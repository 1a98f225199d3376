package hub

import "time"

// ProtocolVersion identifies the wire protocol spoken over the
// WebSocket endpoint.
const ProtocolVersion = "2.0"

// Client -> server message types.
const (
	MsgSessionAttach     = "session_attach"
	MsgSessionDetach     = "session_detach"
	MsgTerminalInput     = "terminal_input"
	MsgResize            = "resize"
	MsgScrollbackRequest = "scrollback_request"
	MsgControlRequest    = "control_request"
	MsgHeartbeatAck      = "heartbeat_ack"
	MsgPing              = "ping"
	MsgApprovalResponse  = "approval_response"
)

// Server -> client message types.
const (
	MsgAuthSuccess        = "auth_success"
	MsgSessionList        = "session_list"
	MsgSessionState       = "session_state"
	MsgScrollbackResponse = "scrollback_response"
	MsgControlStatus      = "control_status"
	MsgControlResponse    = "control_response"
	MsgInputRejected      = "input_rejected"
	MsgClientJoined       = "client_joined"
	MsgClientLeft         = "client_left"
	MsgHeartbeat          = "heartbeat"
	MsgTerminalOutput     = "terminal_output"
	MsgPong               = "pong"
	MsgCommandBlocked     = "command_blocked"
	MsgApprovalRequest    = "approval_request"
	MsgError              = "error"
)

// Error codes for the error message.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionCompleted = "SESSION_COMPLETED"
	CodeNotAttached      = "NOT_ATTACHED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// inbound is the superset of fields a client may send; Type selects
// which ones are meaningful.
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	FromLine  int64  `json:"fromLine,omitempty"`
	Count     int    `json:"count,omitempty"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	ID        string `json:"id,omitempty"`
	Approve   bool   `json:"approve,omitempty"`
}

type authSuccessMsg struct {
	Type            string `json:"type"`
	ClientID        string `json:"clientId"`
	ProtocolVersion string `json:"protocolVersion"`
	ClientType      string `json:"clientType"`
}

// SessionSummary is the session shape shown in session_list.
type SessionSummary struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

type sessionListMsg struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

type sessionStateMsg struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

// ScrollbackEntry is one line in a scrollback_response.
type ScrollbackEntry struct {
	LineNumber int64  `json:"lineNumber"`
	Content    string `json:"content"`
}

type scrollbackResponseMsg struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"sessionId"`
	Lines      []ScrollbackEntry `json:"lines"`
	FromLine   int64             `json:"fromLine"`
	TotalLines int64             `json:"totalLines"`
}

type controlStatusMsg struct {
	Type             string     `json:"type"`
	SessionID        string     `json:"sessionId"`
	State            string     `json:"state"`
	ActiveClient     string     `json:"activeClient,omitempty"`
	ExclusiveExpires *time.Time `json:"exclusiveExpires,omitempty"`
	LastPCActivity   *time.Time `json:"lastPcActivity,omitempty"`
}

type controlResponseMsg struct {
	Type      string     `json:"type"`
	Granted   bool       `json:"granted"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type inputRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ClientInfo is the client shape shown in client_joined.
type ClientInfo struct {
	ID         string `json:"id"`
	ClientType string `json:"clientType"`
	Priority   string `json:"priority"`
}

type clientJoinedMsg struct {
	Type   string     `json:"type"`
	Client ClientInfo `json:"client"`
}

type clientLeftMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type heartbeatMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type terminalOutputMsg struct {
	Type    string `json:"type"`
	Data    string `json:"data"`
	AgentID string `json:"agentId"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type commandBlockedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	Reason    string `json:"reason"`
}

type approvalRequestMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	Reason    string `json:"reason"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}
