package ipc

import "time"

// Actions understood by the daemon's IPC endpoint.
const (
	ActionStatus        = "status"
	ActionSessionList   = "session_list"
	ActionSessionCreate = "session_create"
	ActionSessionAttach = "session_attach"
	ActionSessionKill   = "session_kill"
	ActionSessionExport = "session_export"
	ActionShutdown      = "shutdown"
)

// Request is one line-delimited JSON request from the CLI.
type Request struct {
	Action           string `json:"action"`
	SessionID        string `json:"sessionId,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	AgentConfig      string `json:"agentConfig,omitempty"`
	ClientID         string `json:"clientId,omitempty"`
	ClientType       string `json:"clientType,omitempty"`
	Force            bool   `json:"force,omitempty"`
	IncludeCompleted bool   `json:"includeCompleted,omitempty"`
}

// StatusInfo is the payload of a status response.
type StatusInfo struct {
	PID             int     `json:"pid"`
	UptimeSeconds   int64   `json:"uptimeSeconds"`
	Port            int     `json:"port"`
	IPCPath         string  `json:"ipcPath"`
	RunningSessions int     `json:"runningSessions"`
	TotalSessions   int     `json:"totalSessions"`
	Clients         int     `json:"clients"`
	MemoryRSSBytes  uint64  `json:"memoryRssBytes"`
	MemoryPercent   float32 `json:"memoryPercent"`
}

// SessionInfo is one row in a session_list response.
type SessionInfo struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Response is one line-delimited JSON response.
type Response struct {
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Status   *StatusInfo   `json:"status,omitempty"`
	Sessions []SessionInfo `json:"sessions,omitempty"`
	ID       string        `json:"id,omitempty"`
	PairCode string        `json:"pairCode,omitempty"`
	Lines    []string      `json:"lines,omitempty"`
	Killed   bool          `json:"killed,omitempty"`
}

// Stream frame types used after a successful session_attach.
const (
	StreamOutput   = "output"
	StreamInput    = "terminal_input"
	StreamResize   = "resize"
	StreamDetach   = "session_detach"
	StreamRejected = "input_rejected"
)

// StreamFrame is one frame on an attached IPC connection, in either
// direction.
type StreamFrame struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Cols   uint16 `json:"cols,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Reason string `json:"reason,omitempty"`
}
