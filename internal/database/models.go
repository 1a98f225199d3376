package database

import "time"

// Session states. Completed is terminal.
const (
	StateRunning   = "running"
	StatePaused    = "paused"
	StateCompleted = "completed"
)

type Session struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	State            string    `gorm:"not null;default:running;index" json:"state"`
	AgentConfig      string    `gorm:"type:text;default:'{}'" json:"agent_config"`
	WorkingDirectory string    `gorm:"not null" json:"working_directory"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	LastActivity     time.Time `gorm:"not null" json:"last_activity"`

	Scrollback []ScrollbackLine `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	Clients    []ConnectedClient `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	InputLog   []InputLogEntry  `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

type ScrollbackLine struct {
	SessionID  string    `gorm:"primaryKey;size:64" json:"session_id"`
	LineNumber int64     `gorm:"primaryKey;autoIncrement:false" json:"line_number"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
}

type ConnectedClient struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	SessionID     *string   `gorm:"size:64;index" json:"session_id"`
	ClientType    string    `gorm:"not null;default:mobile" json:"client_type"`
	Priority      string    `gorm:"not null;default:normal" json:"priority"`
	ConnectedAt   time.Time `gorm:"not null" json:"connected_at"`
	LastHeartbeat time.Time `gorm:"not null" json:"last_heartbeat"`
	UserAgent     string    `json:"user_agent,omitempty"`
}

type InputLogEntry struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string    `gorm:"size:64;not null;index" json:"session_id"`
	ClientID     string    `gorm:"size:64;not null" json:"client_id"`
	Input        string    `gorm:"type:text;not null" json:"input"`
	Timestamp    time.Time `gorm:"not null" json:"timestamp"`
	Accepted     bool      `gorm:"not null" json:"accepted"`
	RejectReason string    `json:"reject_reason,omitempty"`
}

// SessionToken persists the fernet-encrypted bearer token for a session
// so pairing survives daemon restarts.
type SessionToken struct {
	SessionID  string    `gorm:"primaryKey;size:64" json:"session_id"`
	Ciphertext string    `gorm:"type:text;not null" json:"-"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}
