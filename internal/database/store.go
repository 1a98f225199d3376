package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite session database. All mutations fail fast on
// integrity violations; the daemon does not retry.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path, enables WAL journaling
// and foreign-key enforcement, and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// Foreign keys go in the DSN: a PRAGMA issued through the pool
	// would only apply to the one connection that ran it.
	dsn := path
	if strings.ContainsRune(dsn, '?') {
		dsn += "&_foreign_keys=1"
	} else {
		dsn += "?_foreign_keys=1"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Session{}, &ScrollbackLine{}, &ConnectedClient{}, &InputLogEntry{}, &SessionToken{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Sessions

func (s *Store) CreateSession(id, state, agentConfig, workingDirectory string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:               id,
		State:            state,
		AgentConfig:      agentConfig,
		WorkingDirectory: workingDirectory,
		CreatedAt:        now,
		LastActivity:     now,
	}
	if err := s.db.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	if err := s.db.First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetAllSessions(includeCompleted bool) ([]Session, error) {
	q := s.db.Order("created_at")
	if !includeCompleted {
		q = q.Where("state != ?", StateCompleted)
	}
	var sessions []Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) GetSessionsByState(state string) ([]Session, error) {
	var sessions []Session
	if err := s.db.Where("state = ?", state).Order("created_at").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) UpdateSessionState(id, state string) error {
	res := s.db.Model(&Session{}).Where("id = ?", id).Updates(map[string]interface{}{
		"state":         state,
		"last_activity": time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSessionActivity(id string) error {
	res := s.db.Model(&Session{}).Where("id = ?", id).Update("last_activity", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session; scrollback, clients, and input log
// rows go with it via foreign-key cascades.
func (s *Store) DeleteSession(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		// Cascade by hand as well: AutoMigrate-created FKs are only
		// enforced when the pragma is on, and older DB files may
		// predate the constraint.
		for _, m := range []interface{}{&ScrollbackLine{}, &InputLogEntry{}, &SessionToken{}} {
			if err := tx.Where("session_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("session_id = ?", id).Delete(&ConnectedClient{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Session{}, "id = ?", id).Error
	})
}

// DeleteCompletedSessions removes completed sessions whose last
// activity is older than the given age, returning how many went away.
func (s *Store) DeleteCompletedSessions(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var stale []Session
	if err := s.db.Where("state = ? AND last_activity < ?", StateCompleted, cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}
	for _, sess := range stale {
		if err := s.DeleteSession(sess.ID); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Scrollback

// AppendScrollback appends one line, allocating the next line number
// atomically.
func (s *Store) AppendScrollback(sessionID, content string) (int64, error) {
	var lineNo int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		lineNo, err = nextLineNumber(tx, sessionID)
		if err != nil {
			return err
		}
		return tx.Create(&ScrollbackLine{
			SessionID:  sessionID,
			LineNumber: lineNo,
			Content:    content,
			Timestamp:  time.Now(),
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("append scrollback: %w", err)
	}
	return lineNo, nil
}

// AppendScrollbackBatch appends lines in one transaction, preserving
// order. Returns the line number assigned to the first line.
func (s *Store) AppendScrollbackBatch(sessionID string, lines []string) (int64, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	var first int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		start, err := nextLineNumber(tx, sessionID)
		if err != nil {
			return err
		}
		first = start
		now := time.Now()
		rows := make([]ScrollbackLine, len(lines))
		for i, content := range lines {
			rows[i] = ScrollbackLine{
				SessionID:  sessionID,
				LineNumber: start + int64(i),
				Content:    content,
				Timestamp:  now,
			}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return 0, fmt.Errorf("append scrollback batch: %w", err)
	}
	return first, nil
}

// AppendScrollbackBatchAt writes lines with caller-assigned numbers
// starting at startLine, in one transaction. Used by the scrollback
// buffer, whose numbering is authoritative across trims.
func (s *Store) AppendScrollbackBatchAt(sessionID string, startLine int64, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]ScrollbackLine, len(lines))
	for i, content := range lines {
		rows[i] = ScrollbackLine{
			SessionID:  sessionID,
			LineNumber: startLine + int64(i),
			Content:    content,
			Timestamp:  now,
		}
	}
	if err := s.db.Create(&rows).Error; err != nil {
		return fmt.Errorf("append scrollback at %d: %w", startLine, err)
	}
	return nil
}

func nextLineNumber(tx *gorm.DB, sessionID string) (int64, error) {
	var next int64
	err := tx.Model(&ScrollbackLine{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(line_number) + 1, 0)").
		Scan(&next).Error
	return next, err
}

// GetScrollback returns up to count lines starting at fromLine, in
// ascending line order.
func (s *Store) GetScrollback(sessionID string, fromLine int64, count int) ([]ScrollbackLine, error) {
	var lines []ScrollbackLine
	err := s.db.Where("session_id = ? AND line_number >= ?", sessionID, fromLine).
		Order("line_number").
		Limit(count).
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// GetLatestScrollback returns the last count lines in ascending order.
func (s *Store) GetLatestScrollback(sessionID string, count int) ([]ScrollbackLine, error) {
	var lines []ScrollbackLine
	err := s.db.Where("session_id = ?", sessionID).
		Order("line_number DESC").
		Limit(count).
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	// Reverse into ascending order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

func (s *Store) GetScrollbackLineCount(sessionID string) (int64, error) {
	var count int64
	err := s.db.Model(&ScrollbackLine{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// TrimScrollback deletes the oldest rows so that at most keepLines
// remain.
func (s *Store) TrimScrollback(sessionID string, keepLines int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&ScrollbackLine{}).Where("session_id = ?", sessionID).Count(&total).Error; err != nil {
			return err
		}
		if total <= keepLines {
			return nil
		}
		var cutoff int64
		err := tx.Model(&ScrollbackLine{}).
			Where("session_id = ?", sessionID).
			Select("MAX(line_number) + 1").
			Scan(&cutoff).Error
		if err != nil {
			return err
		}
		return tx.Where("session_id = ? AND line_number < ?", sessionID, cutoff-keepLines).
			Delete(&ScrollbackLine{}).Error
	})
}

// Clients

func (s *Store) AddClient(c *ConnectedClient) error {
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now()
	}
	if c.LastHeartbeat.IsZero() {
		c.LastHeartbeat = c.ConnectedAt
	}
	return s.db.Create(c).Error
}

func (s *Store) GetClient(id string) (*ConnectedClient, error) {
	var c ConnectedClient
	if err := s.db.First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetClientsBySession(sessionID string) ([]ConnectedClient, error) {
	var clients []ConnectedClient
	if err := s.db.Where("session_id = ?", sessionID).Order("connected_at").Find(&clients).Error; err != nil {
		return nil, err
	}
	return clients, nil
}

func (s *Store) RemoveClient(id string) error {
	return s.db.Delete(&ConnectedClient{}, "id = ?", id).Error
}

func (s *Store) UpdateClientHeartbeat(id string) error {
	return s.db.Model(&ConnectedClient{}).Where("id = ?", id).Update("last_heartbeat", time.Now()).Error
}

func (s *Store) UpdateClientPriority(id, priority string) error {
	return s.db.Model(&ConnectedClient{}).Where("id = ?", id).Update("priority", priority).Error
}

func (s *Store) UpdateClientSession(id string, sessionID *string) error {
	return s.db.Model(&ConnectedClient{}).Where("id = ?", id).Update("session_id", sessionID).Error
}

// RemoveStaleClients deletes clients whose last heartbeat is older
// than the given age and returns their ids.
func (s *Store) RemoveStaleClients(olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)
	var stale []ConnectedClient
	if err := s.db.Where("last_heartbeat < ?", cutoff).Find(&stale).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(stale))
	for i, c := range stale {
		ids[i] = c.ID
	}
	if len(ids) > 0 {
		if err := s.db.Delete(&ConnectedClient{}, "id IN ?", ids).Error; err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Input log

func (s *Store) LogInput(sessionID, clientID, input string, accepted bool, rejectReason string) error {
	return s.db.Create(&InputLogEntry{
		SessionID:    sessionID,
		ClientID:     clientID,
		Input:        input,
		Timestamp:    time.Now(),
		Accepted:     accepted,
		RejectReason: rejectReason,
	}).Error
}

func (s *Store) GetInputLog(sessionID string, limit int) ([]InputLogEntry, error) {
	var entries []InputLogEntry
	err := s.db.Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Tokens

func (s *Store) SaveSessionToken(sessionID, ciphertext string) error {
	tok := SessionToken{SessionID: sessionID, Ciphertext: ciphertext, CreatedAt: time.Now()}
	return s.db.Where("session_id = ?", sessionID).
		Assign(SessionToken{Ciphertext: ciphertext}).
		FirstOrCreate(&tok).Error
}

func (s *Store) GetSessionToken(sessionID string) (string, error) {
	var tok SessionToken
	if err := s.db.First(&tok, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return tok.Ciphertext, nil
}

func (s *Store) DeleteSessionToken(sessionID string) error {
	return s.db.Delete(&SessionToken{}, "session_id = ?", sessionID).Error
}

func (s *Store) AllSessionTokens() ([]SessionToken, error) {
	var toks []SessionToken
	if err := s.db.Find(&toks).Error; err != nil {
		return nil, err
	}
	return toks, nil
}

// Settings-style key/value storage (used for the fernet key).

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (s *Store) GetSetting(key string) (string, error) {
	var row Setting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return row.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}
