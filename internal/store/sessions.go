package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is one trading session row. A session spans one run of
// the bot from startup to shutdown.
type SessionRecord struct {
	SessionID      string
	StartedAt      time.Time
	EndedAt        time.Time
	ConfigSnapshot json.RawMessage
	Status         string
	ErrorMessage   string
}

// SessionRepo persists trading sessions.
type SessionRepo struct {
	db *sql.DB
}

// Create opens a new active session, recording the config it runs with.
func (r *SessionRepo) Create(ctx context.Context, configSnapshot interface{}) (string, error) {
	body, err := json.Marshal(configSnapshot)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO trading_sessions (session_id, started_at, config_snapshot, status)
VALUES (?,?,?,'active')
`, id, time.Now().Unix(), string(body))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// End closes a session. An empty errMsg records a clean shutdown.
func (r *SessionRepo) End(ctx context.Context, sessionID, errMsg string) error {
	status := "completed"
	if errMsg != "" {
		status = "error"
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE trading_sessions SET ended_at=?, status=?, error_message=? WHERE session_id=?
`, time.Now().Unix(), status, nullableString(errMsg), sessionID)
	return err
}

// Active returns the current active session, nil when none.
func (r *SessionRepo) Active(ctx context.Context) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT session_id, started_at, ended_at, config_snapshot, status, error_message
FROM trading_sessions WHERE status='active' ORDER BY started_at DESC LIMIT 1`)
	return scanSession(row)
}

// Get returns one session by ID, nil when absent.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT session_id, started_at, ended_at, config_snapshot, status, error_message
FROM trading_sessions WHERE session_id=?`, sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*SessionRecord, error) {
	var s SessionRecord
	var startedAt int64
	var endedAt sql.NullInt64
	var snapshot, errMsg sql.NullString
	err := row.Scan(&s.SessionID, &startedAt, &endedAt, &snapshot, &s.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		s.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	if snapshot.Valid {
		s.ConfigSnapshot = json.RawMessage(snapshot.String)
	}
	s.ErrorMessage = errMsg.String
	return &s, nil
}
