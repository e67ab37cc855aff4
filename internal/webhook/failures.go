package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Failure struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id,omitempty"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// FailureStore keeps malformed events for operator intervention.
type FailureStore struct {
	db *sql.DB
}

func NewFailureStore(db *sql.DB) *FailureStore {
	return &FailureStore{db: db}
}

func (s *FailureStore) Record(ctx context.Context, eventID, sessionID, reason string, payload []byte) error {
	var session sql.NullString
	if sessionID != "" {
		session = sql.NullString{String: sessionID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_failures (id, event_id, session_id, reason, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), eventID, session, reason, string(payload))
	return err
}

func (s *FailureStore) List(ctx context.Context, limit int) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, COALESCE(session_id, ''), reason, payload, created_at
		FROM webhook_failures
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var failures []Failure
	for rows.Next() {
		var f Failure
		var payload []byte
		if err := rows.Scan(&f.ID, &f.EventID, &f.SessionID, &f.Reason, &payload, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Payload = payload
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return failures, nil
}
