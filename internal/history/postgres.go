package history

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists message records in a PostgreSQL messages table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given database
// handle. The schema is managed separately via Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append durably persists one message record and fills in its assigned id.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO messages (sender_id, recipient_id, content, sent_at, session_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		rec.SenderID,
		rec.Recipient,
		rec.Content,
		rec.Timestamp,
		rec.SessionID,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// History returns every record for the session in ascending timestamp order.
// The id tiebreak keeps replay deterministic when concurrent senders land on
// the same timestamp.
func (s *PostgresStore) History(ctx context.Context, sessionID string) ([]Record, error) {
	const query = `
		SELECT id, sender_id, recipient_id, content, sent_at, session_id
		FROM messages
		WHERE session_id = $1
		ORDER BY sent_at, id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SenderID, &rec.Recipient, &rec.Content, &rec.Timestamp, &rec.SessionID); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return records, nil
}
