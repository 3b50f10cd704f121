package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotpay/backend/src/models"
)

// DedupStore records applied provider callbacks. Insert reports whether the
// event was new; a false return means the callback was already applied.
type DedupStore interface {
	Insert(ctx context.Context, ev *models.DedupEvent) (bool, error)
	ListForTransaction(ctx context.Context, transactionID string) ([]*models.DedupEvent, error)
}

type SQLiteDedupStore struct {
	db *sql.DB
}

func NewSQLiteDedupStore(db *sql.DB) *SQLiteDedupStore {
	return &SQLiteDedupStore{db: db}
}

func (s *SQLiteDedupStore) Insert(ctx context.Context, ev *models.DedupEvent) (bool, error) {
	payload := "{}"
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return false, fmt.Errorf("failed to encode dedup payload: %w", err)
		}
		payload = string(raw)
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO dedup_events
		(event_key, transaction_id, source, event_type, payload_json, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventKey, ev.TransactionID, string(ev.Source), ev.EventType, payload,
		receivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to insert dedup event %s: %w", ev.EventKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup insert result: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteDedupStore) ListForTransaction(ctx context.Context, transactionID string) ([]*models.DedupEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_key, transaction_id, source, event_type, payload_json, received_at
		FROM dedup_events WHERE transaction_id = ? ORDER BY received_at ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dedup events for %s: %w", transactionID, err)
	}
	defer rows.Close()

	var out []*models.DedupEvent
	for rows.Next() {
		var (
			ev         models.DedupEvent
			source     string
			payload    string
			receivedAt string
		)
		if err := rows.Scan(&ev.EventKey, &ev.TransactionID, &source, &ev.EventType, &payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dedup event row: %w", err)
		}
		ev.Source = models.DedupEventSource(source)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode dedup payload for %s: %w", ev.EventKey, err)
			}
		}
		if ev.ReceivedAt, err = parseStoredTime(receivedAt); err != nil {
			return nil, fmt.Errorf("failed to parse received_at for %s: %w", ev.EventKey, err)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dedup event row iteration failed: %w", err)
	}
	return out, nil
}
