package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SQLiteHistoryRepository implements HistoryRepository on the link_events table.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a new SQLite link event repository.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// Record inserts a link event.
func (r *SQLiteHistoryRepository) Record(ctx context.Context, ev LinkEvent) error {
	if ev.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if ev.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_events (device_id, kind, mode, attempt, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.DeviceID,
		ev.Kind,
		ev.Mode,
		ev.Attempt,
		ev.Detail,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting link event: %w", err)
	}
	return nil
}

// List returns recent link events for a device, ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device identifier
//   - limit: Maximum entries to return (default 50, max 500)
func (r *SQLiteHistoryRepository) List(ctx context.Context, deviceID string, limit int) ([]LinkEvent, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, kind, mode, attempt, detail, created_at
		 FROM link_events
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying link events: %w", err)
	}
	defer rows.Close()

	events := make([]LinkEvent, 0, limit)
	for rows.Next() {
		var ev LinkEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Kind, &ev.Mode, &ev.Attempt, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning link event: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link events: %w", err)
	}

	return events, nil
}

// Prune deletes events older than the given duration and returns the count removed.
func (r *SQLiteHistoryRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := r.db.ExecContext(ctx, "DELETE FROM link_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting link events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
