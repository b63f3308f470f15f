package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const syncLogColumns = `id, adapter, started_at, completed_at, status, records_fetched, records_upserted, error_message`

// CreateSyncLog writes a new running entry. An ID is generated when empty.
func (db *DB) CreateSyncLog(ctx context.Context, entry *SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = StatusRunning
	}
	entry.StartedAt = entry.StartedAt.UTC()

	query := `
		INSERT INTO sync_log (` + syncLogColumns + `)
		VALUES (?, ?, ?, NULL, ?, 0, 0, NULL)
	`

	_, err := db.ExecContext(ctx, query, entry.ID, entry.Adapter, entry.StartedAt, entry.Status)
	return err
}

// FinishSyncLog moves a running entry to its terminal state.
// Returns ErrAlreadyFinished if the entry is not running anymore.
func (db *DB) FinishSyncLog(ctx context.Context, id, status string, fetched, upserted int, errMsg *string, completedAt time.Time) error {
	if status != StatusCompleted && status != StatusError {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	query := `
		UPDATE sync_log
		SET status = ?, completed_at = ?, records_fetched = ?, records_upserted = ?, error_message = ?
		WHERE id = ? AND status = 'running'
	`

	result, err := db.ExecContext(ctx, query, status, completedAt.UTC(), fetched, upserted, errMsg, id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := db.GetSyncLog(ctx, id); IsNotFound(getErr) {
			return ErrNotFound
		}
		return ErrAlreadyFinished
	}

	return nil
}

// GetSyncLog retrieves a single entry by ID
func (db *DB) GetSyncLog(ctx context.Context, id string) (*SyncLogEntry, error) {
	query := `SELECT ` + syncLogColumns + ` FROM sync_log WHERE id = ?`

	entry, err := scanSyncLog(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// ListSyncLogs returns the most recent entries, newest first
func (db *DB) ListSyncLogs(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	query := `
		SELECT ` + syncLogColumns + `
		FROM sync_log
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSyncLogs(rows)
}

// ClearSyncLogs deletes every terminal entry. Running entries are kept so
// that in-flight runs can still be finished.
func (db *DB) ClearSyncLogs(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM sync_log WHERE status != 'running'")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LatestSyncStatus returns the newest entry for every adapter
func (db *DB) LatestSyncStatus(ctx context.Context) ([]SyncLogEntry, error) {
	query := `
		SELECT ` + syncLogColumns + `
		FROM sync_log AS s
		WHERE s.rowid = (
			SELECT l.rowid FROM sync_log AS l
			WHERE l.adapter = s.adapter
			ORDER BY l.started_at DESC, l.rowid DESC
			LIMIT 1
		)
		ORDER BY s.adapter
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSyncLogs(rows)
}

// LastSuccessfulSync returns the completion time of the most recent
// completed run for adapter, or nil if it has never completed.
func (db *DB) LastSuccessfulSync(ctx context.Context, adapter string) (*time.Time, error) {
	query := `
		SELECT completed_at
		FROM sync_log
		WHERE adapter = ? AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1
	`

	var completedAt time.Time
	err := db.QueryRowContext(ctx, query, adapter).Scan(&completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	completedAt = completedAt.UTC()
	return &completedAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (*SyncLogEntry, error) {
	var entry SyncLogEntry
	err := row.Scan(
		&entry.ID,
		&entry.Adapter,
		&entry.StartedAt,
		&entry.CompletedAt,
		&entry.Status,
		&entry.RecordsFetched,
		&entry.RecordsUpserted,
		&entry.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func collectSyncLogs(rows *sql.Rows) ([]SyncLogEntry, error) {
	entries := make([]SyncLogEntry, 0)
	for rows.Next() {
		entry, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}
