// Package store persists processed items, run history and host settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aluiziolira/go-form-autofill/models"
	_ "modernc.org/sqlite"
)

// Settings keys, one row each.
const (
	keyDates     = "dates"
	keyDateGoals = "dateGoals"
	keyDelayMs   = "delayMs"
	keyDateIndex = "dateIndex"
	keyProgress  = "progress"
)

// Store provides SQLite-backed persistence.
type Store struct {
	db *sql.DB
}

// RunRecord is the stored summary of one run.
type RunRecord struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	SuccessCount int        `json:"successCount"`
	ErrorCount   int        `json:"errorCount"`
	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %q: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// MarkProcessed records item as registered. Marking an item twice keeps the first record.
func (s *Store) MarkProcessed(ctx context.Context, runID, date, item string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_items (item, run_id, item_date, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item) DO NOTHING
	`, item, runID, date, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark processed %q: %w", item, err)
	}
	return nil
}

// ProcessedItems returns every processed item in the order it was recorded.
func (s *Store) ProcessedItems(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item FROM processed_items ORDER BY processed_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []string{}
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClearProcessed forgets every processed item and returns how many were removed.
func (s *Store) ClearProcessed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_items`)
	if err != nil {
		return 0, fmt.Errorf("clear processed: %w", err)
	}
	return res.RowsAffected()
}

// RecordEvents stores a batch of progress events in one transaction. Success
// events also mark their item processed, and every event updates its run row.
func (s *Store) RecordEvents(ctx context.Context, events []models.ProgressEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range events {
		ts := ev.Timestamp.UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO progress_events (run_id, status, done, total, item, item_date, detail, success_count, error_count, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.RunID, string(ev.Status), ev.Done, ev.Total, ev.CurrentItem, ev.CurrentDate, ev.Detail, ev.SuccessCount, ev.ErrorCount, ts); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if ev.Status == models.StatusSuccess && ev.CurrentItem != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO processed_items (item, run_id, item_date, processed_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(item) DO NOTHING
			`, ev.CurrentItem, ev.RunID, ev.CurrentDate, ts); err != nil {
				return fmt.Errorf("mark processed %q: %w", ev.CurrentItem, err)
			}
		}

		if ev.RunID == "" {
			continue
		}
		var finished any
		if ev.Status == models.StatusCompleted || ev.Status == models.StatusStopped {
			finished = ts
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, status, total, success_count, error_count, started_at, updated_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				total = excluded.total,
				success_count = excluded.success_count,
				error_count = excluded.error_count,
				updated_at = excluded.updated_at,
				finished_at = COALESCE(excluded.finished_at, runs.finished_at)
		`, ev.RunID, string(ev.Status), ev.Total, ev.SuccessCount, ev.ErrorCount, ts, ts, finished); err != nil {
			return fmt.Errorf("upsert run %s: %w", ev.RunID, err)
		}
	}

	return tx.Commit()
}

// Events returns the stored events of runID (all runs when empty), oldest
// first. limit <= 0 means no limit.
func (s *Store) Events(ctx context.Context, runID string, limit int) ([]models.ProgressEvent, error) {
	query := `SELECT run_id, status, done, total, item, item_date, detail, success_count, error_count, timestamp FROM progress_events WHERE 1=1`
	var args []interface{}

	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ProgressEvent
	for rows.Next() {
		var ev models.ProgressEvent
		var status string
		var item, date, detail sql.NullString
		var ts int64
		if err := rows.Scan(&ev.RunID, &status, &ev.Done, &ev.Total, &item, &date, &detail, &ev.SuccessCount, &ev.ErrorCount, &ts); err != nil {
			return nil, err
		}
		ev.Status = models.Status(status)
		ev.CurrentItem = item.String
		ev.CurrentDate = date.String
		ev.Detail = detail.String
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Runs returns stored runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT id, status, total, success_count, error_count, started_at, updated_at, finished_at FROM runs ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, updated int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Status, &r.Total, &r.SuccessCount, &r.ErrorCount, &started, &updated, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.UpdatedAt = time.UnixMilli(updated)
		if finished.Valid {
			at := time.UnixMilli(finished.Int64)
			r.FinishedAt = &at
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveSettings replaces the stored settings.
func (s *Store) SaveSettings(ctx context.Context, settings models.Settings) error {
	values := map[string]any{
		keyDates:     settings.Dates,
		keyDateGoals: settings.DateGoals,
		keyDelayMs:   settings.DelayMs,
		keyDateIndex: settings.DateIndex,
	}
	if settings.LastProgress != nil {
		values[keyProgress] = settings.LastProgress
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if settings.LastProgress == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, keyProgress); err != nil {
			return err
		}
	}
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode setting %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, string(raw)); err != nil {
			return fmt.Errorf("save setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadSettings returns the stored settings, filling gaps with defaults.
func (s *Store) LoadSettings(ctx context.Context) (models.Settings, error) {
	settings := models.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return settings, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return settings, err
		}
		var target any
		switch key {
		case keyDates:
			target = &settings.Dates
		case keyDateGoals:
			target = &settings.DateGoals
		case keyDelayMs:
			target = &settings.DelayMs
		case keyDateIndex:
			target = &settings.DateIndex
		case keyProgress:
			settings.LastProgress = &models.ProgressEvent{}
			target = settings.LastProgress
		default:
			continue
		}
		if err := json.Unmarshal([]byte(raw), target); err != nil {
			return settings, fmt.Errorf("decode setting %s: %w", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return settings, err
	}

	if settings.Dates == nil {
		settings.Dates = []string{}
	}
	if settings.DateGoals == nil {
		settings.DateGoals = map[string]int{}
	}
	return settings, nil
}

// ClearSettings removes every stored setting.
func (s *Store) ClearSettings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings`)
	if err != nil {
		return fmt.Errorf("clear settings: %w", err)
	}
	return nil
}
