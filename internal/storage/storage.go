// Package storage keeps a SQLite journal of calibration runs and of the
// events an operator has to answer for (critical stops, acknowledgements).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	EventCriticalStop   = "critical_stop"
	EventAcknowledge    = "acknowledge"
	EventCalibration    = "calibration"
	EventModeChange     = "mode_change"
	EventSafetyDeferral = "safety_deferral"
	EventDriverFault    = "driver_fault"
)

// Event is one journal line.
type Event struct {
	ID     int64
	Time   time.Time
	Kind   string
	Detail string
}

// CalibrationRecord is the outcome of one solve, converged or not.
type CalibrationRecord struct {
	ID          int64
	Time        time.Time
	Converged   bool
	OffsetEast  float64
	OffsetNorth float64
	PierHeight  float64
	RMS         float64
	MaxResidual float64
	Error       string
}

// Store wraps the journal database. A nil *Store records nothing.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer: the control loop and the CLI never write concurrently
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            detail TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS calibrations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            converged BOOLEAN NOT NULL,
            offset_east REAL,
            offset_north REAL,
            pier_height REAL,
            rms REAL,
            max_residual REAL,
            error_message TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_calibrations_created_at ON calibrations(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RecordEvent appends one event. A zero Time means now.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	ev.Kind = strings.TrimSpace(ev.Kind)
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO events (kind, detail, created_at) VALUES (?, ?, ?);`,
		ev.Kind, ev.Detail, ev.Time.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// RecordCalibration stores a solve outcome and journals it as an event.
func (s *Store) RecordCalibration(ctx context.Context, rec CalibrationRecord) error {
	if s == nil {
		return nil
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}
	defer tx.Rollback()

	ms := rec.Time.UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, `
INSERT INTO calibrations (
	converged,
	offset_east,
	offset_north,
	pier_height,
	rms,
	max_residual,
	error_message,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Converged,
		rec.OffsetEast,
		rec.OffsetNorth,
		rec.PierHeight,
		rec.RMS,
		rec.MaxResidual,
		rec.Error,
		ms,
	)
	if err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}

	detail := fmt.Sprintf("converged east=%.4f north=%.4f pier=%.4f rms=%.3f",
		rec.OffsetEast, rec.OffsetNorth, rec.PierHeight, rec.RMS)
	if !rec.Converged {
		detail = "diverged: " + rec.Error
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (kind, detail, created_at) VALUES (?, ?, ?);`,
		EventCalibration, detail, ms); err != nil {
		return fmt.Errorf("record calibration event: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, kind, detail, created_at FROM events ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ms int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Detail, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time = time.UnixMilli(ms)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Calibrations returns up to limit solve outcomes, newest first.
func (s *Store) Calibrations(ctx context.Context, limit int) ([]CalibrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, converged, offset_east, offset_north, pier_height, rms, max_residual, error_message, created_at
FROM calibrations ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calibrations: %w", err)
	}
	defer rows.Close()

	var recs []CalibrationRecord
	for rows.Next() {
		var rec CalibrationRecord
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.Converged, &rec.OffsetEast, &rec.OffsetNorth, &rec.PierHeight,
			&rec.RMS, &rec.MaxResidual, &rec.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		rec.Time = time.UnixMilli(ms)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
