// writer.go - Ziele fuer skalare Trainingsmetriken
//
// Enthaelt:
// - LogWriter: Schnittstelle fuer AddScalar
// - SQLiteWriter: Tabelle scalars in einer SQLite-Datei
// - SlogWriter: strukturierte Log-Zeilen
package train

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver.
)

// LogWriter nimmt skalare Metriken entgegen
type LogWriter interface {
	AddScalar(ctx context.Context, tag string, value float64, step int) error
	Close() error
}

// Scalar ist ein gespeicherter Messwert
type Scalar struct {
	Tag   string
	Value float64
	Step  int
}

const scalarsSchema = `
	CREATE TABLE IF NOT EXISTS scalars (
		run TEXT NOT NULL,
		tag TEXT NOT NULL,
		value REAL NOT NULL,
		step INTEGER NOT NULL,
		wall_time DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scalars_run_tag_step ON scalars(run, tag, step);
`

// SQLiteWriter schreibt Metriken eines Laufs in eine SQLite-Datenbank
type SQLiteWriter struct {
	db  *sql.DB
	run string
	now func() time.Time
}

// OpenSQLite oeffnet path und legt das Schema an
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		slog.Warn("failed to enable WAL mode for SQLite, continuing without it", "error", err)
	}
	return db, nil
}

// NewSQLiteWriter erstellt einen Writer fuer run ueber db
func NewSQLiteWriter(db *sql.DB, run string) (*SQLiteWriter, error) {
	if _, err := db.Exec(scalarsSchema); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteWriter{db: db, run: run, now: time.Now}, nil
}

// AddScalar speichert einen Messwert
func (w *SQLiteWriter) AddScalar(ctx context.Context, tag string, value float64, step int) error {
	_, err := w.db.ExecContext(ctx,
		"INSERT INTO scalars (run, tag, value, step, wall_time) VALUES (?, ?, ?, ?, ?)",
		w.run, tag, value, step, w.now().UTC())
	if err != nil {
		return fmt.Errorf("insert scalar %s: %w", tag, err)
	}
	return nil
}

// Latest gibt je Tag den Wert mit dem hoechsten Schritt zurueck
func (w *SQLiteWriter) Latest(ctx context.Context) ([]Scalar, error) {
	rows, err := w.db.QueryContext(ctx,
		"SELECT tag, value, MAX(step) FROM scalars WHERE run = ? GROUP BY tag ORDER BY tag", w.run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var s Scalar
		if err := rows.Scan(&s.Tag, &s.Value, &s.Step); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close schliesst die Datenbank
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

// SlogWriter gibt jeden Messwert als Log-Zeile aus
type SlogWriter struct {
	Logger *slog.Logger
}

// AddScalar loggt einen Messwert
func (w SlogWriter) AddScalar(ctx context.Context, tag string, value float64, step int) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "scalar", "tag", tag, "value", value, "step", step)
	return nil
}

// Close ist ein No-op
func (SlogWriter) Close() error { return nil }
