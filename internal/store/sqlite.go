package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores annotations in a local database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS annotations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			video_name TEXT NOT NULL,
			frame_name TEXT NOT NULL,
			frame_number INTEGER NOT NULL,
			timestamp_sec INTEGER NOT NULL,
			label TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS annotations_video_name_idx ON annotations (video_name);
		CREATE INDEX IF NOT EXISTS annotations_frame_name_idx ON annotations (frame_name);
	`)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveAnnotation(ctx context.Context, a Annotation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (video_name, frame_name, frame_number, timestamp_sec, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.VideoName, a.FrameName, a.FrameNumber, a.TimestampSec, a.Label, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (Annotation, error) {
	var a Annotation
	var createdAt string
	if err := row.Scan(&a.ID, &a.VideoName, &a.FrameName, &a.FrameNumber, &a.TimestampSec, &a.Label, &createdAt); err != nil {
		return Annotation{}, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return a, nil
}

func (s *SQLite) ListAnnotations(ctx context.Context) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, selectAnnotations+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) GetAnnotation(ctx context.Context, frameName string) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, selectAnnotations+" WHERE frame_name = ? ORDER BY id DESC LIMIT 1", frameName)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, ErrNotFound
	}
	return a, err
}

func (s *SQLite) LabelCounts(ctx context.Context, videoName string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, COUNT(*)
		FROM annotations
		WHERE video_name = ?
		GROUP BY label
	`, videoName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS annotations`); err != nil {
		return err
	}
	return initSQLiteSchema(ctx, s.db)
}
