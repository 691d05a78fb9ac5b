package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores annotations in PostgreSQL. Each call borrows a pooled
// connection, so one Postgres is safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS annotations (
			id BIGSERIAL PRIMARY KEY,
			video_name TEXT NOT NULL,
			frame_name TEXT NOT NULL,
			frame_number INT NOT NULL,
			timestamp_sec INT NOT NULL,
			label TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS annotations_video_name_idx ON annotations (video_name);
		CREATE INDEX IF NOT EXISTS annotations_frame_name_idx ON annotations (frame_name);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) SaveAnnotation(ctx context.Context, a Annotation) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO annotations (video_name, frame_name, frame_number, timestamp_sec, label)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, a.VideoName, a.FrameName, a.FrameNumber, a.TimestampSec, a.Label).Scan(&id)
	return id, err
}

const selectAnnotations = `SELECT id, video_name, frame_name, frame_number, timestamp_sec, label, created_at FROM annotations`

func (s *Postgres) ListAnnotations(ctx context.Context) ([]Annotation, error) {
	rows, err := s.pool.Query(ctx, selectAnnotations+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Annotation])
}

func (s *Postgres) GetAnnotation(ctx context.Context, frameName string) (Annotation, error) {
	rows, err := s.pool.Query(ctx, selectAnnotations+" WHERE frame_name = $1 ORDER BY id DESC LIMIT 1", frameName)
	if err != nil {
		return Annotation{}, err
	}
	a, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[Annotation])
	if errors.Is(err, pgx.ErrNoRows) {
		return Annotation{}, ErrNotFound
	}
	return a, err
}

func (s *Postgres) LabelCounts(ctx context.Context, videoName string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT label, COUNT(*)
		FROM annotations
		WHERE video_name = $1
		GROUP BY label
	`, videoName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = int(n)
	}
	return counts, rows.Err()
}

// Reset drops the annotations table and creates it again.
func (s *Postgres) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS annotations CASCADE;`); err != nil {
		return err
	}
	return initPostgresSchema(ctx, s.pool)
}
