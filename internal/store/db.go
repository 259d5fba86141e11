package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB opens a Postgres connection, checks it and applies the schema.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS attendance_records (
	id            UUID PRIMARY KEY,
	student_id    TEXT NOT NULL,
	student_name  TEXT NOT NULL DEFAULT '',
	student_email TEXT NOT NULL DEFAULT '',
	course_code   TEXT NOT NULL,
	session_date  DATE NOT NULL,
	marked_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_present    BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (student_id, course_code, session_date)
);
CREATE INDEX IF NOT EXISTS idx_attendance_course_day ON attendance_records (course_code, session_date);
`

// Migrate creates the tables the service needs. It is safe to run on
// every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
