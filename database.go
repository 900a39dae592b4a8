package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type DatabaseInterface interface {
	CreateMessageLog(ctx context.Context, params CreateMessageLogParams) error
	Close() error
}

type Database struct {
	db      *sql.DB
	queries *Queries
}

func NewDatabase(ctx context.Context, databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:      db,
		queries: New(db),
	}, nil
}

// SQL exposes the pool for stores that share it. Nil when no database is configured.
func (d *Database) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.db
}

func (d *Database) Close() error {
	return d.db.Close()
}

// EnsureSchema creates the archive and dedup tables when missing.
func (d *Database) EnsureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

func (d *Database) CreateMessageLog(ctx context.Context, params CreateMessageLogParams) error {
	return d.queries.CreateMessageLog(ctx, params)
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS routed_messages (
    id          BIGSERIAL PRIMARY KEY,
    destination TEXT        NOT NULL,
    severity    TEXT        NOT NULL,
    payload     TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_messages (
    message_id   TEXT PRIMARY KEY,
    destination  TEXT        NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL
);
`

type CreateMessageLogParams struct {
	Destination string
	Severity    string
	Payload     string
	CreatedAt   time.Time
}

type MessageLog struct {
	ID          int64     `json:"id"`
	Destination string    `json:"destination"`
	Severity    string    `json:"severity"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

const createMessageLog = `-- name: CreateMessageLog :exec
INSERT INTO routed_messages (destination, severity, payload, created_at)
VALUES ($1, $2, $3, $4)
`

func (q *Queries) CreateMessageLog(ctx context.Context, arg CreateMessageLogParams) error {
	_, err := q.db.ExecContext(ctx, createMessageLog,
		arg.Destination,
		arg.Severity,
		arg.Payload,
		arg.CreatedAt,
	)
	return err
}

// ArchiveSink records every emitted message for one destination in Postgres.
type ArchiveSink struct {
	destination string
	db          DatabaseInterface
	now         func() time.Time
}

func NewArchiveSink(destination string, db DatabaseInterface) *ArchiveSink {
	return &ArchiveSink{destination: destination, db: db, now: time.Now}
}

func (a *ArchiveSink) Emit(ctx context.Context, severity Severity, message string) error {
	return a.db.CreateMessageLog(ctx, CreateMessageLogParams{
		Destination: a.destination,
		Severity:    severity.String(),
		Payload:     message,
		CreatedAt:   a.now(),
	})
}
