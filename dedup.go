package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// DeduplicationStore remembers which SQS message IDs were already emitted so
// a redelivery is not written to the sinks twice. It never affects deletion.
type DeduplicationStore interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID, destination string) error

	// removes entries older than the retention window
	Cleanup(ctx context.Context, olderThan time.Duration) error

	Close() error
}

// NewDeduplicationStore builds the store named by kind. "none" returns nil.
func NewDeduplicationStore(kind string, db *sql.DB) (DeduplicationStore, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "memory":
		return NewInMemoryDeduplicationStore(), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("dedup-type postgres requires --db-url")
		}
		return NewPostgresDeduplicationStore(db), nil
	default:
		return nil, fmt.Errorf("invalid dedup-type: %s", kind)
	}
}

type emittedDelivery struct {
	destination string
	emittedAt   time.Time
}

type InMemoryDeduplicationStore struct {
	mu      sync.RWMutex
	emitted map[string]emittedDelivery
	now     func() time.Time
}

func NewInMemoryDeduplicationStore() *InMemoryDeduplicationStore {
	return &InMemoryDeduplicationStore{
		emitted: make(map[string]emittedDelivery),
		now:     time.Now,
	}
}

func (m *InMemoryDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.emitted[messageID]
	return ok, nil
}

func (m *InMemoryDeduplicationStore) MarkProcessed(ctx context.Context, messageID, destination string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emitted == nil {
		return fmt.Errorf("deduplication store closed")
	}
	m.emitted[messageID] = emittedDelivery{destination: destination, emittedAt: m.now()}
	return nil
}

func (m *InMemoryDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	for id, d := range m.emitted {
		if d.emittedAt.Before(cutoff) {
			delete(m.emitted, id)
		}
	}
	return nil
}

func (m *InMemoryDeduplicationStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.emitted)
}

func (m *InMemoryDeduplicationStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emitted = nil
	return nil
}

type PostgresDeduplicationStore struct {
	db *sql.DB
}

func NewPostgresDeduplicationStore(db *sql.DB) *PostgresDeduplicationStore {
	return &PostgresDeduplicationStore{db: db}
}

func (p *PostgresDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)",
		messageID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresDeduplicationStore) MarkProcessed(ctx context.Context, messageID, destination string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id, destination, processed_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (message_id) DO NOTHING`,
		messageID, destination, time.Now(),
	)
	return err
}

func (p *PostgresDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM processed_messages WHERE processed_at < $1",
		time.Now().Add(-olderThan),
	)
	return err
}

// the *sql.DB is owned by Database
func (p *PostgresDeduplicationStore) Close() error {
	return nil
}
