// Package storage is the durable-storage collaborator: a blob store with
// save/load/query semantics and last-write-wins per id. Entities (tasks,
// reasoning chains, investigations, archived contexts) are stored as JSON
// blobs keyed by type and id.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/metrics"
	"github.com/cpas-project/orchestrator/internal/session"
)

// Entity types stored by the core.
const (
	EntityTask          = "task"
	EntityChain         = "chain"
	EntityInvestigation = "investigation"
	EntityContext       = "context"
)

// ErrNotFound is returned when no blob exists for the given type and id.
var ErrNotFound = errors.New("entity not found")

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL,
	id          TEXT NOT NULL,
	blob        TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (entity_type, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities (entity_type, updated_at);
`

type writeRequest struct {
	entityType string
	id         string
	blob       []byte
}

// Store is a sqlite-backed blob store with an async write queue. Reads go
// straight to the database; writes may be queued so handler paths never
// block on disk.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// Open opens (creating if needed) the sqlite database at path and starts
// the write worker. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite tolerates a single writer; a larger pool just causes lock
	// contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, 256),
		stopCh:     make(chan struct{}),
	}
	s.workerWg.Add(1)
	go s.writeWorker()

	logger.Info("Storage opened", zap.String("path", path))
	return s, nil
}

// Save writes a blob synchronously. Last write wins per (type, id).
func (s *Store) Save(ctx context.Context, entityType, id string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, id, blob, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_type, id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		entityType, id, string(blob), time.Now().UTC(),
	)
	if err != nil {
		metrics.StorageWrites.WithLabelValues(entityType, "error").Inc()
		return fmt.Errorf("save %s/%s: %w", entityType, id, err)
	}
	metrics.StorageWrites.WithLabelValues(entityType, "ok").Inc()
	return nil
}

// QueueSave enqueues an async write, falling back to a synchronous write
// when the queue is full so nothing is dropped.
func (s *Store) QueueSave(entityType, id string, blob []byte) {
	select {
	case s.writeQueue <- writeRequest{entityType: entityType, id: id, blob: blob}:
	default:
		s.logger.Warn("Storage write queue full, writing synchronously",
			zap.String("entity_type", entityType))
		if err := s.Save(context.Background(), entityType, id, blob); err != nil {
			s.logger.Error("Synchronous fallback write failed", zap.Error(err))
		}
	}
}

// Load returns the blob for (type, id).
func (s *Store) Load(ctx context.Context, entityType, id string) ([]byte, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob,
		`SELECT blob FROM entities WHERE entity_type = ? AND id = ?`, entityType, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", entityType, id, err)
	}
	return []byte(blob), nil
}

// Query returns blobs of one type whose JSON fields match every filter
// entry, newest first. A nil filter returns everything up to limit.
func (s *Store) Query(ctx context.Context, entityType string, filter map[string]string, limit int) ([][]byte, error) {
	query := `SELECT blob FROM entities WHERE entity_type = ?`
	args := []interface{}{entityType}
	for field, value := range filter {
		query += ` AND json_extract(blob, '$.' || ?) = ?`
		args = append(args, field, value)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var blobs []string
	if err := s.db.SelectContext(ctx, &blobs, query, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", entityType, err)
	}

	out := make([][]byte, len(blobs))
	for i, b := range blobs {
		out[i] = []byte(b)
	}
	return out, nil
}

// ArchiveContext satisfies session.Archiver: expired contexts land in the
// blob store before Redis forgets them.
func (s *Store) ArchiveContext(ctx context.Context, c *session.Context) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	return s.Save(ctx, EntityContext, c.ID, blob)
}

func (s *Store) writeWorker() {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drain()
			return
		case req := <-s.writeQueue:
			if err := s.Save(context.Background(), req.entityType, req.id, req.blob); err != nil {
				s.logger.Error("Async write failed",
					zap.String("entity_type", req.entityType),
					zap.String("id", req.id),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case req := <-s.writeQueue:
			if err := s.Save(context.Background(), req.entityType, req.id, req.blob); err != nil {
				s.logger.Error("Drain write failed", zap.Error(err))
			}
		default:
			return
		}
	}
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.workerWg.Wait()
		err = s.db.Close()
	})
	return err
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
