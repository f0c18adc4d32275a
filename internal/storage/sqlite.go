package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"mopa/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, global_step, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, global_step) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, ckpt.RunID, ckpt.GlobalStep, ckpt.SchemaVersion, ckpt.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE run_id = ?
		ORDER BY global_step DESC
		LIMIT 1
	`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}

	ckpt, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return ckpt, true, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE run_id = ?
		ORDER BY global_step ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		ckpt, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
		}
		out = append(out, ckpt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveRunSummary(ctx context.Context, summary model.RunSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRunSummary(summary)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_summaries (run_id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, summary.RunID, summary.SchemaVersion, summary.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunSummary{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM run_summaries WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunSummary{}, false, nil
		}
		return model.RunSummary{}, false, err
	}

	summary, err := DecodeRunSummary(payload)
	if err != nil {
		return model.RunSummary{}, false, fmt.Errorf("decode run summary %s: %w", runID, err)
	}
	return summary, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			global_step INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, global_step)
		);
		CREATE TABLE IF NOT EXISTS run_summaries (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
