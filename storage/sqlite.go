package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/types"
)

// SQLiteStorage is a Storage backed by SQLite through modernc.org/sqlite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// OpenSQLite opens the database at dsn and prepares the schema.
func OpenSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", dsn, err)
	}
	// Serializes access and keeps a single :memory: database alive.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStorage(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStorage initializes the required schema in db.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS workflows_name_version ON workflows (name, version);
		CREATE TABLE IF NOT EXISTS instances (
			id INTEGER PRIMARY KEY,
			lock_token TEXT NOT NULL DEFAULT '',
			data BLOB NOT NULL
		);`,
	)
	return err
}

// SaveWorkflow inserts or replaces a definition.
func (s *SQLiteStorage) SaveWorkflow(ctx context.Context, wf *types.WorkflowDefinition) error {
	data, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflows (id, name, version, data)
		VALUES (?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Version, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow loads and prepares a definition.
func (s *SQLiteStorage) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM workflows WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return decodeWorkflow(data)
}

// FindLatestWorkflowIDByName returns the id with the highest version for name.
func (s *SQLiteStorage) FindLatestWorkflowIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM workflows
		WHERE name = ?
		ORDER BY version DESC, id DESC
		LIMIT 1`,
		name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: name=%s", ErrWorkflowNotFound, name)
	} else if err != nil {
		return "", fmt.Errorf("failed to look up workflow %s: %w", name, err)
	}
	return id, nil
}

// CreateInstance inserts a new locked instance.
func (s *SQLiteStorage) CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error {
	data, err := encodeInstance(wi)
	if err != nil {
		return err
	}
	token := newLockToken()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, lock_token, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		int64(wi.ID), token, data,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance %d: %w", wi.ID, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return fmt.Errorf("%w: id=%d", ErrInstanceExists, wi.ID)
	}
	wi.LockToken = token
	return nil
}

// Lock claims the instance when no token is set.
func (s *SQLiteStorage) Lock(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	token := newLockToken()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lock_token = ?
		WHERE id = ? AND lock_token = ''`,
		token, int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM instances WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get instance %d: %w", id, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: id=%d", ErrLocked, id)
	}
	return decodeInstance(data, token)
}

// Flush writes the instance while the token is current.
func (s *SQLiteStorage) Flush(ctx context.Context, wi *instance.WorkflowInstance) error {
	data, err := encodeInstance(wi)
	if err != nil {
		return err
	}
	return s.update(ctx, wi, `
		UPDATE instances SET data = ?
		WHERE id = ? AND lock_token = ? AND lock_token != ''`,
		data, int64(wi.ID), wi.LockToken,
	)
}

// FlushAndUnlock writes the instance and clears the token.
func (s *SQLiteStorage) FlushAndUnlock(ctx context.Context, wi *instance.WorkflowInstance) error {
	data, err := encodeInstance(wi)
	if err != nil {
		return err
	}
	if err := s.update(ctx, wi, `
		UPDATE instances SET data = ?, lock_token = ''
		WHERE id = ? AND lock_token = ? AND lock_token != ''`,
		data, int64(wi.ID), wi.LockToken,
	); err != nil {
		return err
	}
	wi.LockToken = ""
	return nil
}

// Unlock clears the token and keeps the last flushed document.
func (s *SQLiteStorage) Unlock(ctx context.Context, wi *instance.WorkflowInstance) error {
	if err := s.update(ctx, wi, `
		UPDATE instances SET lock_token = ''
		WHERE id = ? AND lock_token = ? AND lock_token != ''`,
		int64(wi.ID), wi.LockToken,
	); err != nil {
		return err
	}
	wi.LockToken = ""
	return nil
}

func (s *SQLiteStorage) update(ctx context.Context, wi *instance.WorkflowInstance, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write instance %d: %w", wi.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: id=%d", ErrLockLost, wi.ID)
	}
	return nil
}

// GetInstance loads the last flushed instance.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM instances WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get instance %d: %w", id, err)
	}
	return decodeInstance(data, "")
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
