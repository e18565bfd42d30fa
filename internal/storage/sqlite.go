// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// SQLiteStore implements Store interface with SQLite backend.
// Each row carries the full record as JSON in its data column; rowid keeps insertion order.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil || config.Path == "" {
		return nil, ErrMissingSQLiteConfig
	}

	// Ensure directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Open database connection
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单连接，保证 PRAGMA 和事务落在同一个连接上
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
		now:  timeNow,
	}

	// Initialize schema
	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS declarations (
		source_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		collection TEXT NOT NULL,
		source_id TEXT NOT NULL,
		part_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER DEFAULT 0,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, source_id, part_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Apply pragmas
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000", // 16MB cache
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	// Apply custom pragmas from config
	if config.Pragmas != nil {
		for key, value := range config.Pragmas {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
		}
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// ListDeclarations returns all declarations in insertion order
func (s *SQLiteStore) ListDeclarations(ctx context.Context) ([]*Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM declarations ORDER BY rowid`)
	if err != nil {
		return nil, newStorageError("READ_FAILED", "failed to list declarations", err)
	}
	defer rows.Close()

	out := make([]*Declaration, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, newStorageError("READ_FAILED", "failed to scan declaration", err)
		}
		decl := &Declaration{}
		if err := json.Unmarshal([]byte(data), decl); err != nil {
			return nil, newStorageError("CORRUPT", "failed to decode declaration", err)
		}
		out = append(out, decl)
	}
	return out, rows.Err()
}

// GetDeclaration returns one declaration by source ID
func (s *SQLiteStore) GetDeclaration(ctx context.Context, sourceID string) (*Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getDeclaration(ctx, s.db, sourceID)
}

func (s *SQLiteStore) getDeclaration(ctx context.Context, q queryer, sourceID string) (*Declaration, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM declarations WHERE source_id = ?`, sourceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeclarationNotFound
	}
	if err != nil {
		return nil, newStorageError("READ_FAILED", "failed to get declaration", err)
	}

	decl := &Declaration{}
	if err := json.Unmarshal([]byte(data), decl); err != nil {
		return nil, newStorageError("CORRUPT", "failed to decode declaration", err)
	}
	return decl, nil
}

// UpsertDeclaration replaces the declaration with the same source ID or appends it
func (s *SQLiteStore) UpsertDeclaration(ctx context.Context, decl *Declaration) error {
	if decl == nil || decl.SourceID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	d := decl.Clone()
	if d.CreatedAt.IsZero() {
		if existing, err := s.getDeclaration(ctx, tx, d.SourceID); err == nil {
			d.CreatedAt = existing.CreatedAt
		}
	}
	if err := s.putDeclaration(ctx, tx, d, s.now()); err != nil {
		return err
	}
	return commit(tx)
}

func (s *SQLiteStore) putDeclaration(ctx context.Context, q queryer, d *Declaration, now time.Time) error {
	d.UpdatedAt = now
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Pages == nil {
		d.Pages = []Page{}
	}

	data, err := json.Marshal(d)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to encode declaration", err)
	}

	query := `
	INSERT INTO declarations (source_id, data, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(source_id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query, d.SourceID, string(data), d.CreatedAt.Unix(), d.UpdatedAt.Unix()); err != nil {
		return newStorageError("WRITE_FAILED", "failed to write declaration", err)
	}
	return nil
}

// RemoveDeclaration removes a declaration, reporting whether it existed
func (s *SQLiteStore) RemoveDeclaration(ctx context.Context, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM declarations WHERE source_id = ?`, sourceID)
	if err != nil {
		return false, newStorageError("WRITE_FAILED", "failed to remove declaration", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateDeclarationPage merges a patch into one page of a declaration
func (s *SQLiteStore) UpdateDeclarationPage(ctx context.Context, sourceID, partID string, patch *PagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	decl, err := s.getDeclaration(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := updatePage(decl, partID, patch, now); err != nil {
		return err
	}
	if err := s.putDeclaration(ctx, tx, decl, now); err != nil {
		return err
	}
	return commit(tx)
}

// RemoveDeclarationPage removes one page; the declaration goes with its last page
func (s *SQLiteStore) RemoveDeclarationPage(ctx context.Context, sourceID, partID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	decl, err := s.getDeclaration(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	now := s.now()
	empty, err := removePage(decl, partID, now)
	if err != nil {
		return err
	}

	if empty {
		if _, err := tx.ExecContext(ctx, `DELETE FROM declarations WHERE source_id = ?`, sourceID); err != nil {
			return newStorageError("WRITE_FAILED", "failed to remove declaration", err)
		}
	} else if err := s.putDeclaration(ctx, tx, decl, now); err != nil {
		return err
	}
	return commit(tx)
}

// ListInProgress returns all in-progress records
func (s *SQLiteStore) ListInProgress(ctx context.Context) ([]*TaskRecord, error) {
	return s.listTasks(ctx, collectionInProgress)
}

// GetInProgress returns one in-progress record
func (s *SQLiteStore) GetInProgress(ctx context.Context, key TaskKey) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTask(ctx, s.db, collectionInProgress, key)
}

// UpsertInProgress replaces or appends an in-progress record
func (s *SQLiteStore) UpsertInProgress(ctx context.Context, rec *TaskRecord) error {
	return s.upsertTask(ctx, collectionInProgress, rec)
}

// UpdateInProgress applies a patch to an existing in-progress record
func (s *SQLiteStore) UpdateInProgress(ctx context.Context, key TaskKey, patch *TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rec, err := s.getTask(ctx, tx, collectionInProgress, key)
	if err != nil {
		return err
	}
	patch.Apply(rec)
	rec.UpdatedAt = s.now()
	if err := s.putTask(ctx, tx, collectionInProgress, rec); err != nil {
		return err
	}
	return commit(tx)
}

// RemoveInProgress removes an in-progress record
func (s *SQLiteStore) RemoveInProgress(ctx context.Context, key TaskKey) (bool, error) {
	return s.removeTask(ctx, collectionInProgress, key)
}

// ListCompleted returns all completed records
func (s *SQLiteStore) ListCompleted(ctx context.Context) ([]*TaskRecord, error) {
	return s.listTasks(ctx, collectionCompleted)
}

// GetCompleted returns one completed record
func (s *SQLiteStore) GetCompleted(ctx context.Context, key TaskKey) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTask(ctx, s.db, collectionCompleted, key)
}

// UpsertCompleted replaces or appends a completed record
func (s *SQLiteStore) UpsertCompleted(ctx context.Context, rec *TaskRecord) error {
	if rec != nil && rec.CompletedAt == nil {
		rec = rec.Clone()
		now := s.now()
		rec.CompletedAt = &now
	}
	return s.upsertTask(ctx, collectionCompleted, rec)
}

// RemoveCompleted removes a completed record
func (s *SQLiteStore) RemoveCompleted(ctx context.Context, key TaskKey) (bool, error) {
	return s.removeTask(ctx, collectionCompleted, key)
}

// MoveTaskToCompleted moves a record between collections inside one transaction
func (s *SQLiteStore) MoveTaskToCompleted(ctx context.Context, key TaskKey, overrides *TaskPatch) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newStorageError("WRITE_FAILED", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	current, err := s.getTask(ctx, tx, collectionInProgress, key)
	if err != nil {
		return nil, err
	}

	rec := completeRecord(current, overrides, s.now())
	if existing, err := s.getTask(ctx, tx, collectionCompleted, key); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}

	if err := s.putTask(ctx, tx, collectionCompleted, rec); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE collection = ? AND source_id = ? AND part_id = ?`,
		collectionInProgress, key.SourceID, key.PartID,
	); err != nil {
		return nil, newStorageError("WRITE_FAILED", "failed to remove in-progress record", err)
	}

	if err := commit(tx); err != nil {
		return nil, err
	}
	return rec, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

// Stats returns statistics about the database
func (s *SQLiteStore) Stats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]interface{})

	// Get table counts
	var declCount, inProgressCount, completedCount int64

	s.db.QueryRow("SELECT COUNT(*) FROM declarations").Scan(&declCount)
	s.db.QueryRow("SELECT COUNT(*) FROM tasks WHERE collection = ?", collectionInProgress).Scan(&inProgressCount)
	s.db.QueryRow("SELECT COUNT(*) FROM tasks WHERE collection = ?", collectionCompleted).Scan(&completedCount)

	stats["declarations"] = declCount
	stats["in_progress"] = inProgressCount
	stats["completed"] = completedCount
	stats["type"] = "sqlite"
	stats["path"] = s.path

	// Get database size
	if info, err := os.Stat(s.path); err == nil {
		stats["size_bytes"] = info.Size()
	}

	return stats, nil
}

func (s *SQLiteStore) listTasks(ctx context.Context, collection string) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, newStorageError("READ_FAILED", "failed to list tasks", err)
	}
	defer rows.Close()

	out := make([]*TaskRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, newStorageError("READ_FAILED", "failed to scan task", err)
		}
		rec := &TaskRecord{}
		if err := json.Unmarshal([]byte(data), rec); err != nil {
			return nil, newStorageError("CORRUPT", "failed to decode task", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getTask(ctx context.Context, q queryer, collection string, key TaskKey) (*TaskRecord, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM tasks WHERE collection = ? AND source_id = ? AND part_id = ?`,
		collection, key.SourceID, key.PartID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, newStorageError("READ_FAILED", "failed to get task", err)
	}

	rec := &TaskRecord{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, newStorageError("CORRUPT", "failed to decode task", err)
	}
	return rec, nil
}

func (s *SQLiteStore) upsertTask(ctx context.Context, collection string, rec *TaskRecord) error {
	if rec == nil || rec.Key().IsZero() {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	r := rec.Clone()
	now := s.now()
	r.UpdatedAt = now
	if r.CreatedAt.IsZero() {
		if existing, err := s.getTask(ctx, tx, collection, r.Key()); err == nil {
			r.CreatedAt = existing.CreatedAt
		} else {
			r.CreatedAt = now
		}
	}
	if err := s.putTask(ctx, tx, collection, r); err != nil {
		return err
	}
	return commit(tx)
}

// putTask inserts or updates in place; ON CONFLICT keeps the rowid and with it the list position
func (s *SQLiteStore) putTask(ctx context.Context, q queryer, collection string, rec *TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to encode task", err)
	}

	query := `
	INSERT INTO tasks (collection, source_id, part_id, status, progress, data, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, source_id, part_id) DO UPDATE SET
		status = excluded.status,
		progress = excluded.progress,
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		collection,
		rec.SourceID,
		rec.PartID,
		string(rec.Status),
		rec.Progress,
		string(data),
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to write task", err)
	}
	return nil
}

func (s *SQLiteStore) removeTask(ctx context.Context, collection string, key TaskKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE collection = ? AND source_id = ? AND part_id = ?`,
		collection, key.SourceID, key.PartID,
	)
	if err != nil {
		return false, newStorageError("WRITE_FAILED", "failed to remove task", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return newStorageError("WRITE_FAILED", "failed to commit transaction", err)
	}
	return nil
}

// Helper functions for time handling

func timeNow() time.Time {
	return time.Now().UTC()
}
