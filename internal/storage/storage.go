// Package storage provides persistence of download records with multiple backend support.
// Three ordered collections are kept: declarations (downloads-info), in-progress tasks
// and completed tasks.
package storage

import (
	"context"
	"errors"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeJSON   StorageType = "json"   // One JSON file per collection
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	JSON   *JSONConfig   `mapstructure:"json" yaml:"json" json:"json,omitempty"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite,omitempty"`
}

// JSONConfig contains configuration of the JSON file backend
type JSONConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"` // holds downloads-info.json, downloading.json, completed.json
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`                 // Database file path
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas" json:"pragmas,omitempty" ignored:"true"` // SQLite pragmas
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL" split_words:"true"`
}

// Store defines the storage interface.
// Upserts match by key, replacing an existing entry in place or appending a new one.
type Store interface {
	// Declaration operations (downloads-info)
	ListDeclarations(ctx context.Context) ([]*Declaration, error)
	GetDeclaration(ctx context.Context, sourceID string) (*Declaration, error)
	UpsertDeclaration(ctx context.Context, decl *Declaration) error
	RemoveDeclaration(ctx context.Context, sourceID string) (bool, error)
	UpdateDeclarationPage(ctx context.Context, sourceID, partID string, patch *PagePatch) error
	RemoveDeclarationPage(ctx context.Context, sourceID, partID string) error

	// In-progress task operations
	ListInProgress(ctx context.Context) ([]*TaskRecord, error)
	GetInProgress(ctx context.Context, key TaskKey) (*TaskRecord, error)
	UpsertInProgress(ctx context.Context, rec *TaskRecord) error
	UpdateInProgress(ctx context.Context, key TaskKey, patch *TaskPatch) error
	RemoveInProgress(ctx context.Context, key TaskKey) (bool, error)

	// Completed task operations
	ListCompleted(ctx context.Context) ([]*TaskRecord, error)
	GetCompleted(ctx context.Context, key TaskKey) (*TaskRecord, error)
	UpsertCompleted(ctx context.Context, rec *TaskRecord) error
	RemoveCompleted(ctx context.Context, key TaskKey) (bool, error)

	// MoveTaskToCompleted removes the in-progress record, merges overrides, forces
	// progress to 100 and appends it to the completed collection.
	// A missing key fails with ErrRecordNotFound and mutates nothing.
	MoveTaskToCompleted(ctx context.Context, key TaskKey, overrides *TaskPatch) (*TaskRecord, error)

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	if config == nil {
		return nil, ErrInvalidStorageType
	}

	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store = NewMemoryStore()
	case StorageTypeJSON:
		if config.JSON == nil || config.JSON.Directory == "" {
			return nil, ErrMissingJSONConfig
		}
		store, err = NewJSONStore(config.JSON)
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Type returns the configured backend type
func (m *Manager) Type() StorageType {
	return m.config.Type
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrMissingJSONConfig   = &StorageError{Code: "MISSING_CONFIG", Message: "Missing JSON storage directory"}
	ErrRecordNotFound      = &StorageError{Code: "NOT_FOUND", Message: "Task record not found"}
	ErrDeclarationNotFound = &StorageError{Code: "NOT_FOUND", Message: "Declaration not found"}
	ErrPageNotFound        = &StorageError{Code: "NOT_FOUND", Message: "Declaration page not found"}
	ErrInvalidRecord       = &StorageError{Code: "INVALID_RECORD", Message: "Record is missing its key"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(code, message string, err error) *StorageError {
	return &StorageError{Code: code, Message: message, Err: err}
}

// IsNotFound reports whether err is any of the NOT_FOUND storage errors
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == "NOT_FOUND"
}
