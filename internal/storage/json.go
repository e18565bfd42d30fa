package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Collection file names inside the JSON storage directory
const (
	DeclarationsFile = "downloads-info.json"
	InProgressFile   = "downloading.json"
	CompletedFile    = "completed.json"
)

// JSONStore implements Store with one JSON array file per collection.
// Every write rewrites the whole file through a temp file and an atomic rename.
type JSONStore struct {
	*listStore
	dir string
}

type fileBackend struct {
	dir string
}

// NewJSONStore creates a JSON file store, creating the directory and empty collections
func NewJSONStore(config *JSONConfig) (*JSONStore, error) {
	if config == nil || config.Directory == "" {
		return nil, ErrMissingJSONConfig
	}

	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, newStorageError("INIT_FAILED", "failed to create data directory", err)
	}

	backend := &fileBackend{dir: config.Directory}
	for _, name := range []string{DeclarationsFile, InProgressFile, CompletedFile} {
		path := filepath.Join(config.Directory, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeJSONFile(path, []struct{}{}); err != nil {
				return nil, err
			}
		}
	}

	return &JSONStore{
		listStore: newListStore(backend),
		dir:       config.Directory,
	}, nil
}

// Dir returns the data directory
func (s *JSONStore) Dir() string {
	return s.dir
}

func (b *fileBackend) loadDeclarations() ([]*Declaration, error) {
	return readJSONFile[*Declaration](filepath.Join(b.dir, DeclarationsFile))
}

func (b *fileBackend) saveDeclarations(list []*Declaration) error {
	return writeJSONFile(filepath.Join(b.dir, DeclarationsFile), list)
}

func (b *fileBackend) loadTasks(collection string) ([]*TaskRecord, error) {
	return readJSONFile[*TaskRecord](b.taskFile(collection))
}

func (b *fileBackend) saveTasks(collection string, list []*TaskRecord) error {
	return writeJSONFile(b.taskFile(collection), list)
}

func (b *fileBackend) close() error {
	return nil
}

func (b *fileBackend) taskFile(collection string) string {
	if collection == collectionCompleted {
		return filepath.Join(b.dir, CompletedFile)
	}
	return filepath.Join(b.dir, InProgressFile)
}

// readJSONFile reads a whole collection; a missing file is an empty collection
func readJSONFile[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []T{}, nil
		}
		return nil, newStorageError("READ_FAILED", fmt.Sprintf("failed to read %s", filepath.Base(path)), err)
	}

	var list []T
	if len(data) == 0 {
		return []T{}, nil
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, newStorageError("CORRUPT", fmt.Sprintf("failed to parse %s", filepath.Base(path)), err)
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

// writeJSONFile writes a whole collection via temp file + rename
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return newStorageError("WRITE_FAILED", "failed to marshal collection", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return newStorageError("WRITE_FAILED", fmt.Sprintf("failed to write %s", filepath.Base(path)), err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return newStorageError("WRITE_FAILED", fmt.Sprintf("failed to rename %s", filepath.Base(path)), err)
	}
	return nil
}
