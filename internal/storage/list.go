package storage

import (
	"context"
	"sync"
	"time"
)

const (
	collectionInProgress = "downloading"
	collectionCompleted  = "completed"
)

// listBackend loads and saves whole collections.
// Every write through listStore reads the full collection, mutates it and writes it back.
type listBackend interface {
	loadDeclarations() ([]*Declaration, error)
	saveDeclarations(list []*Declaration) error
	loadTasks(collection string) ([]*TaskRecord, error)
	saveTasks(collection string, list []*TaskRecord) error
	close() error
}

// listStore implements Store on top of a whole-collection backend
type listStore struct {
	mu      sync.Mutex
	backend listBackend
	now     func() time.Time
}

func newListStore(backend listBackend) *listStore {
	return &listStore{backend: backend, now: time.Now}
}

// ListDeclarations returns all declarations in insertion order
func (s *listStore) ListDeclarations(ctx context.Context) ([]*Declaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadDeclarations()
	if err != nil {
		return nil, err
	}
	out := make([]*Declaration, len(list))
	for i, d := range list {
		out[i] = d.Clone()
	}
	return out, nil
}

// GetDeclaration returns one declaration by source ID
func (s *listStore) GetDeclaration(ctx context.Context, sourceID string) (*Declaration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadDeclarations()
	if err != nil {
		return nil, err
	}
	if i := indexOfDeclaration(list, sourceID); i >= 0 {
		return list[i].Clone(), nil
	}
	return nil, ErrDeclarationNotFound
}

// UpsertDeclaration replaces the declaration with the same source ID or appends it
func (s *listStore) UpsertDeclaration(ctx context.Context, decl *Declaration) error {
	if decl == nil || decl.SourceID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadDeclarations()
	if err != nil {
		return err
	}
	list = upsertDeclaration(list, decl.Clone(), s.now())
	return s.backend.saveDeclarations(list)
}

// RemoveDeclaration removes a declaration, reporting whether it existed
func (s *listStore) RemoveDeclaration(ctx context.Context, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadDeclarations()
	if err != nil {
		return false, err
	}
	list, removed := removeDeclaration(list, sourceID)
	if !removed {
		return false, nil
	}
	return true, s.backend.saveDeclarations(list)
}

// UpdateDeclarationPage merges a patch into one page of a declaration
func (s *listStore) UpdateDeclarationPage(ctx context.Context, sourceID, partID string, patch *PagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadDeclarations()
	if err != nil {
		return err
	}
	i := indexOfDeclaration(list, sourceID)
	if i < 0 {
		return ErrDeclarationNotFound
	}
	if err := updatePage(list[i], partID, patch, s.now()); err != nil {
		return err
	}
	return s.backend.saveDeclarations(list)
}

// RemoveDeclarationPage removes one page; the declaration goes with its last page
func (s *listStore) RemoveDeclarationPage(ctx context.Context, sourceID, partID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadDeclarations()
	if err != nil {
		return err
	}
	i := indexOfDeclaration(list, sourceID)
	if i < 0 {
		return ErrDeclarationNotFound
	}
	empty, err := removePage(list[i], partID, s.now())
	if err != nil {
		return err
	}
	if empty {
		list, _ = removeDeclaration(list, sourceID)
	}
	return s.backend.saveDeclarations(list)
}

// ListInProgress returns all in-progress records
func (s *listStore) ListInProgress(ctx context.Context) ([]*TaskRecord, error) {
	return s.listTasks(collectionInProgress)
}

// GetInProgress returns one in-progress record
func (s *listStore) GetInProgress(ctx context.Context, key TaskKey) (*TaskRecord, error) {
	return s.getTask(collectionInProgress, key)
}

// UpsertInProgress replaces or appends an in-progress record
func (s *listStore) UpsertInProgress(ctx context.Context, rec *TaskRecord) error {
	return s.upsertTask(collectionInProgress, rec)
}

// UpdateInProgress applies a patch to an existing in-progress record
func (s *listStore) UpdateInProgress(ctx context.Context, key TaskKey, patch *TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadTasks(collectionInProgress)
	if err != nil {
		return err
	}
	i := indexOfTask(list, key)
	if i < 0 {
		return ErrRecordNotFound
	}
	patch.Apply(list[i])
	list[i].UpdatedAt = s.now()
	return s.backend.saveTasks(collectionInProgress, list)
}

// RemoveInProgress removes an in-progress record
func (s *listStore) RemoveInProgress(ctx context.Context, key TaskKey) (bool, error) {
	return s.removeTask(collectionInProgress, key)
}

// ListCompleted returns all completed records
func (s *listStore) ListCompleted(ctx context.Context) ([]*TaskRecord, error) {
	return s.listTasks(collectionCompleted)
}

// GetCompleted returns one completed record
func (s *listStore) GetCompleted(ctx context.Context, key TaskKey) (*TaskRecord, error) {
	return s.getTask(collectionCompleted, key)
}

// UpsertCompleted replaces or appends a completed record
func (s *listStore) UpsertCompleted(ctx context.Context, rec *TaskRecord) error {
	if rec != nil && rec.CompletedAt == nil {
		rec = rec.Clone()
		now := s.now()
		rec.CompletedAt = &now
	}
	return s.upsertTask(collectionCompleted, rec)
}

// RemoveCompleted removes a completed record
func (s *listStore) RemoveCompleted(ctx context.Context, key TaskKey) (bool, error) {
	return s.removeTask(collectionCompleted, key)
}

// MoveTaskToCompleted moves a record from the in-progress to the completed collection
func (s *listStore) MoveTaskToCompleted(ctx context.Context, key TaskKey, overrides *TaskPatch) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inProgress, err := s.backend.loadTasks(collectionInProgress)
	if err != nil {
		return nil, err
	}
	i := indexOfTask(inProgress, key)
	if i < 0 {
		return nil, ErrRecordNotFound
	}
	completed, err := s.backend.loadTasks(collectionCompleted)
	if err != nil {
		return nil, err
	}

	rec := completeRecord(inProgress[i], overrides, s.now())

	// completed is written before the in-progress entry is dropped
	completed = upsertTask(completed, rec.Clone(), rec.UpdatedAt)
	if err := s.backend.saveTasks(collectionCompleted, completed); err != nil {
		return nil, err
	}
	inProgress, _ = removeTask(inProgress, key)
	if err := s.backend.saveTasks(collectionInProgress, inProgress); err != nil {
		return nil, err
	}
	return rec, nil
}

// Close releases the backend
func (s *listStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.close()
}

func (s *listStore) listTasks(collection string) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadTasks(collection)
	if err != nil {
		return nil, err
	}
	out := make([]*TaskRecord, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *listStore) getTask(collection string, key TaskKey) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadTasks(collection)
	if err != nil {
		return nil, err
	}
	if i := indexOfTask(list, key); i >= 0 {
		return list[i].Clone(), nil
	}
	return nil, ErrRecordNotFound
}

func (s *listStore) upsertTask(collection string, rec *TaskRecord) error {
	if rec == nil || rec.Key().IsZero() {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadTasks(collection)
	if err != nil {
		return err
	}
	list = upsertTask(list, rec.Clone(), s.now())
	return s.backend.saveTasks(collection, list)
}

func (s *listStore) removeTask(collection string, key TaskKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.backend.loadTasks(collection)
	if err != nil {
		return false, err
	}
	list, removed := removeTask(list, key)
	if !removed {
		return false, nil
	}
	return true, s.backend.saveTasks(collection, list)
}

// Collection helpers shared by the list and SQLite backends

func indexOfTask(list []*TaskRecord, key TaskKey) int {
	for i, r := range list {
		if r.SourceID == key.SourceID && r.PartID == key.PartID {
			return i
		}
	}
	return -1
}

// upsertTask replaces the record with the same key, keeping its creation time, or appends it
func upsertTask(list []*TaskRecord, rec *TaskRecord, now time.Time) []*TaskRecord {
	rec.UpdatedAt = now
	if i := indexOfTask(list, rec.Key()); i >= 0 {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = list[i].CreatedAt
		}
		list[i] = rec
		return list
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return append(list, rec)
}

func removeTask(list []*TaskRecord, key TaskKey) ([]*TaskRecord, bool) {
	i := indexOfTask(list, key)
	if i < 0 {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

// completeRecord builds the completed form of an in-progress record
func completeRecord(rec *TaskRecord, overrides *TaskPatch, now time.Time) *TaskRecord {
	out := rec.Clone()
	overrides.Apply(out)
	out.Progress = 100
	if overrides == nil || overrides.Status == nil {
		out.Status = StatusCompleted
	}
	out.Error = ""
	out.UpdatedAt = now
	out.CompletedAt = &now
	return out
}

func indexOfDeclaration(list []*Declaration, sourceID string) int {
	for i, d := range list {
		if d.SourceID == sourceID {
			return i
		}
	}
	return -1
}

func upsertDeclaration(list []*Declaration, decl *Declaration, now time.Time) []*Declaration {
	decl.UpdatedAt = now
	if decl.Pages == nil {
		decl.Pages = []Page{}
	}
	if i := indexOfDeclaration(list, decl.SourceID); i >= 0 {
		if decl.CreatedAt.IsZero() {
			decl.CreatedAt = list[i].CreatedAt
		}
		list[i] = decl
		return list
	}
	if decl.CreatedAt.IsZero() {
		decl.CreatedAt = now
	}
	return append(list, decl)
}

func removeDeclaration(list []*Declaration, sourceID string) ([]*Declaration, bool) {
	i := indexOfDeclaration(list, sourceID)
	if i < 0 {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

func updatePage(decl *Declaration, partID string, patch *PagePatch, now time.Time) error {
	for i := range decl.Pages {
		if decl.Pages[i].PartID == partID {
			patch.Apply(&decl.Pages[i])
			decl.UpdatedAt = now
			return nil
		}
	}
	return ErrPageNotFound
}

// removePage drops one page and reports whether the declaration is now empty
func removePage(decl *Declaration, partID string, now time.Time) (bool, error) {
	for i := range decl.Pages {
		if decl.Pages[i].PartID == partID {
			decl.Pages = append(decl.Pages[:i], decl.Pages[i+1:]...)
			decl.UpdatedAt = now
			return len(decl.Pages) == 0, nil
		}
	}
	return false, ErrPageNotFound
}
