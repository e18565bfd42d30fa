// Package storage provides in-memory storage implementation
package storage

// MemoryStore implements Store with in-memory collections
type MemoryStore struct {
	*listStore
}

// memoryBackend keeps the collections in process memory
type memoryBackend struct {
	declarations []*Declaration
	tasks        map[string][]*TaskRecord
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listStore: newListStore(&memoryBackend{
			declarations: make([]*Declaration, 0),
			tasks: map[string][]*TaskRecord{
				collectionInProgress: make([]*TaskRecord, 0),
				collectionCompleted:  make([]*TaskRecord, 0),
			},
		}),
	}
}

func (b *memoryBackend) loadDeclarations() ([]*Declaration, error) {
	// Return copies so a failed mutation never leaks into the stored state
	out := make([]*Declaration, len(b.declarations))
	for i, d := range b.declarations {
		out[i] = d.Clone()
	}
	return out, nil
}

func (b *memoryBackend) saveDeclarations(list []*Declaration) error {
	b.declarations = list
	return nil
}

func (b *memoryBackend) loadTasks(collection string) ([]*TaskRecord, error) {
	src := b.tasks[collection]
	out := make([]*TaskRecord, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out, nil
}

func (b *memoryBackend) saveTasks(collection string, list []*TaskRecord) error {
	b.tasks[collection] = list
	return nil
}

func (b *memoryBackend) close() error {
	return nil
}
