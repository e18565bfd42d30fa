// Package registry tracks running download tasks
// 这个包维护正在运行的下载任务：取消句柄和最新进度
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ferry-project/ferry/Ferry/internal/storage"
)

// ErrAlreadyRunning is returned by Register when the key is live
var ErrAlreadyRunning = errors.New("task already running")

type entry struct {
	ctx      context.Context
	cancel   context.CancelFunc
	progress int
}

// TaskRegistry maps task keys to their cancellation handle and progress
// TaskRegistry 是"任务是否在运行"的唯一依据
type TaskRegistry struct {
	mu      sync.Mutex
	base    context.Context
	entries map[storage.TaskKey]*entry
}

// NewTaskRegistry creates a registry whose task contexts derive from base
// NewTaskRegistry 创建任务注册表，所有任务的 context 都派生自 base
func NewTaskRegistry(base context.Context) *TaskRegistry {
	if base == nil {
		base = context.Background()
	}
	return &TaskRegistry{
		base:    base,
		entries: make(map[storage.TaskKey]*entry),
	}
}

// Register adds key and returns the context that cancels it
// Register 注册任务，返回的 context 就是取消句柄
func (r *TaskRegistry) Register(key storage.TaskKey) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(r.base)
	r.entries[key] = &entry{ctx: ctx, cancel: cancel}
	return ctx, nil
}

// Cancel cancels and removes key. It returns false when key is absent.
// Cancel 取消并移除任务
func (r *TaskRegistry) Cancel(key storage.TaskKey) bool {
	r.mu.Lock()
	e, exists := r.entries[key]
	if exists {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	e.cancel()
	return true
}

// UpdateProgress records the latest progress; no-op when key is absent
// UpdateProgress 更新任务进度
func (r *TaskRegistry) UpdateProgress(key storage.TaskKey, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[key]; exists {
		e.progress = progress
	}
}

// Progress returns the last recorded progress for key
func (r *TaskRegistry) Progress(key storage.TaskKey) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[key]
	if !exists {
		return 0, false
	}
	return e.progress, true
}

// Has reports whether key is running
func (r *TaskRegistry) Has(key storage.TaskKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[key]
	return exists
}

// Keys returns the running keys sorted by their string form
// Keys 返回所有运行中的任务键
func (r *TaskRegistry) Keys() []storage.TaskKey {
	r.mu.Lock()
	keys := make([]storage.TaskKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Snapshot returns key -> progress for every running task
func (r *TaskRegistry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.entries))
	for k, e := range r.entries {
		out[k.String()] = e.progress
	}
	return out
}

// Len returns the number of running tasks
func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Unregister removes key and releases its context
// Unregister 注销任务
func (r *TaskRegistry) Unregister(key storage.TaskKey) {
	r.mu.Lock()
	e, exists := r.entries[key]
	if exists {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if exists {
		e.cancel()
	}
}

// Release removes key only while it is still held by ctx and reports whether it did.
// A job that was cancelled and replaced by a new submission cannot drop the new entry.
// Release 只注销 ctx 对应的那次注册，返回 false 说明已被取消
func (r *TaskRegistry) Release(ctx context.Context, key storage.TaskKey) bool {
	r.mu.Lock()
	e, exists := r.entries[key]
	if exists && e.ctx == ctx {
		delete(r.entries, key)
	} else {
		exists = false
	}
	r.mu.Unlock()

	if exists {
		e.cancel()
	}
	return exists
}

// CancelAll cancels every running task and returns how many were cancelled
// CancelAll 取消所有任务，关闭时使用
func (r *TaskRegistry) CancelAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[storage.TaskKey]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	return len(entries)
}
