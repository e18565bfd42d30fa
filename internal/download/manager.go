package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/fetcher"
	"github.com/ferry-project/ferry/Ferry/internal/fsutil"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/registry"
	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/ferry-project/ferry/Ferry/internal/transcoder"
)

const (
	closeTimeout     = 30 * time.Second
	eventBufferSize  = 256
	eventSendTimeout = 100 * time.Millisecond
)

// Options configures the orchestrator
type Options struct {
	// MaxConcurrent bounds jobs running stages at once, 0 means unlimited
	MaxConcurrent int
	// DownloadDir returns the base directory for jobs without OutputDir
	DownloadDir func() string
}

// handle is the orchestrator's view of one running job
type handle struct {
	key    storage.TaskKey
	kind   Kind
	ctx    context.Context
	done   chan struct{}
	output string

	// 只由任务自己的 goroutine 修改
	status   storage.TaskStatus
	progress int

	// done 关闭后可读
	err error
}

// wait blocks until the job ends and returns its outcome
func (h *handle) wait() error {
	<-h.done
	return h.err
}

// Manager runs download jobs
type Manager struct {
	store      storage.Store
	registry   *registry.TaskRegistry
	fetcher    fetcher.Fetcher
	transcoder transcoder.Transcoder
	opts       Options
	log        *logger.Logger

	sem chan struct{}

	mu     sync.Mutex
	jobs   map[storage.TaskKey]*handle
	closed bool
	wg     sync.WaitGroup

	// storeMu serializes writes to the in-progress collection
	storeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  []Listener
	eventChan  chan Event
	stopEvents chan struct{}
	eventsDone chan struct{}
}

// NewManager creates an orchestrator. The registry is owned by the manager
// from here on; Close cancels everything in it.
func NewManager(store storage.Store, reg *registry.TaskRegistry, f fetcher.Fetcher, t transcoder.Transcoder, opts Options, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.DownloadDir == nil {
		opts.DownloadDir = func() string { return "" }
	}

	m := &Manager{
		store:      store,
		registry:   reg,
		fetcher:    f,
		transcoder: t,
		opts:       opts,
		log:        log,
		jobs:       make(map[storage.TaskKey]*handle),
		eventChan:  make(chan Event, eventBufferSize),
		stopEvents: make(chan struct{}),
		eventsDone: make(chan struct{}),
	}
	if opts.MaxConcurrent > 0 {
		m.sem = make(chan struct{}, opts.MaxConcurrent)
	}

	go m.eventBroadcaster()
	return m
}

// AddListener registers a callback for task events
func (m *Manager) AddListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Submit validates and registers a job, then runs it in the background.
// It returns before any network or process I/O.
func (m *Manager) Submit(job Job) (*SubmitResult, error) {
	res, _, err := m.submit(job)
	return res, err
}

func (m *Manager) submit(job Job) (*SubmitResult, *handle, error) {
	if err := job.Validate(); err != nil {
		return nil, nil, err
	}
	key := job.Key()

	if err := m.checkDuplicate(key); err != nil {
		return nil, nil, err
	}

	dir := job.OutputDir
	if dir == "" {
		dir = m.opts.DownloadDir()
	}
	if dir == "" {
		return nil, nil, &ValidationError{Field: "outputDir", Reason: "no download directory configured"}
	}
	if job.Collection {
		dir = filepath.Join(dir, fsutil.SafeTitle(job.CollectionName))
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, nil, fmt.Errorf("prepare output directory: %w", err)
	}

	p := buildPaths(job.Kind, dir, fsutil.SafeTitle(job.Title), fsutil.SafeTitle(job.PartID))
	h, err := m.register(key, job.Kind, p.output)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	rec := &storage.TaskRecord{
		SourceID:       job.SourceID,
		PartID:         job.PartID,
		Title:          job.Title,
		Kind:           string(job.Kind),
		VideoURL:       job.VideoURL,
		AudioURL:       job.AudioURL,
		CoverURL:       job.CoverURL,
		Collection:     job.Collection,
		CollectionName: job.CollectionName,
		OutputPath:     p.output,
		CoverPath:      p.cover,
		Status:         storage.StatusQueued,
		Progress:       0,
		Extra:          job.Extra,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.storeMu.Lock()
	err = m.store.UpsertInProgress(context.Background(), rec)
	m.storeMu.Unlock()
	if err != nil {
		m.unregister(h)
		return nil, nil, fmt.Errorf("save task record: %w", err)
	}

	m.taskLog(h, "").Infof("Task queued: %s", job.Title)
	m.emitStatus(h, "", "")

	pl := buildPlan(&job, p, m.fetcher, m.transcoder)
	go m.run(h, pl)

	return &SubmitResult{Key: key.String(), OutputPath: p.output, CoverPath: p.cover}, h, nil
}

// checkDuplicate fails while the key is registered or its previous job is still winding down
func (m *Manager) checkDuplicate(key storage.TaskKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, running := m.jobs[key]; running || m.registry.Has(key) {
		return ErrDuplicateTask
	}
	return nil
}

func (m *Manager) register(key storage.TaskKey, kind Kind, output string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, running := m.jobs[key]; running {
		return nil, ErrDuplicateTask
	}
	ctx, err := m.registry.Register(key)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			return nil, ErrDuplicateTask
		}
		return nil, err
	}

	h := &handle{
		key:    key,
		kind:   kind,
		ctx:    ctx,
		done:   make(chan struct{}),
		output: output,
		status: storage.StatusQueued,
	}
	m.jobs[key] = h
	m.wg.Add(1)
	return h, nil
}

// unregister drops a handle whose goroutine never started
func (m *Manager) unregister(h *handle) {
	m.registry.Release(h.ctx, h.key)
	m.mu.Lock()
	if m.jobs[h.key] == h {
		delete(m.jobs, h.key)
	}
	m.mu.Unlock()
	close(h.done)
	m.wg.Done()
}

// Cancel signals the running job for the key. The job itself records the failure.
func (m *Manager) Cancel(sourceID, partID string) error {
	key := storage.TaskKey{SourceID: sourceID, PartID: partID}
	if !m.registry.Cancel(key) {
		return ErrNotFound
	}
	m.log.WithField("task", key.String()).Info("Task cancel requested")
	return nil
}

// Wait blocks until the job for the key ends and returns its error.
// It returns nil immediately when no job is running for the key.
func (m *Manager) Wait(key storage.TaskKey) error {
	m.mu.Lock()
	h, ok := m.jobs[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.wait()
}

// Batch runs jobs one after another, each to its terminal state
func (m *Manager) Batch(jobs []Job) []BatchResult {
	results := make([]BatchResult, 0, len(jobs))
	for _, job := range jobs {
		res, h, err := m.submit(job)
		if err != nil {
			results = append(results, BatchResult{Key: job.Key().String(), Success: false, Error: err.Error()})
			continue
		}
		if err := h.wait(); err != nil {
			results = append(results, BatchResult{Key: res.Key, Success: false, Error: err.Error(), OutputPath: res.OutputPath})
			continue
		}
		results = append(results, BatchResult{Key: res.Key, Success: true, OutputPath: res.OutputPath})
	}
	return results
}

// Active returns key -> progress of every running job
func (m *Manager) Active() map[string]int {
	return m.registry.Snapshot()
}

// run drives one job through its stages
func (m *Manager) run(h *handle, pl plan) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.jobs[h.key] == h {
			delete(m.jobs, h.key)
		}
		m.mu.Unlock()
		close(h.done)
	}()

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-h.ctx.Done():
			m.finish(h, pl, h.ctx.Err())
			return
		}
	}

	prior := 0
	for _, st := range pl.stages {
		if err := h.ctx.Err(); err != nil {
			m.finish(h, pl, err)
			return
		}
		m.enterStage(h, st)
		if err := m.runStage(h, st, prior); err != nil {
			m.finish(h, pl, fmt.Errorf("%s: %w", st.name, err))
			return
		}
		prior += st.weight
	}
	m.finish(h, pl, nil)
}

// enterStage persists the stage status when it changes
func (m *Manager) enterStage(h *handle, st stage) {
	if h.status == st.status {
		m.taskLog(h, st.name).Info("Stage started")
		return
	}
	h.status = st.status
	m.taskLog(h, st.name).Info("Stage started")
	status := st.status
	progress := h.progress
	m.updateRecord(h, &storage.TaskPatch{Status: &status, Progress: &progress})
	m.emitStatus(h, st.name, "")
}

// runStage runs the stage and folds its progress into the job's overall value
func (m *Manager) runStage(h *handle, st stage, prior int) error {
	progress := make(chan int)
	errCh := make(chan error, 1)
	go func() {
		errCh <- st.run(h.ctx, progress)
		close(progress)
	}()

	for p := range progress {
		m.setProgress(h, st.name, weighted(prior, st.weight, p))
	}
	return <-errCh
}

// weighted returns round(prior + p/100*weight), clamped to the stage's span
func weighted(prior, weight, p int) int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return int(math.Round(float64(prior) + float64(p)*float64(weight)/100))
}

// setProgress records a new overall value; progress never decreases
func (m *Manager) setProgress(h *handle, stageName string, overall int) {
	if overall <= h.progress {
		return
	}
	h.progress = overall
	m.registry.UpdateProgress(h.key, overall)
	m.updateRecord(h, &storage.TaskPatch{Progress: &overall})
	m.emit(Event{
		Type:     EventTaskProgress,
		Key:      h.key.String(),
		SourceID: h.key.SourceID,
		PartID:   h.key.PartID,
		Stage:    stageName,
		Progress: overall,
	})
}

// finish moves a successful job to the completed collection, or marks it failed
func (m *Manager) finish(h *handle, pl plan, runErr error) {
	if runErr == nil {
		m.setProgress(h, "", 100)
		// 取消和完成同时发生时以取消为准
		if !m.registry.Release(h.ctx, h.key) {
			runErr = context.Canceled
		} else if err := m.complete(h, pl); err != nil {
			runErr = err
		} else {
			return
		}
	} else {
		// 进程被杀后报的可能是退出码而不是 context 错误
		if h.ctx.Err() != nil {
			runErr = context.Canceled
		}
		m.registry.Release(h.ctx, h.key)
	}
	m.fail(h, runErr)
}

// complete moves the record to the completed collection and removes temp files
func (m *Manager) complete(h *handle, pl plan) error {
	status := storage.StatusCompleted
	output, cover := pl.paths.output, pl.paths.cover

	m.storeMu.Lock()
	_, err := m.store.MoveTaskToCompleted(context.Background(), h.key, &storage.TaskPatch{
		Status:     &status,
		OutputPath: &output,
		CoverPath:  &cover,
	})
	m.storeMu.Unlock()
	if err != nil {
		return fmt.Errorf("move task to completed: %w", err)
	}

	for _, tmp := range pl.paths.temps {
		if rmErr := fsutil.RemoveIfExists(tmp); rmErr != nil {
			m.taskLog(h, "").WithError(rmErr).Warnf("Failed to remove temp file %s", tmp)
		}
	}
	h.status = storage.StatusCompleted
	m.taskLog(h, "").Infof("Task completed: %s", output)
	m.emitStatus(h, "", "")
	return nil
}

// fail marks the in-progress record failed. Nothing produced so far is rolled back.
func (m *Manager) fail(h *handle, runErr error) {
	msg := runErr.Error()
	if errors.Is(runErr, context.Canceled) {
		msg = CancelledMessage
		runErr = fmt.Errorf("%s: %w", CancelledMessage, context.Canceled)
	}
	h.err = runErr
	h.status = storage.StatusFailed

	status := storage.StatusFailed
	m.updateRecord(h, &storage.TaskPatch{Status: &status, Error: &msg})
	m.taskLog(h, "").WithError(runErr).Warn("Task failed")
	m.emitStatus(h, "", msg)
}

// updateRecord patches the in-progress record; the job keeps going when the store fails
func (m *Manager) updateRecord(h *handle, patch *storage.TaskPatch) {
	m.storeMu.Lock()
	err := m.store.UpdateInProgress(context.Background(), h.key, patch)
	m.storeMu.Unlock()
	if err != nil {
		m.taskLog(h, "").WithError(err).Warn("Failed to update task record")
	}
}

func (m *Manager) taskLog(h *handle, stageName string) *logger.LogEntry {
	fields := map[string]interface{}{
		"task":   h.key.String(),
		"kind":   string(h.kind),
		"status": string(h.status),
	}
	if stageName != "" {
		fields["stage"] = stageName
	}
	return m.log.WithFields(fields)
}

func (m *Manager) emitStatus(h *handle, stageName, errMsg string) {
	ev := Event{
		Type:     EventTaskStatus,
		Key:      h.key.String(),
		SourceID: h.key.SourceID,
		PartID:   h.key.PartID,
		Status:   h.status,
		Stage:    stageName,
		Progress: h.progress,
		Error:    errMsg,
	}
	if h.status == storage.StatusCompleted {
		ev.OutputPath = h.output
	}
	m.emit(ev)
}

// emit queues an event, dropping it when listeners fall behind
func (m *Manager) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case m.eventChan <- ev:
	case <-m.stopEvents:
	case <-time.After(eventSendTimeout):
		m.log.WithField("task", ev.Key).Debug("Event dropped, listeners are slow")
	}
}

// eventBroadcaster delivers events to listeners in order
func (m *Manager) eventBroadcaster() {
	defer close(m.eventsDone)
	for {
		select {
		case <-m.stopEvents:
			return
		case ev := <-m.eventChan:
			m.listenerMu.RLock()
			listeners := make([]Listener, len(m.listeners))
			copy(listeners, m.listeners)
			m.listenerMu.RUnlock()

			for _, l := range listeners {
				l(ev)
			}
		}
	}
}

// Close cancels every running job and waits for them to record their outcome
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if n := m.registry.CancelAll(); n > 0 {
		m.log.Infof("Cancelling %d running download(s)", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(closeTimeout):
		err = fmt.Errorf("timeout waiting for downloads to finish")
	}

	// 让已排队的事件发出去
	m.drainEvents()
	close(m.stopEvents)
	<-m.eventsDone
	return err
}

func (m *Manager) drainEvents() {
	deadline := time.After(time.Second)
	for len(m.eventChan) > 0 {
		select {
		case <-deadline:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
