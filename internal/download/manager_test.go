package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/process"
	"github.com/ferry-project/ferry/Ferry/internal/registry"
	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher writes "data" to dest after sending 0, 50, 100.
// URLs containing "block" wait for cancellation; URLs containing "fail" exit non-zero.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{started: make(chan string, 16)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, dest string, progress chan<- int) error {
	if err := ctx.Err(); err != nil {
		return &process.SpawnError{Bin: "aria2c", Err: err}
	}
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	f.started <- url

	if strings.Contains(url, "block") {
		<-ctx.Done()
		return fmt.Errorf("aria2c %s: %w", url, ctx.Err())
	}
	steps := []int{0, 50, 100}
	if strings.Contains(url, "fail") {
		steps = steps[:2]
	}
	for _, p := range steps {
		select {
		case progress <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if strings.Contains(url, "fail") {
		return &process.ExitError{Bin: "aria2c", Code: 3, Stderr: "errorCode=3 Resource not found"}
	}
	return os.WriteFile(dest, []byte("data"), 0644)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeTranscoder records the step it ran and writes out
type fakeTranscoder struct {
	mu    sync.Mutex
	steps []string
}

func (t *fakeTranscoder) run(ctx context.Context, step, out string, inputs []string, progress chan<- int) error {
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return fmt.Errorf("missing input: %w", err)
		}
	}
	t.mu.Lock()
	t.steps = append(t.steps, step)
	t.mu.Unlock()
	for _, p := range []int{50, 100} {
		select {
		case progress <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return os.WriteFile(out, []byte(step), 0644)
}

func (t *fakeTranscoder) Remux(ctx context.Context, video, audio, out string, progress chan<- int) error {
	return t.run(ctx, "remux", out, []string{video, audio}, progress)
}

func (t *fakeTranscoder) TranscodeAudio(ctx context.Context, in, out string, progress chan<- int) error {
	return t.run(ctx, "mp3", out, []string{in}, progress)
}

// eventLog collects orchestrator events
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) forKey(key string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m          *Manager
	store      storage.Store
	reg        *registry.TaskRegistry
	fetcher    *fakeFetcher
	transcoder *fakeTranscoder
	events     *eventLog
	dir        string
}

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()
	h := &harness{
		store:      storage.NewMemoryStore(),
		reg:        registry.NewTaskRegistry(context.Background()),
		fetcher:    newFakeFetcher(),
		transcoder: &fakeTranscoder{},
		events:     &eventLog{},
		dir:        t.TempDir(),
	}
	h.m = NewManager(h.store, h.reg, h.fetcher, h.transcoder, Options{
		MaxConcurrent: maxConcurrent,
		DownloadDir:   func() string { return h.dir },
	}, nil)
	h.m.AddListener(h.events.add)
	t.Cleanup(func() { h.m.Close() })
	return h
}

func (h *harness) waitStarted(t *testing.T, url string) {
	t.Helper()
	select {
	case got := <-h.fetcher.started:
		require.Equal(t, url, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch of %s never started", url)
	}
}

func fullJob(pid string) Job {
	return Job{
		SourceID: "BV1xx411c7mD",
		PartID:   pid,
		Title:    "第1集: 开始",
		Kind:     KindFull,
		VideoURL: "https://upos.example.com/video.m4s",
		AudioURL: "https://upos.example.com/audio.m4s",
	}
}

func key(pid string) storage.TaskKey {
	return storage.TaskKey{SourceID: "BV1xx411c7mD", PartID: pid}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name  string
		job   func() Job
		field string
	}{
		{"missing source", func() Job { j := fullJob("1"); j.SourceID = ""; return j }, "sourceId"},
		{"missing part", func() Job { j := fullJob("1"); j.PartID = " "; return j }, "partId"},
		{"missing title", func() Job { j := fullJob("1"); j.Title = ""; return j }, "title"},
		{"unknown kind", func() Job { j := fullJob("1"); j.Kind = "subtitle"; return j }, "kind"},
		{"full without audio", func() Job { j := fullJob("1"); j.AudioURL = ""; return j }, "audioUrl"},
		{"full without video", func() Job { j := fullJob("1"); j.VideoURL = ""; return j }, "videoUrl"},
		{"audio without url", func() Job { j := fullJob("1"); j.Kind = KindAudio; j.AudioURL = ""; return j }, "audioUrl"},
		{"cover without url", func() Job { j := fullJob("1"); j.Kind = KindCover; return j }, "coverUrl"},
		{"relative url", func() Job { j := fullJob("1"); j.VideoURL = "/video.m4s"; return j }, "videoUrl"},
		{"ftp url", func() Job { j := fullJob("1"); j.AudioURL = "ftp://x/a.m4s"; return j }, "audioUrl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job()
			err := job.Validate()
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	t.Run("kind aliases", func(t *testing.T) {
		job := fullJob("1")
		job.Kind = "full-media"
		require.NoError(t, job.Validate())
		assert.Equal(t, KindFull, job.Kind)

		job.Kind = ""
		require.NoError(t, job.Validate())
		assert.Equal(t, KindFull, job.Kind)
	})
}

func TestWeighted(t *testing.T) {
	assert.Equal(t, 0, weighted(0, 40, 0))
	assert.Equal(t, 20, weighted(0, 40, 50))
	assert.Equal(t, 80, weighted(40, 40, 100))
	assert.Equal(t, 87, weighted(80, 20, 33))
	assert.Equal(t, 100, weighted(80, 20, 150))
	assert.Equal(t, 60, weighted(60, 40, -5))
}

func TestPlanWeights(t *testing.T) {
	for _, kind := range []Kind{KindFull, KindAudio, KindCover} {
		t.Run(string(kind), func(t *testing.T) {
			job := fullJob("1")
			job.Kind = kind
			job.CoverURL = "https://i0.example.com/cover.jpg"
			pl := buildPlan(&job, buildPaths(kind, "/tmp", "t", "1"), newFakeFetcher(), &fakeTranscoder{})
			sum := 0
			for _, st := range pl.stages {
				sum += st.weight
			}
			assert.Equal(t, 100, sum)
		})
	}
}

// A full job runs fetch, fetch, remux in order and lands in the completed store
func TestSubmitFullJob(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("1")

	res, err := h.m.Submit(job)
	require.NoError(t, err)
	assert.Equal(t, "BV1xx411c7mD-1", res.Key)
	assert.Equal(t, filepath.Join(h.dir, "第1集_ 开始.mp4"), res.OutputPath)
	assert.Empty(t, res.CoverPath)

	require.NoError(t, h.m.Wait(key("1")))
	require.NoError(t, h.m.Close())

	rec, err := h.store.GetCompleted(context.Background(), key("1"))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.True(t, strings.HasSuffix(rec.OutputPath, ".mp4"))
	assert.NotNil(t, rec.CompletedAt)

	_, err = h.store.GetInProgress(context.Background(), key("1"))
	assert.True(t, errors.Is(err, storage.ErrRecordNotFound))
	assert.Equal(t, 0, h.reg.Len())

	content, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "remux", string(content))
	for _, tmp := range []string{"第1集_ 开始_1_video.m4s", "第1集_ 开始_1_audio.m4s"} {
		_, err := os.Stat(filepath.Join(h.dir, tmp))
		assert.True(t, os.IsNotExist(err), "temp %s removed", tmp)
	}

	events := h.events.forKey("BV1xx411c7mD-1")
	var statuses []storage.TaskStatus
	var stages []string
	var progress []int
	last := 0
	for _, ev := range events {
		switch ev.Type {
		case EventTaskStatus:
			statuses = append(statuses, ev.Status)
		case EventTaskProgress:
			if len(stages) == 0 || stages[len(stages)-1] != ev.Stage {
				stages = append(stages, ev.Stage)
			}
			progress = append(progress, ev.Progress)
		}
		assert.GreaterOrEqual(t, ev.Progress, last, "progress never decreases")
		assert.LessOrEqual(t, ev.Progress, 100)
		last = ev.Progress
	}
	assert.Equal(t, []storage.TaskStatus{storage.StatusQueued, storage.StatusFetching, storage.StatusMerging, storage.StatusCompleted}, statuses)
	assert.Equal(t, []string{StageFetchVideo, StageFetchAudio, StageRemux}, stages)
	assert.Equal(t, []int{20, 40, 60, 80, 90, 100}, progress)
}

// An audio job fetches then transcodes, and the m4s temp is removed
func TestSubmitAudioJob(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("2")
	job.Kind = KindAudio
	job.VideoURL = ""

	res, err := h.m.Submit(job)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.OutputPath, ".mp3"))

	require.NoError(t, h.m.Wait(key("2")))
	require.NoError(t, h.m.Close())

	rec, err := h.store.GetCompleted(context.Background(), key("2"))
	require.NoError(t, err)
	assert.Equal(t, "audio", rec.Kind)
	assert.Equal(t, res.OutputPath, rec.OutputPath)

	_, err = os.Stat(strings.TrimSuffix(res.OutputPath, ".mp3") + "_2.m4s")
	assert.True(t, os.IsNotExist(err))
	content, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "mp3", string(content))

	var progress []int
	var statuses []storage.TaskStatus
	for _, ev := range h.events.forKey(res.Key) {
		if ev.Type == EventTaskProgress {
			progress = append(progress, ev.Progress)
		} else {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []int{30, 60, 80, 100}, progress)
	assert.Equal(t, []storage.TaskStatus{storage.StatusQueued, storage.StatusFetching, storage.StatusConverting, storage.StatusCompleted}, statuses)
}

func TestSubmitCoverJobInCollection(t *testing.T) {
	h := newHarness(t, 0)
	job := Job{
		SourceID:       "BV1",
		PartID:         "9",
		Title:          "cover",
		Kind:           KindCover,
		CoverURL:       "https://i0.example.com/cover.jpg",
		Collection:     true,
		CollectionName: "合集/第一季",
	}

	res, err := h.m.Submit(job)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.dir, "合集_第一季", "cover.jpg"), res.OutputPath)
	assert.Equal(t, res.OutputPath, res.CoverPath)

	require.NoError(t, h.m.Wait(job.Key()))
	rec, err := h.store.GetCompleted(context.Background(), job.Key())
	require.NoError(t, err)
	assert.Equal(t, res.CoverPath, rec.CoverPath)
	assert.True(t, rec.Collection)
}

// Cancelling mid-fetch leaves a failed record and no registry entry
func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("3")
	job.VideoURL = "https://upos.example.com/block-video.m4s"

	_, hd, err := h.m.submit(job)
	require.NoError(t, err)
	h.waitStarted(t, job.VideoURL)

	require.NoError(t, h.m.Cancel(job.SourceID, job.PartID))
	assert.False(t, h.reg.Has(job.Key()))

	err = hd.wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	rec, err := h.store.GetInProgress(context.Background(), job.Key())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, CancelledMessage, rec.Error)

	_, err = h.store.GetCompleted(context.Background(), job.Key())
	assert.True(t, errors.Is(err, storage.ErrRecordNotFound))
	assert.Equal(t, 1, h.fetcher.callCount(), "audio never fetched")

	assert.True(t, errors.Is(h.m.Cancel(job.SourceID, job.PartID), ErrNotFound))
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, 0)
	err := h.m.Cancel("nope", "1")
	assert.True(t, errors.Is(err, ErrNotFound))

	list, err := h.store.ListInProgress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

// A second submission of a running key is rejected without touching the first
func TestSubmitDuplicate(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("4")
	job.VideoURL = "https://upos.example.com/block-video.m4s"

	_, err := h.m.Submit(job)
	require.NoError(t, err)
	h.waitStarted(t, job.VideoURL)

	before, err := h.store.GetInProgress(context.Background(), job.Key())
	require.NoError(t, err)

	_, err = h.m.Submit(job)
	assert.True(t, errors.Is(err, ErrDuplicateTask))

	after, err := h.store.GetInProgress(context.Background(), job.Key())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, h.reg.Has(job.Key()))

	require.NoError(t, h.m.Cancel(job.SourceID, job.PartID))
	h.m.Wait(job.Key())
}

// 同名的两个分P各用各的临时文件，一个完成不会删掉另一个的输入
func TestSameTitleJobsKeepSeparateTemps(t *testing.T) {
	h := newHarness(t, 0)
	slow := fullJob("15")
	slow.AudioURL = "https://upos.example.com/block-audio.m4s"

	_, err := h.m.Submit(slow)
	require.NoError(t, err)
	h.waitStarted(t, slow.VideoURL)
	h.waitStarted(t, slow.AudioURL)

	slowVideo := filepath.Join(h.dir, "第1集_ 开始_15_video.m4s")
	_, err = os.Stat(slowVideo)
	require.NoError(t, err)

	fast := fullJob("16")
	_, err = h.m.Submit(fast)
	require.NoError(t, err)
	require.NoError(t, h.m.Wait(fast.Key()))

	_, err = h.store.GetCompleted(context.Background(), fast.Key())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.dir, "第1集_ 开始_16_video.m4s"))
	assert.True(t, os.IsNotExist(err), "finished part removes its own temps")
	_, err = os.Stat(slowVideo)
	assert.NoError(t, err, "running part keeps its video temp")

	require.NoError(t, h.m.Cancel(slow.SourceID, slow.PartID))
	h.m.Wait(slow.Key())
}

func TestStageLogReportsNewStatus(t *testing.T) {
	logger.InitLogStream(1000)
	h := newHarness(t, 0)
	job := fullJob("17")

	_, err := h.m.Submit(job)
	require.NoError(t, err)
	require.NoError(t, h.m.Wait(job.Key()))

	want := map[string]string{
		StageFetchVideo: string(storage.StatusFetching),
		StageFetchAudio: string(storage.StatusFetching),
		StageRemux:      string(storage.StatusMerging),
	}
	seen := map[string]string{}
	for _, entry := range logger.GetLogStream().GetEntries(0, "") {
		if entry.Message != "Stage started" || entry.Fields["task"] != job.Key().String() {
			continue
		}
		stage, _ := entry.Fields["stage"].(string)
		status, _ := entry.Fields["status"].(string)
		seen[stage] = status
	}
	assert.Equal(t, want, seen)
}

func TestSubmitValidationRegistersNothing(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("5")
	job.AudioURL = ""

	_, err := h.m.Submit(job)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, 0, h.reg.Len())

	list, err := h.store.ListInProgress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStageFailure(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("6")
	job.AudioURL = "https://upos.example.com/fail-audio.m4s"

	_, hd, err := h.m.submit(job)
	require.NoError(t, err)

	err = hd.wait()
	var exitErr *process.ExitError
	require.True(t, errors.As(err, &exitErr))

	rec, err := h.store.GetInProgress(context.Background(), job.Key())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "errorCode=3")
	assert.Equal(t, 60, rec.Progress, "progress stays where the failure happened")
	assert.Equal(t, 0, h.reg.Len())

	// 没有回滚：已下载的视频流保留
	_, err = os.Stat(filepath.Join(h.dir, "第1集_ 开始_6_video.m4s"))
	assert.NoError(t, err)

	// 失败后可以重新提交
	job.AudioURL = "https://upos.example.com/audio.m4s"
	_, err = h.m.Submit(job)
	require.NoError(t, err)
	require.NoError(t, h.m.Wait(job.Key()))
}

func TestBatch(t *testing.T) {
	h := newHarness(t, 0)
	good := fullJob("7")
	bad := fullJob("8")
	bad.VideoURL = "https://upos.example.com/fail-video.m4s"
	invalid := fullJob("9")
	invalid.Kind = KindCover

	results := h.m.Batch([]Job{bad, invalid, good})
	require.Len(t, results, 3)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "exited with code 3")
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "coverUrl")
	assert.True(t, results[2].Success)
	assert.True(t, strings.HasSuffix(results[2].OutputPath, ".mp4"))

	// 顺序执行：坏任务的一次调用，好任务的两次调用
	h.fetcher.mu.Lock()
	calls := append([]string(nil), h.fetcher.calls...)
	h.fetcher.mu.Unlock()
	assert.Equal(t, []string{bad.VideoURL, good.VideoURL, good.AudioURL}, calls)
}

func TestMaxConcurrentQueuesJobs(t *testing.T) {
	h := newHarness(t, 1)
	first := fullJob("10")
	first.VideoURL = "https://upos.example.com/block-video.m4s"
	second := fullJob("11")
	second.Title = "second"

	_, err := h.m.Submit(first)
	require.NoError(t, err)
	h.waitStarted(t, first.VideoURL)

	_, err = h.m.Submit(second)
	require.NoError(t, err)

	// 第二个任务拿不到名额，保持 queued
	time.Sleep(50 * time.Millisecond)
	rec, err := h.store.GetInProgress(context.Background(), second.Key())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusQueued, rec.Status)
	assert.Equal(t, 1, h.fetcher.callCount())

	require.NoError(t, h.m.Cancel(first.SourceID, first.PartID))
	require.NoError(t, h.m.Wait(second.Key()))

	_, err = h.store.GetCompleted(context.Background(), second.Key())
	assert.NoError(t, err)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("12")
	job.VideoURL = "https://upos.example.com/block-video.m4s"

	_, err := h.m.Submit(job)
	require.NoError(t, err)
	h.waitStarted(t, job.VideoURL)

	require.NoError(t, h.m.Close())
	assert.Equal(t, 0, h.reg.Len())

	rec, err := h.store.GetInProgress(context.Background(), job.Key())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)

	_, err = h.m.Submit(fullJob("13"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestActive(t *testing.T) {
	h := newHarness(t, 0)
	job := fullJob("14")
	job.AudioURL = "https://upos.example.com/block-audio.m4s"

	_, err := h.m.Submit(job)
	require.NoError(t, err)
	h.waitStarted(t, job.VideoURL)
	h.waitStarted(t, job.AudioURL)

	assert.Equal(t, map[string]int{"BV1xx411c7mD-14": 40}, h.m.Active())

	require.NoError(t, h.m.Cancel(job.SourceID, job.PartID))
	h.m.Wait(job.Key())
	assert.Empty(t, h.m.Active())
}
