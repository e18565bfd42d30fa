// Package download drives media download jobs through their stages
// (fetch, transcode, remux), aggregates weighted progress and moves task
// records between the in-progress and completed collections.
package download

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/storage"
)

// Kind selects the stage plan of a job
type Kind string

const (
	KindFull  Kind = "full"  // video + audio, remuxed to mp4
	KindAudio Kind = "audio" // audio only, transcoded to mp3
	KindCover Kind = "cover" // cover image only
)

// ParseKind accepts the canonical names plus the long forms.
// An empty kind means a full download.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full", "full-media", "video":
		return KindFull, true
	case "audio", "audio-only":
		return KindAudio, true
	case "cover", "cover-only":
		return KindCover, true
	default:
		return "", false
	}
}

// Job describes one download request
type Job struct {
	SourceID       string                 `json:"sourceId"`
	PartID         string                 `json:"partId"`
	Title          string                 `json:"title"`
	Kind           Kind                   `json:"kind"`
	VideoURL       string                 `json:"videoUrl,omitempty"`
	AudioURL       string                 `json:"audioUrl,omitempty"`
	CoverURL       string                 `json:"coverUrl,omitempty"`
	Collection     bool                   `json:"collection,omitempty"`
	CollectionName string                 `json:"collectionName,omitempty"`
	OutputDir      string                 `json:"outputDir,omitempty"` // empty means the configured download directory
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Key returns the task key of the job
func (j *Job) Key() storage.TaskKey {
	return storage.TaskKey{SourceID: j.SourceID, PartID: j.PartID}
}

// Validate checks the job and normalizes its kind
func (j *Job) Validate() error {
	if strings.TrimSpace(j.SourceID) == "" {
		return &ValidationError{Field: "sourceId", Reason: "is required"}
	}
	if strings.TrimSpace(j.PartID) == "" {
		return &ValidationError{Field: "partId", Reason: "is required"}
	}
	if strings.TrimSpace(j.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}

	kind, ok := ParseKind(string(j.Kind))
	if !ok {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", j.Kind)}
	}
	j.Kind = kind

	switch kind {
	case KindFull:
		if j.VideoURL == "" {
			return &ValidationError{Field: "videoUrl", Reason: "is required for full downloads"}
		}
		if j.AudioURL == "" {
			return &ValidationError{Field: "audioUrl", Reason: "is required for full downloads"}
		}
	case KindAudio:
		if j.AudioURL == "" {
			return &ValidationError{Field: "audioUrl", Reason: "is required for audio downloads"}
		}
	case KindCover:
		if j.CoverURL == "" {
			return &ValidationError{Field: "coverUrl", Reason: "is required for cover downloads"}
		}
	}

	urls := []struct{ field, raw string }{
		{"videoUrl", j.VideoURL},
		{"audioUrl", j.AudioURL},
		{"coverUrl", j.CoverURL},
	}
	for _, u := range urls {
		if u.raw == "" {
			continue
		}
		if err := checkURL(u.raw); err != nil {
			return &ValidationError{Field: u.field, Reason: err.Error()}
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// ValidationError reports a malformed job; nothing was registered
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

var (
	// ErrDuplicateTask is returned when the task key is already running
	ErrDuplicateTask = errors.New("task is already in the download queue")
	// ErrNotFound is returned when no running task has the key
	ErrNotFound = errors.New("download task not found")
	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("download manager is closed")
)

// CancelledMessage is persisted on records of cancelled jobs
const CancelledMessage = "download cancelled"

// SubmitResult is returned once a job is registered
type SubmitResult struct {
	Key        string `json:"key"`
	OutputPath string `json:"outputPath"`
	CoverPath  string `json:"coverPath,omitempty"`
}

// BatchResult is the outcome of one job in a batch
type BatchResult struct {
	Key        string `json:"key"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`
}

// EventType names an orchestrator event
type EventType string

const (
	EventTaskStatus   EventType = "task_status"
	EventTaskProgress EventType = "task_progress"
)

// Event is emitted on every status and progress change
type Event struct {
	Type       EventType          `json:"type"`
	Key        string             `json:"key"`
	SourceID   string             `json:"sourceId"`
	PartID     string             `json:"partId"`
	Status     storage.TaskStatus `json:"status,omitempty"`
	Stage      string             `json:"stage,omitempty"`
	Progress   int                `json:"progress"`
	Error      string             `json:"error,omitempty"`
	OutputPath string             `json:"outputPath,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Listener receives orchestrator events. Calls are serialized.
type Listener func(Event)
