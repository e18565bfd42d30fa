package storage

import (
	"time"
)

// TaskKey identifies one download across the registry and all collections
type TaskKey struct {
	SourceID string `json:"sourceId"`
	PartID   string `json:"partId"`
}

// String renders the key as "<sourceId>-<partId>"
func (k TaskKey) String() string {
	return k.SourceID + "-" + k.PartID
}

// IsZero reports whether either half of the key is missing
func (k TaskKey) IsZero() bool {
	return k.SourceID == "" || k.PartID == ""
}

// TaskStatus represents the persisted status of a task record
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusFetching   TaskStatus = "fetching"
	StatusConverting TaskStatus = "converting"
	StatusMerging    TaskStatus = "merging"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// IsValid checks if the status is one of the known values
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusFetching, StatusConverting, StatusMerging, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions follow this status
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskRecord is the persisted form of one download task
type TaskRecord struct {
	SourceID       string                 `json:"sourceId"`
	PartID         string                 `json:"partId"`
	Title          string                 `json:"title"`
	Kind           string                 `json:"kind"`
	VideoURL       string                 `json:"videoUrl,omitempty"`
	AudioURL       string                 `json:"audioUrl,omitempty"`
	CoverURL       string                 `json:"coverUrl,omitempty"`
	Collection     bool                   `json:"collection,omitempty"`
	CollectionName string                 `json:"collectionName,omitempty"`
	OutputPath     string                 `json:"outputPath,omitempty"`
	CoverPath      string                 `json:"coverPath,omitempty"`
	Status         TaskStatus             `json:"status"`
	Progress       int                    `json:"progress"`
	Error          string                 `json:"error,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
}

// Key returns the task key of the record
func (r *TaskRecord) Key() TaskKey {
	return TaskKey{SourceID: r.SourceID, PartID: r.PartID}
}

// Clone returns a deep copy of the record
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Extra = cloneExtra(r.Extra)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// TaskPatch describes a partial update of a task record.
// Nil fields are left untouched; Extra keys are merged.
type TaskPatch struct {
	Title      *string                `json:"title,omitempty"`
	OutputPath *string                `json:"outputPath,omitempty"`
	CoverPath  *string                `json:"coverPath,omitempty"`
	Status     *TaskStatus            `json:"status,omitempty"`
	Progress   *int                   `json:"progress,omitempty"`
	Error      *string                `json:"error,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Apply merges the patch into the record
func (p *TaskPatch) Apply(r *TaskRecord) {
	if p == nil || r == nil {
		return
	}
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.OutputPath != nil {
		r.OutputPath = *p.OutputPath
	}
	if p.CoverPath != nil {
		r.CoverPath = *p.CoverPath
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Progress != nil {
		r.Progress = clampProgress(*p.Progress)
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if len(p.Extra) > 0 {
		if r.Extra == nil {
			r.Extra = make(map[string]interface{}, len(p.Extra))
		}
		for k, v := range p.Extra {
			r.Extra[k] = v
		}
	}
}

// Page is one part of a declared source
type Page struct {
	PartID   string                 `json:"partId"`
	Title    string                 `json:"title,omitempty"`
	Duration int                    `json:"duration,omitempty"` // seconds
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// Declaration is a queued, not yet started source with its pages (downloads-info)
type Declaration struct {
	SourceID       string                 `json:"sourceId"`
	Title          string                 `json:"title"`
	CoverURL       string                 `json:"coverUrl,omitempty"`
	Collection     bool                   `json:"collection,omitempty"`
	CollectionName string                 `json:"collectionName,omitempty"`
	Pages          []Page                 `json:"pages"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// Clone returns a deep copy of the declaration
func (d *Declaration) Clone() *Declaration {
	if d == nil {
		return nil
	}
	c := *d
	c.Extra = cloneExtra(d.Extra)
	c.Pages = make([]Page, len(d.Pages))
	for i, p := range d.Pages {
		p.Extra = cloneExtra(p.Extra)
		c.Pages[i] = p
	}
	return &c
}

// PagePatch describes a partial update of a declaration page
type PagePatch struct {
	Title    *string                `json:"title,omitempty"`
	Duration *int                   `json:"duration,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// Apply merges the patch into the page
func (p *PagePatch) Apply(page *Page) {
	if p == nil || page == nil {
		return
	}
	if p.Title != nil {
		page.Title = *p.Title
	}
	if p.Duration != nil {
		page.Duration = *p.Duration
	}
	if len(p.Extra) > 0 {
		if page.Extra == nil {
			page.Extra = make(map[string]interface{}, len(p.Extra))
		}
		for k, v := range p.Extra {
			page.Extra[k] = v
		}
	}
}

func cloneExtra(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
