// Package store provides API handlers for the persisted download collections
package store

import (
	"github.com/ferry-project/ferry/Ferry/internal/api"
	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/ferry-project/ferry/Ferry/internal/types"
	"github.com/gin-gonic/gin"
)

// Handler handles store API requests
type Handler struct {
	storageMgr *storage.Manager
}

// NewHandler creates a new store handler
func NewHandler(storageMgr *storage.Manager) *Handler {
	return &Handler{storageMgr: storageMgr}
}

// Register mounts the store routes on the given group
func (h *Handler) Register(r *gin.RouterGroup) {
	r.GET("/stats", h.GetStats)

	decls := r.Group("/declarations")
	{
		decls.GET("", h.ListDeclarations)
		decls.PUT("", h.UpsertDeclaration)
		decls.GET("/:sourceId", h.GetDeclaration)
		decls.DELETE("/:sourceId", h.RemoveDeclaration)
		decls.PATCH("/:sourceId/pages/:partId", h.UpdatePage)
		decls.DELETE("/:sourceId/pages/:partId", h.RemovePage)
	}

	inProgress := r.Group("/in-progress")
	{
		inProgress.GET("", h.ListInProgress)
		inProgress.PUT("", h.UpsertInProgress)
		inProgress.GET("/:sourceId/:partId", h.GetInProgress)
		inProgress.PATCH("/:sourceId/:partId", h.UpdateInProgress)
		inProgress.DELETE("/:sourceId/:partId", h.RemoveInProgress)
		inProgress.POST("/:sourceId/:partId/complete", h.CompleteTask)
	}

	completed := r.Group("/completed")
	{
		completed.GET("", h.ListCompleted)
		completed.PUT("", h.UpsertCompleted)
		completed.GET("/:sourceId/:partId", h.GetCompleted)
		completed.DELETE("/:sourceId/:partId", h.RemoveCompleted)
	}
}

func (h *Handler) store(c *gin.Context) storage.Store {
	if h.storageMgr == nil || h.storageMgr.GetStore() == nil {
		api.Error(c, types.ErrStorageError, "Storage not initialized")
		return nil
	}
	return h.storageMgr.GetStore()
}

func taskKey(c *gin.Context) storage.TaskKey {
	return storage.TaskKey{SourceID: c.Param("sourceId"), PartID: c.Param("partId")}
}

// GetStats returns per-collection counts and backend details
func (h *Handler) GetStats(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}

	// SQLite 有自己的统计，包含文件大小
	if s, ok := st.(*storage.SQLiteStore); ok {
		stats, err := s.Stats()
		if err != nil {
			api.StorageFailure(c, err, "stats")
			return
		}
		api.Success(c, stats)
		return
	}

	ctx := c.Request.Context()
	decls, err := st.ListDeclarations(ctx)
	if err != nil {
		api.StorageFailure(c, err, "declarations")
		return
	}
	inProgress, err := st.ListInProgress(ctx)
	if err != nil {
		api.StorageFailure(c, err, "in-progress tasks")
		return
	}
	completed, err := st.ListCompleted(ctx)
	if err != nil {
		api.StorageFailure(c, err, "completed tasks")
		return
	}

	stats := map[string]interface{}{
		"type":         string(h.storageMgr.Type()),
		"declarations": len(decls),
		"in_progress":  len(inProgress),
		"completed":    len(completed),
	}
	if s, ok := st.(*storage.JSONStore); ok {
		stats["directory"] = s.Dir()
	}
	api.Success(c, stats)
}

// ListDeclarations returns all declarations in insertion order
func (h *Handler) ListDeclarations(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	list, err := st.ListDeclarations(c.Request.Context())
	if err != nil {
		api.StorageFailure(c, err, "declarations")
		return
	}
	api.Success(c, list)
}

// GetDeclaration returns one declaration
func (h *Handler) GetDeclaration(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	decl, err := st.GetDeclaration(c.Request.Context(), c.Param("sourceId"))
	if err != nil {
		api.StorageFailure(c, err, "Declaration")
		return
	}
	api.Success(c, decl)
}

// UpsertDeclaration replaces or appends a declaration
func (h *Handler) UpsertDeclaration(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	var decl storage.Declaration
	if err := c.ShouldBindJSON(&decl); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if err := st.UpsertDeclaration(c.Request.Context(), &decl); err != nil {
		api.StorageFailure(c, err, "Declaration")
		return
	}
	saved, err := st.GetDeclaration(c.Request.Context(), decl.SourceID)
	if err != nil {
		api.StorageFailure(c, err, "Declaration")
		return
	}
	api.Success(c, saved)
}

// RemoveDeclaration removes a declaration with all its pages
func (h *Handler) RemoveDeclaration(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	removed, err := st.RemoveDeclaration(c.Request.Context(), c.Param("sourceId"))
	if err != nil {
		api.StorageFailure(c, err, "Declaration")
		return
	}
	if !removed {
		api.NotFound(c, "Declaration")
		return
	}
	api.SuccessWithMessage(c, "Declaration removed")
}

// UpdatePage merges a patch into one page of a declaration
func (h *Handler) UpdatePage(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	var patch storage.PagePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	sourceID := c.Param("sourceId")
	if err := st.UpdateDeclarationPage(c.Request.Context(), sourceID, c.Param("partId"), &patch); err != nil {
		api.StorageFailure(c, err, "Page")
		return
	}
	decl, err := st.GetDeclaration(c.Request.Context(), sourceID)
	if err != nil {
		api.StorageFailure(c, err, "Declaration")
		return
	}
	api.Success(c, decl)
}

// RemovePage removes one page; removing the last page drops the declaration
func (h *Handler) RemovePage(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	sourceID := c.Param("sourceId")
	if err := st.RemoveDeclarationPage(c.Request.Context(), sourceID, c.Param("partId")); err != nil {
		api.StorageFailure(c, err, "Page")
		return
	}

	decl, err := st.GetDeclaration(c.Request.Context(), sourceID)
	if storage.IsNotFound(err) {
		api.Success(c, gin.H{"declaration": nil, "removed": true})
		return
	}
	if err != nil {
		api.StorageFailure(c, err, "Declaration")
		return
	}
	api.Success(c, gin.H{"declaration": decl, "removed": false})
}

// ListInProgress returns all in-progress records
func (h *Handler) ListInProgress(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	list, err := st.ListInProgress(c.Request.Context())
	if err != nil {
		api.StorageFailure(c, err, "in-progress tasks")
		return
	}
	api.Success(c, list)
}

// GetInProgress returns one in-progress record
func (h *Handler) GetInProgress(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	rec, err := st.GetInProgress(c.Request.Context(), taskKey(c))
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	api.Success(c, rec)
}

// UpsertInProgress replaces or appends an in-progress record
func (h *Handler) UpsertInProgress(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	var rec storage.TaskRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if rec.Status == "" {
		rec.Status = storage.StatusQueued
	}
	if !rec.Status.IsValid() {
		api.BadRequest(c, "Unknown status: "+string(rec.Status))
		return
	}
	if err := st.UpsertInProgress(c.Request.Context(), &rec); err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	saved, err := st.GetInProgress(c.Request.Context(), rec.Key())
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	api.Success(c, saved)
}

// UpdateInProgress applies a partial update to an in-progress record
func (h *Handler) UpdateInProgress(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	var patch storage.TaskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if patch.Status != nil && !patch.Status.IsValid() {
		api.BadRequest(c, "Unknown status: "+string(*patch.Status))
		return
	}
	key := taskKey(c)
	if err := st.UpdateInProgress(c.Request.Context(), key, &patch); err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	rec, err := st.GetInProgress(c.Request.Context(), key)
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	api.Success(c, rec)
}

// RemoveInProgress removes an in-progress record
func (h *Handler) RemoveInProgress(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	removed, err := st.RemoveInProgress(c.Request.Context(), taskKey(c))
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	if !removed {
		api.NotFound(c, "Task")
		return
	}
	api.SuccessWithMessage(c, "Task removed")
}

// CompleteTask moves an in-progress record to the completed collection.
// An optional JSON body is merged into the record first.
func (h *Handler) CompleteTask(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	var overrides *storage.TaskPatch
	if c.Request.ContentLength != 0 {
		overrides = &storage.TaskPatch{}
		if err := c.ShouldBindJSON(overrides); err != nil {
			api.BadRequest(c, "Invalid request body")
			return
		}
	}
	rec, err := st.MoveTaskToCompleted(c.Request.Context(), taskKey(c), overrides)
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	api.Success(c, rec)
}

// ListCompleted returns all completed records
func (h *Handler) ListCompleted(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	list, err := st.ListCompleted(c.Request.Context())
	if err != nil {
		api.StorageFailure(c, err, "completed tasks")
		return
	}
	api.Success(c, list)
}

// GetCompleted returns one completed record
func (h *Handler) GetCompleted(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	rec, err := st.GetCompleted(c.Request.Context(), taskKey(c))
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	api.Success(c, rec)
}

// UpsertCompleted replaces or appends a completed record
func (h *Handler) UpsertCompleted(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	var rec storage.TaskRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	rec.Status = storage.StatusCompleted
	if err := st.UpsertCompleted(c.Request.Context(), &rec); err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	saved, err := st.GetCompleted(c.Request.Context(), rec.Key())
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	api.Success(c, saved)
}

// RemoveCompleted removes a completed record
func (h *Handler) RemoveCompleted(c *gin.Context) {
	st := h.store(c)
	if st == nil {
		return
	}
	removed, err := st.RemoveCompleted(c.Request.Context(), taskKey(c))
	if err != nil {
		api.StorageFailure(c, err, "Task")
		return
	}
	if !removed {
		api.NotFound(c, "Task")
		return
	}
	api.SuccessWithMessage(c, "Task removed")
}
