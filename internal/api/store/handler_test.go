package store

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *storage.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storageMgr, err := storage.NewManager(&storage.StorageConfig{Type: storage.StorageTypeMemory})
	require.NoError(t, err)
	t.Cleanup(func() { storageMgr.Close() })

	router := gin.New()
	NewHandler(storageMgr).Register(router.Group("/api/store"))
	return router, storageMgr
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func seedInProgress(t *testing.T, mgr *storage.Manager, sourceID, partID string) {
	t.Helper()
	require.NoError(t, mgr.GetStore().UpsertInProgress(context.Background(), &storage.TaskRecord{
		SourceID: sourceID,
		PartID:   partID,
		Title:    "第1集",
		Kind:     "full",
		Status:   storage.StatusFetching,
		Progress: 40,
	}))
}

func TestHandler_Declarations(t *testing.T) {
	router, _ := setupTestRouter(t)

	decl := storage.Declaration{
		SourceID: "BV1xx411c7mD",
		Title:    "合集",
		Pages: []storage.Page{
			{PartID: "1", Title: "开始"},
			{PartID: "2", Title: "结束"},
		},
	}

	w, resp := doRequest(t, router, "PUT", "/api/store/declarations", decl)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp["success"].(bool))
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "BV1xx411c7mD", data["sourceId"])
	assert.NotEmpty(t, data["createdAt"])

	w, resp = doRequest(t, router, "GET", "/api/store/declarations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"].([]interface{}), 1)

	t.Run("update page", func(t *testing.T) {
		w, resp := doRequest(t, router, "PATCH", "/api/store/declarations/BV1xx411c7mD/pages/1",
			map[string]interface{}{"title": "新标题", "duration": 120})
		require.Equal(t, http.StatusOK, w.Code)
		pages := resp["data"].(map[string]interface{})["pages"].([]interface{})
		first := pages[0].(map[string]interface{})
		assert.Equal(t, "新标题", first["title"])
		assert.Equal(t, float64(120), first["duration"])
	})

	t.Run("update missing page", func(t *testing.T) {
		w, resp := doRequest(t, router, "PATCH", "/api/store/declarations/BV1xx411c7mD/pages/9",
			map[string]interface{}{"title": "x"})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.False(t, resp["success"].(bool))
	})

	t.Run("remove pages until declaration is gone", func(t *testing.T) {
		w, resp := doRequest(t, router, "DELETE", "/api/store/declarations/BV1xx411c7mD/pages/1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, resp["data"].(map[string]interface{})["removed"])

		w, resp = doRequest(t, router, "DELETE", "/api/store/declarations/BV1xx411c7mD/pages/2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, resp["data"].(map[string]interface{})["removed"])

		w, _ = doRequest(t, router, "GET", "/api/store/declarations/BV1xx411c7mD", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("remove missing declaration", func(t *testing.T) {
		w, _ := doRequest(t, router, "DELETE", "/api/store/declarations/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing source id is rejected", func(t *testing.T) {
		w, resp := doRequest(t, router, "PUT", "/api/store/declarations", map[string]interface{}{"title": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", resp["error"].(map[string]interface{})["code"])
	})
}

func TestHandler_InProgress(t *testing.T) {
	router, mgr := setupTestRouter(t)
	seedInProgress(t, mgr, "BV1", "1")

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
	}{
		{"get existing", "GET", "/api/store/in-progress/BV1/1", nil, http.StatusOK},
		{"get missing", "GET", "/api/store/in-progress/BV1/9", nil, http.StatusNotFound},
		{"patch existing", "PATCH", "/api/store/in-progress/BV1/1", map[string]interface{}{"progress": 60, "status": "merging"}, http.StatusOK},
		{"patch missing", "PATCH", "/api/store/in-progress/BV1/9", map[string]interface{}{"progress": 60}, http.StatusNotFound},
		{"patch unknown status", "PATCH", "/api/store/in-progress/BV1/1", map[string]interface{}{"status": "paused"}, http.StatusBadRequest},
		{"put without key", "PUT", "/api/store/in-progress", map[string]interface{}{"title": "x"}, http.StatusBadRequest},
		{"put invalid json", "PUT", "/api/store/in-progress", "invalid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := doRequest(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantStatus == http.StatusOK, resp["success"])
		})
	}

	rec, err := mgr.GetStore().GetInProgress(context.Background(), storage.TaskKey{SourceID: "BV1", PartID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 60, rec.Progress)
	assert.Equal(t, storage.StatusMerging, rec.Status)

	t.Run("put defaults to queued", func(t *testing.T) {
		w, resp := doRequest(t, router, "PUT", "/api/store/in-progress",
			map[string]interface{}{"sourceId": "BV2", "partId": "1", "title": "t"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "queued", resp["data"].(map[string]interface{})["status"])
	})

	t.Run("list keeps insertion order", func(t *testing.T) {
		_, resp := doRequest(t, router, "GET", "/api/store/in-progress", nil)
		list := resp["data"].([]interface{})
		require.Len(t, list, 2)
		assert.Equal(t, "BV1", list[0].(map[string]interface{})["sourceId"])
		assert.Equal(t, "BV2", list[1].(map[string]interface{})["sourceId"])
	})

	t.Run("delete", func(t *testing.T) {
		w, _ := doRequest(t, router, "DELETE", "/api/store/in-progress/BV2/1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w, _ = doRequest(t, router, "DELETE", "/api/store/in-progress/BV2/1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandler_CompleteTask(t *testing.T) {
	router, mgr := setupTestRouter(t)
	seedInProgress(t, mgr, "BV1", "1")
	seedInProgress(t, mgr, "BV1", "2")

	t.Run("with overrides", func(t *testing.T) {
		w, resp := doRequest(t, router, "POST", "/api/store/in-progress/BV1/1/complete",
			map[string]interface{}{"outputPath": "/dl/第1集.mp4"})
		require.Equal(t, http.StatusOK, w.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, float64(100), data["progress"])
		assert.Equal(t, "completed", data["status"])
		assert.Equal(t, "/dl/第1集.mp4", data["outputPath"])
		assert.NotEmpty(t, data["completedAt"])
	})

	t.Run("without body", func(t *testing.T) {
		w, _ := doRequest(t, router, "POST", "/api/store/in-progress/BV1/2/complete", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing record", func(t *testing.T) {
		w, _ := doRequest(t, router, "POST", "/api/store/in-progress/BV1/1/complete", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	ctx := context.Background()
	inProgress, err := mgr.GetStore().ListInProgress(ctx)
	require.NoError(t, err)
	assert.Empty(t, inProgress)

	w, resp := doRequest(t, router, "GET", "/api/store/completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"].([]interface{}), 2)

	w, _ = doRequest(t, router, "GET", "/api/store/completed/BV1/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(t, router, "DELETE", "/api/store/completed/BV1/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doRequest(t, router, "GET", "/api/store/completed/BV1/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_UpsertCompleted(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, resp := doRequest(t, router, "PUT", "/api/store/completed",
		map[string]interface{}{"sourceId": "BV3", "partId": "1", "title": "t", "status": "failed"})
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["status"])
	assert.NotEmpty(t, data["completedAt"])
}

func TestHandler_GetStats(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		router, mgr := setupTestRouter(t)
		seedInProgress(t, mgr, "BV1", "1")

		w, resp := doRequest(t, router, "GET", "/api/store/stats", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, "memory", data["type"])
		assert.Equal(t, float64(1), data["in_progress"])
		assert.Equal(t, float64(0), data["completed"])
	})

	t.Run("sqlite", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		mgr, err := storage.NewManager(&storage.StorageConfig{
			Type:   storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "ferry.db")},
		})
		require.NoError(t, err)
		defer mgr.Close()

		router := gin.New()
		NewHandler(mgr).Register(router.Group("/api/store"))

		w, resp := doRequest(t, router, "GET", "/api/store/stats", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, "sqlite", data["type"])
		assert.Contains(t, data, "path")
	})

	t.Run("not initialized", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		router := gin.New()
		NewHandler(nil).Register(router.Group("/api/store"))

		w, resp := doRequest(t, router, "GET", "/api/store/stats", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "STORAGE_ERROR", resp["error"].(map[string]interface{})["code"])
	})
}
