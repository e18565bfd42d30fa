package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestServer builds a server on a memory store with the built-in HTTP fetcher
func createTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	configMgr := config.NewManagerWithPath("standalone", filepath.Join(dir, "config.yaml"))
	cfg, err := configMgr.Load()
	require.NoError(t, err)

	downloadDir := filepath.Join(dir, "downloads")
	require.NoError(t, configMgr.SetDownloadDirectory(downloadDir))

	cfg.Storage = storage.StorageConfig{Type: storage.StorageTypeMemory}
	cfg.Tools.FetchBackend = config.FetchBackendHTTP
	cfg.Download.Headers = map[string]string{"Cookie": "SESSDATA=secret"}
	for _, fn := range mutate {
		fn(cfg)
	}

	serverConfig := ConfigFrom(cfg, configMgr)
	serverConfig.Port = 0

	server, err := NewServer(serverConfig, nil)
	require.NoError(t, err)
	t.Cleanup(func() { server.Stop() })
	return server, downloadDir
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestNewServer(t *testing.T) {
	server, _ := createTestServer(t)

	assert.NotNil(t, server.engine)
	assert.NotNil(t, server.handlers.Downloads)
	assert.NotNil(t, server.handlers.Store)
	assert.NotNil(t, server.handlers.Filesystem)
	assert.NotNil(t, server.EventManager())
	assert.NotNil(t, server.DownloadManager())
	assert.Equal(t, storage.StorageTypeMemory, server.storageMgr.Type())
}

func TestNewServerErrors(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		_, err := NewServer(&Config{}, nil)
		assert.Error(t, err)
	})

	t.Run("unknown fetch backend", func(t *testing.T) {
		configMgr := config.NewManagerWithPath("standalone", filepath.Join(t.TempDir(), "config.yaml"))
		cfg, err := configMgr.Load()
		require.NoError(t, err)
		cfg.Storage = storage.StorageConfig{Type: storage.StorageTypeMemory}
		cfg.Tools.FetchBackend = "wget"

		_, err = NewServer(ConfigFrom(cfg, configMgr), nil)
		assert.ErrorContains(t, err, "unknown fetch backend")
	})
}

func TestServerHandleServerInfo(t *testing.T) {
	server, _ := createTestServer(t)

	w := httptest.NewRecorder()
	server.GetEngine().ServeHTTP(w, httptest.NewRequest("GET", "/api/info", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Equal(t, true, response["success"])
	data := response["data"].(map[string]interface{})
	assert.Equal(t, "Ferry", data["name"])
	assert.Equal(t, "running", data["status"])
	assert.Equal(t, "standalone", data["mode"])
	assert.Equal(t, "memory", data["storage"])
	assert.Equal(t, float64(0), data["activeTasks"])
	assert.Contains(t, data, "version")
	assert.Contains(t, data, "system")
}

func TestServerCORSMiddleware(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		server, _ := createTestServer(t)

		w := httptest.NewRecorder()
		server.GetEngine().ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/info", nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	})

	t.Run("disabled", func(t *testing.T) {
		server, _ := createTestServer(t, func(cfg *config.Config) {
			cfg.Security.CORSEnabled = false
		})

		req := httptest.NewRequest("GET", "/api/info", nil)
		req.Header.Set("Origin", "http://example.com")
		w := httptest.NewRecorder()
		server.GetEngine().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServerRoutes(t *testing.T) {
	server, _ := createTestServer(t)
	router := server.GetEngine()

	tests := []struct {
		name         string
		method       string
		path         string
		body         string
		expectedCode int
	}{
		{"Server info", "GET", "/api/info", "", http.StatusOK},
		{"Tools", "GET", "/api/tools", "", http.StatusOK},
		{"Get config", "GET", "/api/config", "", http.StatusOK},
		{"Download directory", "GET", "/api/download-directory", "", http.StatusOK},
		{"Set download directory without body", "PUT", "/api/download-directory", "", http.StatusBadRequest},
		{"List roots", "GET", "/api/fs/list", "", http.StatusOK},

		{"Submit invalid job", "POST", "/api/downloads", `{"sourceId":"BV1"}`, http.StatusBadRequest},
		{"Empty batch", "POST", "/api/downloads/batch", `{"jobs":[]}`, http.StatusBadRequest},
		{"Active downloads", "GET", "/api/downloads/active", "", http.StatusOK},
		{"Cancel unknown", "DELETE", "/api/downloads/BV1/1", "", http.StatusNotFound},

		{"Store stats", "GET", "/api/store/stats", "", http.StatusOK},
		{"List declarations", "GET", "/api/store/declarations", "", http.StatusOK},
		{"Get declaration", "GET", "/api/store/declarations/BV1", "", http.StatusNotFound},
		{"List in progress", "GET", "/api/store/in-progress", "", http.StatusOK},
		{"Get in progress", "GET", "/api/store/in-progress/BV1/1", "", http.StatusNotFound},
		{"List completed", "GET", "/api/store/completed", "", http.StatusOK},
		{"Get completed", "GET", "/api/store/completed/BV1/1", "", http.StatusNotFound},

		{"Log entries", "GET", "/api/logs?limit=5", "", http.StatusOK},
		{"Log entries bad limit", "GET", "/api/logs?limit=x", "", http.StatusBadRequest},

		{"Unknown route", "GET", "/api/invalid-route", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedCode, w.Code, w.Body.String())
		})
	}
}

func TestServerGetConfigMasksHeaders(t *testing.T) {
	server, downloadDir := createTestServer(t)

	w := httptest.NewRecorder()
	server.GetEngine().ServeHTTP(w, httptest.NewRequest("GET", "/api/config", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.NotContains(t, w.Body.String(), "SESSDATA")
	data := decode(t, w)["data"].(map[string]interface{})
	cfg := data["config"].(map[string]interface{})
	download := cfg["download"].(map[string]interface{})
	assert.Equal(t, downloadDir, download["directory"])
	assert.NotEmpty(t, data["configPath"])
}

func TestServerLogEntries(t *testing.T) {
	server, _ := createTestServer(t)
	logger.GetLogStream().Add(logger.StreamLogEntry{
		Timestamp: time.Now(),
		Level:     "WARN",
		Message:   "disk almost full",
	})

	w := httptest.NewRecorder()
	server.GetEngine().ServeHTTP(w, httptest.NewRequest("GET", "/api/logs?level=warn&limit=0", nil))
	require.Equal(t, http.StatusOK, w.Code)

	data := decode(t, w)["data"].(map[string]interface{})
	entries := data["entries"].([]interface{})
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1].(map[string]interface{})
	assert.Equal(t, "disk almost full", last["message"])
}

func TestServerSSEEndpoint(t *testing.T) {
	server, _ := createTestServer(t)
	router := server.GetEngine()

	for _, path := range []string{"/api/events", "/api/logs/stream"} {
		t.Run(path, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
			w := httptest.NewRecorder()

			done := make(chan bool)
			go func() {
				router.ServeHTTP(w, req)
				done <- true
			}()

			select {
			case <-done:
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
			case <-time.After(time.Second):
				t.Fatal("SSE request did not complete within timeout")
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	server, _ := createTestServer(t)

	require.NoError(t, server.Start())
	assert.Error(t, server.Start())

	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop())
	assert.NoError(t, server.Stop())
	assert.Error(t, server.Start())

	_, err = http.Get("http://" + addr + "/api/info")
	assert.Error(t, err)
}

func TestServerStartPortInUse(t *testing.T) {
	first, _ := createTestServer(t)
	require.NoError(t, first.Start())

	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second, _ := createTestServer(t)
	second.config.Port = port
	assert.Error(t, second.Start())
}

func TestServerShutdownContext(t *testing.T) {
	server, _ := createTestServer(t)
	require.NoError(t, server.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}

// 封面下载走完整链路：提交、抓取、移入已完成、推送事件
func TestServerCoverDownloadEndToEnd(t *testing.T) {
	cover := []byte("\xff\xd8\xff\xe0fake-jpeg")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprint(len(cover)))
		w.Write(cover)
	}))
	defer origin.Close()

	server, downloadDir := createTestServer(t)
	require.NoError(t, server.Start())
	base := "http://" + server.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", base+"/api/events", nil)
	require.NoError(t, err)
	events, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer events.Body.Close()
	reader := bufio.NewReader(events.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event:connected\n", line)

	body := fmt.Sprintf(`{"sourceId":"BV1xx","partId":"1","title":"Cover: test","kind":"cover","coverUrl":%q}`, origin.URL+"/cover.jpg")
	resp, err := http.Post(base+"/api/downloads", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sawCompleted := make(chan struct{})
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data:") && strings.Contains(line, `"status":"completed"`) {
				close(sawCompleted)
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/store/completed/BV1xx/1")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-sawCompleted:
	case <-time.After(5 * time.Second):
		t.Fatal("no completed task_status event")
	}

	entries, err := os.ReadDir(downloadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".jpg"))
	data, err := os.ReadFile(filepath.Join(downloadDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, cover, data)
}

func BenchmarkServerRequest(b *testing.B) {
	gin.SetMode(gin.TestMode)
	configMgr := config.NewManagerWithPath("standalone", filepath.Join(b.TempDir(), "config.yaml"))
	cfg, err := configMgr.Load()
	if err != nil {
		b.Fatal(err)
	}
	cfg.Storage = storage.StorageConfig{Type: storage.StorageTypeMemory}
	cfg.Tools.FetchBackend = config.FetchBackendHTTP

	server, err := NewServer(ConfigFrom(cfg, configMgr), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer server.Stop()
	router := server.GetEngine()

	req := httptest.NewRequest("GET", "/api/info", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
