// Package server provides the HTTP server for the Ferry application.
// It wires the download orchestrator, the record store and the event
// streams behind one gin engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/api"
	"github.com/ferry-project/ferry/Ferry/internal/api/downloads"
	"github.com/ferry-project/ferry/Ferry/internal/api/filesystem"
	storeapi "github.com/ferry-project/ferry/Ferry/internal/api/store"
	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/download"
	"github.com/ferry-project/ferry/Ferry/internal/fetcher"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/monitor"
	"github.com/ferry-project/ferry/Ferry/internal/registry"
	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/ferry-project/ferry/Ferry/internal/transcoder"
	"github.com/ferry-project/ferry/Ferry/internal/websocket"
	"github.com/gin-gonic/gin"
)

const stopTimeout = 30 * time.Second

// Server represents the HTTP server
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	listener    net.Listener
	config      *Config
	handlers    *Handlers
	eventMgr    *websocket.Manager
	storageMgr  *storage.Manager
	downloadMgr *download.Manager
	registry    *registry.TaskRegistry
	sampler     *monitor.Sampler
	log         *logger.Logger
	startTime   time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Mode         string
	ServerCfg    *config.Config
	ConfigMgr    *config.Manager // 配置管理器
}

// ConfigFrom builds the server configuration from the loaded application config
func ConfigFrom(cfg *config.Config, configMgr *config.Manager) *Config {
	return &Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Mode:         cfg.Mode,
		ServerCfg:    cfg,
		ConfigMgr:    configMgr,
	}
}

// Handlers contains handler instances
type Handlers struct {
	Downloads  *downloads.Handler
	Store      *storeapi.Handler
	Filesystem *filesystem.Handler
}

// NewServer creates a new HTTP server with its download stack
func NewServer(cfg *Config, log *logger.Logger) (*Server, error) {
	if cfg == nil || cfg.ServerCfg == nil || cfg.ConfigMgr == nil {
		return nil, errors.New("server config, application config and config manager are required")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	appCfg := cfg.ServerCfg

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		handlers:  &Handlers{},
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		sampler:   monitor.NewSampler(2 * time.Second),
	}

	storageMgr, err := storage.NewManager(&appCfg.Storage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	s.storageMgr = storageMgr

	fetchOpts := fetcher.OptionsFromConfig(appCfg.Download)
	f, err := fetcher.New(appCfg.Tools.FetchBackend, appCfg.Tools.Aria2c, fetchOpts, log)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to initialize fetcher: %w", err)
	}
	t, err := transcoder.NewFFmpeg(appCfg.Tools.FFmpeg, log)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to initialize transcoder: %w", err)
	}

	s.registry = registry.NewTaskRegistry(ctx)
	s.downloadMgr = download.NewManager(storageMgr.GetStore(), s.registry, f, t, download.Options{
		MaxConcurrent: appCfg.Download.MaxConcurrent,
		DownloadDir:   cfg.ConfigMgr.GetDownloadDirectory,
	}, log)

	origins := appCfg.Security.AllowedOrigins
	if !appCfg.Security.CORSEnabled {
		origins = nil
	}
	s.eventMgr = websocket.NewManager(websocket.Options{ActiveTasks: s.registry.Len}, origins, log)
	s.downloadMgr.AddListener(s.eventMgr.Listener())

	s.handlers.Downloads = downloads.NewHandler(s.downloadMgr)
	s.handlers.Store = storeapi.NewHandler(storageMgr)
	s.handlers.Filesystem = filesystem.NewHandler(cfg.ConfigMgr, log)

	switch {
	case gin.Mode() == gin.TestMode:
	case appCfg.Log.Level == "debug":
		gin.SetMode(gin.DebugMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	// 事件推送不依赖 HTTP 监听，构造完成即可工作
	s.eventMgr.Start()

	return s, nil
}

// abort releases what NewServer built so far
func (s *Server) abort() {
	s.cancel()
	if s.storageMgr != nil {
		s.storageMgr.Close()
	}
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RecoveryMiddleware(s.log),
		api.RequestID(),
	)
	if sec := s.config.ServerCfg.Security; sec.CORSEnabled {
		s.engine.Use(api.CORSMiddleware(sec.AllowedOrigins))
	}
	s.engine.Use(
		api.LoggerMiddleware(s.log),
		api.ErrorHandler(s.log),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.engine.NoRoute(func(c *gin.Context) {
		api.NotFound(c, "Route "+c.Request.Method+" "+c.Request.URL.Path)
	})

	r := s.engine.Group("/api")
	{
		r.GET("/info", s.handleServerInfo)
		r.GET("/tools", s.handleTools)
		r.GET("/config", s.handleGetConfig)

		r.GET("/download-directory", s.handlers.Filesystem.GetDownloadDirectory)
		r.PUT("/download-directory", s.handlers.Filesystem.SetDownloadDirectory)
		r.GET("/fs/list", s.handlers.Filesystem.ListDirectory)

		s.handlers.Downloads.Register(r.Group("/downloads"))
		s.handlers.Store.Register(r.Group("/store"))

		r.GET("/events", s.eventMgr.HandleSSE)
		r.GET("/ws", s.eventMgr.HandleWebSocket)

		r.GET("/logs", s.handleLogEntries)
		r.GET("/logs/stream", s.handleLogStream)
	}
}

// Start binds the listener and serves in the background.
// Bind errors are returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("server already stopped")
	}
	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()

		s.log.Infof("启动 HTTP 服务器，监听 %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("HTTP 服务器错误: %v", err)
		}
		s.log.Info("HTTP 服务器已停止")
	}(s.httpServer)

	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the server and everything it owns.
// Event streams close first so that HTTP shutdown does not wait on them.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("开始停止 HTTP 服务器...")
	s.cancel()

	s.eventMgr.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("HTTP 服务器关闭失败: %v", err)
			srv.Close()
		} else {
			s.log.Info("HTTP 服务器已优雅关闭")
		}
	}

	var errs []error
	s.log.Info("停止下载管理器...")
	if err := s.downloadMgr.Close(); err != nil {
		s.log.Errorf("下载管理器关闭失败: %v", err)
		errs = append(errs, err)
	}

	s.log.Info("关闭存储管理器...")
	if err := s.storageMgr.Close(); err != nil {
		s.log.Errorf("存储管理器关闭失败: %v", err)
		errs = append(errs, err)
	}

	s.wg.Wait()
	s.log.Info("所有协程已完成")
	return errors.Join(errs...)
}

// Shutdown performs graceful shutdown bounded by ctx
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Errorf("优雅关闭失败: %v", err)
		}
		return err
	case <-ctx.Done():
		s.log.Warn("优雅关闭超时，强制退出")
		s.mu.Lock()
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// GetEngine returns the Gin engine (for testing)
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}

// DownloadManager returns the download orchestrator
func (s *Server) DownloadManager() *download.Manager {
	return s.downloadMgr
}

// EventManager returns the SSE/WebSocket manager
func (s *Server) EventManager() *websocket.Manager {
	return s.eventMgr
}
