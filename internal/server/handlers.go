package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/api"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/monitor"
	"github.com/ferry-project/ferry/Ferry/internal/process"
	"github.com/ferry-project/ferry/Ferry/internal/types"
	"github.com/ferry-project/ferry/Ferry/internal/version"
	"github.com/gin-gonic/gin"
)

const redacted = "******"

// ServerInfo is the payload of GET /api/info
type ServerInfo struct {
	Name        string               `json:"name"`
	Version     *version.VersionInfo `json:"version"`
	Status      string               `json:"status"`
	Mode        string               `json:"mode"`
	StartedAt   time.Time            `json:"startedAt"`
	Uptime      int64                `json:"uptime"` // seconds
	ActiveTasks int                  `json:"activeTasks"`
	Connections int                  `json:"connections"`
	Storage     string               `json:"storage"`
	System      *monitor.Snapshot    `json:"system,omitempty"`
}

// ToolsInfo is the payload of GET /api/tools
type ToolsInfo struct {
	FetchBackend string           `json:"fetchBackend"`
	Aria2c       process.ToolInfo `json:"aria2c"`
	FFmpeg       process.ToolInfo `json:"ffmpeg"`
}

// handleServerInfo returns server information
func (s *Server) handleServerInfo(c *gin.Context) {
	info := ServerInfo{
		Name:        "Ferry",
		Version:     version.GetVersionInfo(),
		Status:      "running",
		Mode:        s.config.Mode,
		StartedAt:   s.startTime,
		Uptime:      int64(time.Since(s.startTime).Seconds()),
		ActiveTasks: s.registry.Len(),
		Connections: s.eventMgr.GetConnectionCount(),
		Storage:     string(s.storageMgr.Type()),
		System:      s.sampler.Sample(c.Request.Context()),
	}
	api.Success(c, info)
}

// handleTools reports whether the external tools can be found and their versions
func (s *Server) handleTools(c *gin.Context) {
	tools := s.config.ServerCfg.Tools
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	api.Success(c, ToolsInfo{
		FetchBackend: tools.FetchBackend,
		Aria2c:       process.LookupTool(ctx, "aria2c", tools.Aria2c.Path, "--version"),
		FFmpeg:       process.LookupTool(ctx, "ffmpeg", tools.FFmpeg.Path, "-version"),
	})
}

// handleGetConfig returns the effective configuration; request header values are masked
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.config.ServerCfg.Clone()
	cfg.Download.Directory = s.config.ConfigMgr.GetDownloadDirectory()
	for k := range cfg.Download.Headers {
		cfg.Download.Headers[k] = redacted
	}

	api.Success(c, gin.H{
		"config":     cfg,
		"configPath": s.config.ConfigMgr.GetConfigPath(),
	})
}

// handleLogEntries returns recent log entries, optionally filtered by level.
// limit=0 returns everything kept in memory.
func (s *Server) handleLogEntries(c *gin.Context) {
	stream := logger.GetLogStream()

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := stream.GetEntries(limit, c.Query("level"))
	api.Success(c, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleLogStream streams log entries as Server-Sent Events
func (s *Server) handleLogStream(c *gin.Context) {
	stream := logger.GetLogStream()
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		api.Error(c, types.ErrInternalError, "Streaming not supported")
		return
	}

	ch := stream.Subscribe()
	defer stream.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	level := c.Query("level")
	for _, entry := range stream.GetEntries(50, level) {
		c.SSEvent("log", entry)
	}
	c.Writer.Write([]byte(": connected\n\n"))
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if level != "" && !strings.EqualFold(entry.Level, level) {
				continue
			}
			c.SSEvent("log", entry)
			flusher.Flush()
		}
	}
}
