// Package filesystem provides directory browsing and download directory APIs
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ferry-project/ferry/Ferry/internal/api"
	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/fsutil"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/types"
	"github.com/gin-gonic/gin"
)

// Handler handles file system requests
type Handler struct {
	configMgr *config.Manager
	log       *logger.Logger
}

// NewHandler creates a new filesystem handler
func NewHandler(configMgr *config.Manager, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Handler{configMgr: configMgr, log: log}
}

// DirectoryItem represents a file or directory
type DirectoryItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"` // 文件大小(字节),目录为空
}

// DirectoryListResponse represents the response for directory listing
type DirectoryListResponse struct {
	CurrentPath string          `json:"currentPath"`
	ParentPath  string          `json:"parentPath"`
	Folders     []DirectoryItem `json:"folders"`
	Files       []DirectoryItem `json:"files"`
	Roots       []DirectoryItem `json:"roots,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// DownloadDirectoryResponse describes the current download directory
type DownloadDirectoryResponse struct {
	Path   string            `json:"path"`
	Exists bool              `json:"exists"`
	Space  *fsutil.SpaceInfo `json:"space,omitempty"`
}

// ListDirectory handles directory listing requests
func (h *Handler) ListDirectory(c *gin.Context) {
	path := c.Query("path")

	// 如果没有指定路径,返回系统根目录列表
	if path == "" {
		roots := getSystemRoots()
		api.Success(c, DirectoryListResponse{
			Folders: roots,
			Files:   []DirectoryItem{},
			Roots:   roots,
		})
		return
	}

	cleanPath, err := sanitizePath(path)
	if err != nil {
		h.log.WithField("path", path).Warnf("路径验证失败: %v", err)
		api.BadRequest(c, fmt.Sprintf("无效的路径: %v", err))
		return
	}

	resp := DirectoryListResponse{
		CurrentPath: cleanPath,
		ParentPath:  filepath.Dir(cleanPath),
		Folders:     []DirectoryItem{},
		Files:       []DirectoryItem{},
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			resp.Error = "目录不存在"
		} else {
			resp.Error = "无法访问目录"
		}
		api.Success(c, resp)
		return
	}

	// 如果是文件而不是目录,返回其父目录
	if !fileInfo.IsDir() {
		cleanPath = filepath.Dir(cleanPath)
		resp.CurrentPath = cleanPath
		resp.ParentPath = filepath.Dir(cleanPath)
	}

	entries, err := os.ReadDir(cleanPath)
	if err != nil {
		resp.Error = "无法读取目录内容"
		api.Success(c, resp)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		// 跳过隐藏文件/文件夹
		if strings.HasPrefix(name, ".") {
			continue
		}
		fullPath := filepath.Join(cleanPath, name)

		if entry.IsDir() {
			resp.Folders = append(resp.Folders, DirectoryItem{Name: name, Path: fullPath})
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		resp.Files = append(resp.Files, DirectoryItem{Name: name, Path: fullPath, Size: size})
	}

	api.Success(c, resp)
}

// GetDownloadDirectory returns the configured download directory with its free space
func (h *Handler) GetDownloadDirectory(c *gin.Context) {
	dir := h.configMgr.GetDownloadDirectory()
	if dir == "" {
		dir = config.DefaultDownloadDir()
	}

	resp := DownloadDirectoryResponse{Path: dir}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		resp.Exists = true
	}
	if space, err := fsutil.FreeSpace(dir); err == nil {
		resp.Space = space
	} else {
		h.log.WithError(err).Debugf("无法获取磁盘空间: %s", dir)
	}

	api.Success(c, resp)
}

// SetDownloadDirectory creates and persists a new download directory
func (h *Handler) SetDownloadDirectory(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "路径参数缺失")
		return
	}

	cleanPath, err := sanitizePath(req.Path)
	if err != nil {
		api.BadRequest(c, fmt.Sprintf("无效的路径: %v", err))
		return
	}

	if err := fsutil.EnsureDir(cleanPath); err != nil {
		if os.IsPermission(err) {
			api.ErrorWithDetails(c, types.ErrPermissionDenied, "目录不可写", err.Error())
			return
		}
		api.ErrorWithDetails(c, types.ErrInvalidRequest, "无法创建目录", err.Error())
		return
	}
	if !isReadable(cleanPath) {
		api.Error(c, types.ErrPermissionDenied, "目录不可读")
		return
	}

	if err := h.configMgr.SetDownloadDirectory(cleanPath); err != nil {
		api.ErrorWithDetails(c, types.ErrInternalError, "Failed to save configuration", err.Error())
		return
	}
	h.log.WithField("path", cleanPath).Info("下载目录已更新")

	h.GetDownloadDirectory(c)
}

// sanitizePath 清理和验证路径,防止路径遍历攻击
func sanitizePath(inputPath string) (string, error) {
	if strings.TrimSpace(inputPath) == "" {
		return "", fmt.Errorf("路径为空")
	}
	if strings.ContainsRune(inputPath, 0) {
		return "", fmt.Errorf("路径包含非法字符")
	}

	absPath, err := filepath.Abs(inputPath)
	if err != nil {
		return "", fmt.Errorf("无法解析路径: %w", err)
	}
	return filepath.Clean(absPath), nil
}

// getSystemRoots 返回系统根目录列表
func getSystemRoots() []DirectoryItem {
	var roots []DirectoryItem

	switch runtime.GOOS {
	case "windows":
		for _, drive := range "ABCDEFGHIJKLMNOPQRSTUVWXYZ" {
			path := string(drive) + ":\\"
			if _, err := os.Stat(path); err == nil {
				roots = append(roots, DirectoryItem{Name: string(drive) + " 盘", Path: path})
			}
		}
	default:
		roots = append(roots, DirectoryItem{Name: "根目录", Path: "/"})
		if homeDir, err := os.UserHomeDir(); err == nil {
			roots = append(roots, DirectoryItem{Name: "主目录", Path: homeDir})
		}
	}

	// 默认下载目录放在最后
	if dir := config.DefaultDownloadDir(); dir != "" {
		roots = append(roots, DirectoryItem{Name: "下载目录", Path: dir})
	}
	return roots
}

// isReadable 检查目录是否可读
func isReadable(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()
	return true
}
