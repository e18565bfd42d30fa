// Package config provides configuration management for the Ferry server.
// It handles loading, saving, and validating configuration from YAML files,
// with FERRY_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ferry-project/ferry/Ferry/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "ferry.config.yaml"
	// EnvPrefix is the prefix of environment overrides, e.g. FERRY_SERVER_PORT
	EnvPrefix = "FERRY"
)

// Fetch backends
const (
	FetchBackendAria2c = "aria2c"
	FetchBackendHTTP   = "http"
	FetchBackendAuto   = "auto"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Tools    ToolsConfig           `mapstructure:"tools" yaml:"tools" json:"tools"`
	Security SecurityConfig        `mapstructure:"security" yaml:"security" json:"security"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
	// 运行模式，仅用于日志文件命名
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host" json:"host"`
	Port         int    `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout" split_words:"true"`    // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout" split_words:"true"` // seconds
}

// DownloadConfig contains download orchestrator configuration
type DownloadConfig struct {
	Directory     string            `mapstructure:"directory" yaml:"directory" json:"directory"`
	MaxConcurrent int               `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"maxConcurrent" split_words:"true"` // 0 = unlimited
	UserAgent     string            `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent" split_words:"true"`
	Referer       string            `mapstructure:"referer" yaml:"referer" json:"referer"`
	Headers       map[string]string `mapstructure:"headers" yaml:"headers,omitempty" json:"headers,omitempty"`
}

// ToolsConfig contains external tool locations
type ToolsConfig struct {
	Aria2c       ToolConfig `mapstructure:"aria2c" yaml:"aria2c" json:"aria2c"`
	FFmpeg       ToolConfig `mapstructure:"ffmpeg" yaml:"ffmpeg" json:"ffmpeg"`
	FetchBackend string     `mapstructure:"fetch_backend" yaml:"fetch_backend" json:"fetchBackend" split_words:"true"` // aria2c, http, auto
}

// ToolConfig describes one external binary
type ToolConfig struct {
	Path      string `mapstructure:"path" yaml:"path" json:"path"`
	ExtraArgs string `mapstructure:"extra_args" yaml:"extra_args" json:"extraArgs" split_words:"true"` // shell-like, appended before the output arguments
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	CORSEnabled    bool     `mapstructure:"cors_enabled" yaml:"cors_enabled" json:"corsEnabled" split_words:"true"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins" split_words:"true"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`                                     // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format"`                                  // json, text
	Output     string `mapstructure:"output" yaml:"output" json:"output"`                                  // stdout, file, both
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`                         // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize" split_words:"true"`          // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups" split_words:"true"` // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge" split_words:"true"`             // days
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`                            // compress old logs
}

// DefaultDownloadDir returns <home>/Downloads/Ferry
func DefaultDownloadDir() string {
	// 测试环境下不碰用户目录
	if testing.Testing() {
		return filepath.Join(os.TempDir(), "ferry-test-downloads")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, "downloads")
	}
	return filepath.Join(home, "Downloads", "Ferry")
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()
	logDir := filepath.Join(cwd, "logs")
	dataDir := filepath.Join(cwd, "data")

	return &Config{
		Mode: "standalone",
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9280,
			ReadTimeout:  60,
			WriteTimeout: 0, // SSE/websocket 长连接
		},
		Download: DownloadConfig{
			Directory:     DefaultDownloadDir(),
			MaxConcurrent: 0,
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Referer:       "https://www.bilibili.com",
		},
		Tools: ToolsConfig{
			Aria2c:       ToolConfig{Path: "aria2c"},
			FFmpeg:       ToolConfig{Path: "ffmpeg"},
			FetchBackend: FetchBackendAuto,
		},
		Security: SecurityConfig{
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both", // stdout + file
			Directory:  logDir,
			MaxSize:    50, // 50MB
			MaxBackups: 3,
			MaxAge:     7, // 7 days
			Compress:   false,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeJSON,
			JSON: &storage.JSONConfig{
				Directory: dataDir,
			},
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(dataDir, "ferry.db"),
				EnableWAL: true,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mode == "" {
		c.Mode = "standalone"
	}

	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	// Validate download settings
	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent downloads cannot be negative")
	}

	// Validate tools
	if c.Tools.FetchBackend == "" {
		c.Tools.FetchBackend = FetchBackendAuto
	}
	switch c.Tools.FetchBackend {
	case FetchBackendAria2c, FetchBackendHTTP, FetchBackendAuto:
	default:
		return fmt.Errorf("invalid fetch backend: %s (must be aria2c, http, or auto)", c.Tools.FetchBackend)
	}
	if c.Tools.FFmpeg.Path == "" {
		return fmt.Errorf("ffmpeg path cannot be empty")
	}
	if c.Tools.Aria2c.Path == "" && c.Tools.FetchBackend == FetchBackendAria2c {
		return fmt.Errorf("aria2c path cannot be empty when fetch backend is aria2c")
	}

	// Validate storage
	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeJSON:
		if c.Storage.JSON == nil || c.Storage.JSON.Directory == "" {
			return fmt.Errorf("json storage requires a directory")
		}
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	return nil
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := *c
	if c.Download.Headers != nil {
		out.Download.Headers = make(map[string]string, len(c.Download.Headers))
		for k, v := range c.Download.Headers {
			out.Download.Headers[k] = v
		}
	}
	out.Security.AllowedOrigins = append([]string(nil), c.Security.AllowedOrigins...)
	if c.Storage.JSON != nil {
		j := *c.Storage.JSON
		out.Storage.JSON = &j
	}
	if c.Storage.SQLite != nil {
		s := *c.Storage.SQLite
		out.Storage.SQLite = &s
	}
	return &out
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("FERRY_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mode       string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(mode string) *Manager {
	return &Manager{
		configPath: filepath.Join(GetConfigDir(), DefaultConfigFile),
		mode:       mode,
	}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(mode, configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		mode:       mode,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

