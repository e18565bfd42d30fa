package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Load loads the main configuration from file
// If the file doesn't exist, creates a default config file.
// FERRY_* environment variables override file values.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Try to read config file
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		// If file doesn't exist, create default config
		if os.IsNotExist(err) {
			config := DefaultConfig()
			// 设置 mode 与 Manager 的 mode 一致
			config.Mode = m.mode
			if err := m.saveUnsafe(config); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
			return m.applyEnv(config)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Unmarshal YAML over the defaults so missing sections keep sane values
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// 确保 mode 字段与运行时一致
	config.Mode = m.mode

	return m.applyEnv(config)
}

// applyEnv applies FERRY_* overrides, validates and stores the result
func (m *Manager) applyEnv(config *Config) (*Config, error) {
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m.config = config
	return config.Clone(), nil
}

// saveUnsafe saves config without locking (internal use)
func (m *Manager) saveUnsafe(config *Config) error {
	// Validate before saving
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Ensure directory exists
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write config to temp file first (atomic write)
	tempPath := m.configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, m.configPath); err != nil {
		os.Remove(tempPath) // Clean up temp file
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	m.config = config.Clone()
	return nil
}

// Save saves the configuration to file
func (m *Manager) Save(config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saveUnsafe(config.Clone())
}

// Get returns the currently loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}

	// Return a copy to prevent concurrent modification
	return m.config.Clone()
}

// GetDownloadDirectory returns the configured download directory
func (m *Manager) GetDownloadDirectory() string {
	return m.Get().Download.Directory
}

// SetDownloadDirectory persists a new download directory
func (m *Manager) SetDownloadDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid download directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	config := DefaultConfig()
	if m.config != nil {
		config = m.config.Clone()
	}
	config.Download.Directory = abs
	return m.saveUnsafe(config)
}
