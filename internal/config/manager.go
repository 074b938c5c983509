package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager handles the lifecycle of the node's configuration: loading,
// saving and hot reloading.
type Manager struct {
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex

	validator *Validator
	envLoader *EnvLoader
	watcher   *ConfigWatcher

	callbacksMu       sync.Mutex
	onChangeCallbacks []func(*Config)
}

// NewManager creates a manager and performs the initial load. An empty
// configPath means defaults plus environment only.
func NewManager(logger *zap.Logger, configPath string) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:     logger.Named("config"),
		configPath: configPath,
		validator:  NewValidator(),
		envLoader:  NewEnvLoader(EnvPrefix),
	}
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}
	return m, nil
}

// Load reads the file over the defaults, applies environment overrides and
// validates the result. The current configuration is kept on failure.
func (m *Manager) Load() error {
	cfg, err := m.read()
	if err != nil {
		return err
	}

	m.configMu.Lock()
	initial := m.config == nil
	m.config = cfg
	m.configMu.Unlock()

	if !initial {
		m.notifyChange(cfg)
	}
	m.logger.Debug("Configuration loaded", zap.String("path", m.configPath))
	return nil
}

func (m *Manager) read() (*Config, error) {
	cfg := DefaultConfig()

	if m.configPath != "" {
		data, err := os.ReadFile(m.configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := m.envLoader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := m.validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes the current configuration to the file atomically.
func (m *Manager) Save() error {
	return WriteFile(m.configPath, m.Get())
}

// WriteFile writes cfg as YAML to path via a temporary file and rename.
func WriteFile(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("no config path")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary config file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.config.Clone()
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// OnChange registers a callback run after every successful reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.onChangeCallbacks = append(m.onChangeCallbacks, callback)
}

func (m *Manager) notifyChange(cfg *Config) {
	m.callbacksMu.Lock()
	callbacks := append([]func(*Config){}, m.onChangeCallbacks...)
	m.callbacksMu.Unlock()

	for _, callback := range callbacks {
		callback(cfg.Clone())
	}
}

// StartWatcher reloads the configuration whenever the file changes.
func (m *Manager) StartWatcher(debounce time.Duration) error {
	if m.configPath == "" {
		return fmt.Errorf("no config path to watch")
	}
	var err error
	m.watcher, err = NewConfigWatcher(m.logger, m.configPath, debounce)
	if err != nil {
		return err
	}
	return m.watcher.Start(func() {
		if err := m.Load(); err != nil {
			m.logger.Error("Failed to hot-reload configuration", zap.Error(err))
		}
	})
}

// StopWatcher stops the file watcher.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}
