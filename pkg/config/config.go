// Package config loads the YAML configuration files and the shared secret of
// a deployment from a single directory.
package config

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultSecretFile is the file the shared secret lives in, relative to the
// config directory.
const DefaultSecretFile = "secret.key"

// Manager caches every YAML file in a directory as a per-file key/value map
// and manages the deployment's shared secret file.
type Manager struct {
	dir        string
	secretFile string
	logger     *slog.Logger

	mu     sync.RWMutex
	files  map[string]map[string]any
	secret string
}

func NewManager(dir string, logger *slog.Logger) *Manager {
	return NewManagerWithSecretFile(dir, DefaultSecretFile, logger)
}

func NewManagerWithSecretFile(dir, secretFile string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		dir:        dir,
		secretFile: secretFile,
		logger:     logger,
		files:      make(map[string]map[string]any),
	}
}

// Dir returns the managed config directory.
func (m *Manager) Dir() string { return m.dir }

// LoadAll reads every .yml/.yaml file in the config directory, creating the
// directory first if needed.
func (m *Manager) LoadAll() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", m.dir, err)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to list config directory %s: %w", m.dir, err)
	}

	loaded := make(map[string]map[string]any)

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}

		values, err := m.loadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return err
		}

		loaded[entry.Name()] = values
		m.logger.Debug("config file loaded", "file", entry.Name())
	}

	m.mu.Lock()
	m.files = loaded
	m.mu.Unlock()

	m.logger.Debug("all configuration files loaded", "dir", m.dir, "count", len(loaded))

	return nil
}

func (m *Manager) loadFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	values := make(map[string]any)
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return values, nil
}

// Reload drops the cache and loads every file again.
func (m *Manager) Reload() error {
	if err := m.LoadAll(); err != nil {
		return err
	}

	m.logger.Info("all configurations reloaded")

	return nil
}

// Key returns the value stored under key in the named file, rendered as a
// string.
func (m *Manager) Key(fileName, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.files[fileName]
	if !ok {
		return "", fmt.Errorf("config file not loaded: %s", fileName)
	}

	value, ok := values[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in config %s", key, fileName)
	}

	return fmt.Sprintf("%v", value), nil
}

// File returns the full key/value map of one loaded file.
func (m *Manager) File(fileName string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.files[fileName]

	return values, ok
}

// LoadSecret loads the shared secret, generating a fresh one on first run.
func (m *Manager) LoadSecret() error {
	path := filepath.Join(m.dir, m.secretFile)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := m.generateSecret(path); err != nil {
			return err
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load secret file: %w", err)
	}

	m.mu.Lock()
	m.secret = strings.TrimSpace(string(raw))
	m.mu.Unlock()

	m.logger.Debug("secret file loaded", "path", path)

	return nil
}

// Secret returns the loaded shared secret. The value itself is never logged.
func (m *Manager) Secret() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.secret
}

func (m *Manager) generateSecret(path string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", m.dir, err)
	}

	token, err := GenerateSecret()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}

	m.logger.Info("secret file generated", "path", path)

	return nil
}

// GenerateSecret returns a 256-bit random token in lowercase base32.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)

	return strings.ToLower(token), nil
}

// WriteDefault seeds a config file with the given content unless it already
// exists.
func (m *Manager) WriteDefault(fileName string, data []byte) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", m.dir, err)
	}

	path := filepath.Join(m.dir, fileName)

	if _, err := os.Stat(path); err == nil {
		m.logger.Debug("config file already exists, skipping copy", "path", path)
		return nil
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write default config %s: %w", fileName, err)
	}

	m.logger.Info("default config written", "path", path)

	return nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}
