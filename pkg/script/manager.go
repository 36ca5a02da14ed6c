// Package script loads YAML script definitions that map channel events to
// commands executed on linked servers.
package script

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Command is one command entry inside a script.
type Command struct {
	Command                   string   `yaml:"command"`
	Delay                     int      `yaml:"delay"`
	TargetClientIDs           []string `yaml:"target-client-ids"`
	TargetExecutor            string   `yaml:"target-executor"`
	WaitUntilPlayerIsOnline   bool     `yaml:"wait-until-player-is-online"`
	CheckIfExecutorIsPlayer   bool     `yaml:"check-if-executor-is-player"`
	CheckIfExecutorIsOnServer bool     `yaml:"check-if-executor-is-on-server"`
}

// UnmarshalYAML applies the command defaults before decoding, so omitted
// fields keep them.
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	type rawCommand Command

	raw := rawCommand{
		TargetExecutor:            "console",
		CheckIfExecutorIsPlayer:   true,
		CheckIfExecutorIsOnServer: true,
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	*c = Command(raw)

	return nil
}

// Script is the definition held by one script file.
type Script struct {
	Name                  string    `yaml:"name"`
	Enabled               bool      `yaml:"enabled"`
	IgnorePermissionCheck bool      `yaml:"ignore-permission-check"`
	HidePermissionWarning bool      `yaml:"hide-permission-warning"`
	Commands              []Command `yaml:"commands"`
}

// Manager caches every YAML script file in a directory.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	scripts map[string]*Script

	// OnFileProcessed is invoked after each script file loads, in directory
	// order.
	OnFileProcessed func(fileName string, script *Script)
}

func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		dir:     dir,
		logger:  logger,
		scripts: make(map[string]*Script),
	}
}

// LoadAll reads every .yml/.yaml file in the scripts directory, creating the
// directory first if needed.
func (m *Manager) LoadAll() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create scripts directory %s: %w", m.dir, err)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to list scripts directory %s: %w", m.dir, err)
	}

	loaded := make(map[string]*Script)

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}

		script, err := m.loadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return err
		}

		loaded[entry.Name()] = script
		m.logger.Debug("script file loaded", "file", entry.Name())

		if m.OnFileProcessed != nil {
			m.OnFileProcessed(entry.Name(), script)
		}
	}

	m.mu.Lock()
	m.scripts = loaded
	m.mu.Unlock()

	m.logger.Debug("all script files loaded", "dir", m.dir, "count", len(loaded))

	return nil
}

func (m *Manager) loadFile(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file %s: %w", path, err)
	}

	script := &Script{Name: "Unnamed Command"}
	if err := yaml.Unmarshal(raw, script); err != nil {
		return nil, fmt.Errorf("failed to parse script file %s: %w", path, err)
	}

	return script, nil
}

// Reload drops the cache and loads every script again.
func (m *Manager) Reload() error {
	if err := m.LoadAll(); err != nil {
		return err
	}

	m.logger.Info("all scripts reloaded")

	return nil
}

// Get returns the script loaded from the named file.
func (m *Manager) Get(fileName string) (*Script, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	script, ok := m.scripts[fileName]

	return script, ok
}

// Names lists the loaded script file names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.scripts))
	for name := range m.scripts {
		names = append(names, name)
	}

	return names
}

// WriteDefault seeds a script file with the given content unless it already
// exists.
func (m *Manager) WriteDefault(fileName string, data []byte) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create scripts directory %s: %w", m.dir, err)
	}

	path := filepath.Join(m.dir, fileName)

	if _, err := os.Stat(path); err == nil {
		m.logger.Debug("script file already exists, skipping copy", "path", path)
		return nil
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write default script %s: %w", fileName, err)
	}

	m.logger.Info("default script written", "path", path)

	return nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}
