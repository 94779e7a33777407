// Package config is the Configuration component (spec.md §2.3): it loads
// an OrchestratorConfig plus per-tool profile overrides from
// ~/.config/openhive/config.toml.
//
// Grounded on config/config.go's GetConfigDir (XDG-with-legacy-migration)
// and LoadConfig (read-or-seed-default), and config/profile.go's
// AgentProfile/ResolveProfile shape for the per-tool override table.
// Trimmed of the teacher's plan/ClickUp/audit-trail fields (PhaseRoles,
// AnimateBanner, BranchPrefix) — none of those map to an orchestration
// concern.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/profile"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/log"
)

// ConfigFileName is the on-disk file name within GetConfigDir().
const ConfigFileName = "config.toml"

// GetConfigDir returns the path to openhive's configuration directory.
// Uses XDG-compliant ~/.config/openhive/. On first run, migrates legacy
// directories (most recent first) into it.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	newDir := filepath.Join(homeDir, ".config", "openhive")

	if _, err := os.Stat(newDir); err == nil {
		return newDir, nil
	}

	legacyDirs := []string{
		filepath.Join(homeDir, ".openhive"),
		filepath.Join(homeDir, ".hive"),
	}

	for _, oldDir := range legacyDirs {
		if _, err := os.Stat(oldDir); err == nil {
			if mkErr := os.MkdirAll(filepath.Dir(newDir), 0755); mkErr != nil {
				log.ErrorLog.Printf("failed to create %s: %v", filepath.Dir(newDir), mkErr)
				return oldDir, nil
			}
			if renameErr := os.Rename(oldDir, newDir); renameErr != nil {
				log.ErrorLog.Printf("failed to migrate %s to %s: %v", oldDir, newDir, renameErr)
				return oldDir, nil
			}
			return newDir, nil
		}
	}

	return newDir, nil
}

// ToolProfileOverride holds per-tool orchestration knobs that
// ResolveToolProfile and MaxTasksPerWorkerFor apply over the built-in
// profile registry.
type ToolProfileOverride struct {
	StartCommand      string `toml:"start_command,omitempty"`
	StuckTimeoutMs    int    `toml:"stuck_timeout_ms,omitempty"`
	MaxTasksPerWorker int    `toml:"max_tasks_per_worker,omitempty"`
}

// Config is the on-disk shape of config.toml.
type Config struct {
	Orchestrator task.OrchestratorConfig       `toml:"orchestrator"`
	Tools        map[string]ToolProfileOverride `toml:"tools,omitempty"`
}

// DefaultConfig returns an orchestrator-config-backed Config with no
// per-tool overrides.
func DefaultConfig() *Config {
	return &Config{Orchestrator: task.DefaultOrchestratorConfig()}
}

// LoadConfig reads config.toml from GetConfigDir, seeding a default file
// on first run. Falls back to DefaultConfig on any error.
func LoadConfig() *Config {
	dir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}
	return LoadConfigFrom(filepath.Join(dir, ConfigFileName))
}

// LoadConfigFrom reads and decodes the TOML config at path, seeding a
// default file if it doesn't yet exist.
func LoadConfigFrom(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := DefaultConfig()
			if saveErr := SaveConfigTo(def, path); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return def
		}
		log.WarningLog.Printf("failed to read config file %s: %v", path, err)
		return DefaultConfig()
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		log.ErrorLog.Printf("failed to parse config file %s: %v", path, err)
		return DefaultConfig()
	}
	return cfg
}

// SaveConfig writes cfg to config.toml under GetConfigDir.
func SaveConfig(cfg *Config) error {
	dir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	return SaveConfigTo(cfg, filepath.Join(dir, ConfigFileName))
}

// SaveConfigTo writes cfg as TOML to path, creating parent directories as
// needed.
func SaveConfigTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ResolveToolProfile overlays any [tools.<tool>] override from cfg onto
// the built-in registry entry for tool. Returns the registry entry unchanged
// when cfg has no override for tool.
func (c *Config) ResolveToolProfile(tool string) (profile.ToolOrchestrationProfile, error) {
	p, err := profile.Get(tool)
	if err != nil {
		return p, err
	}
	if c == nil || c.Tools == nil {
		return p, nil
	}
	override, ok := c.Tools[tool]
	if !ok {
		return p, nil
	}
	if override.StartCommand != "" {
		p.StartCommand = override.StartCommand
	}
	if override.StuckTimeoutMs > 0 {
		p.StuckTimeoutMsDefault = override.StuckTimeoutMs
	}
	return p, nil
}

// MaxTasksPerWorkerFor returns the per-tool worker-recycling threshold,
// falling back to the orchestrator-wide default when no override is set.
func (c *Config) MaxTasksPerWorkerFor(tool string) int {
	if c == nil {
		return 0
	}
	if c.Tools != nil {
		if override, ok := c.Tools[tool]; ok && override.MaxTasksPerWorker > 0 {
			return override.MaxTasksPerWorker
		}
	}
	return c.Orchestrator.MaxTasksPerWorker
}
