// Package config loads the agentloop runtime configuration from a toml
// file. Flag overrides are applied by the binaries, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// Speaker is the agent identity used for posted messages.
	Speaker string `toml:"speaker"`
	// Repo is the upstream conversation repo "org/repo".
	Repo string `toml:"repo"`
	// Fork is the writable fork "user/repo".
	Fork string `toml:"fork"`
	// LocalPath is the working clone of the fork.
	LocalPath string `toml:"local_path"`
	// ConversationsDir is the thread root inside the repo.
	ConversationsDir string `toml:"conversations_dir"`
	// Threads lists the conversation threads the loop monitors.
	Threads []string `toml:"threads"`

	Coordinator CoordinatorRuntimeConfig `toml:"coordinator"`
	Loop        LoopRuntimeConfig        `toml:"loop"`

	Path string `toml:"-"`
}

type CoordinatorRuntimeConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
}

type LoopRuntimeConfig struct {
	MaxCycles      int `toml:"max_cycles"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	StopWhenIdle   int `toml:"stop_when_idle"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentloop/config.toml"
	}
	return filepath.Join(home, ".agentloop", "config.toml")
}
