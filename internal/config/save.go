package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape. Durations are written as "30s" rather
// than yaml.v3's integer nanoseconds so Load can read them back.
type fileConfig struct {
	LogLevel            string `yaml:"log_level"`
	LogDir              string `yaml:"log_dir"`
	Concurrency         int    `yaml:"concurrency"`
	ArtifactDir         string `yaml:"artifact_dir"`
	DBPath              string `yaml:"db_path"`
	DefaultStageTimeout string `yaml:"default_stage_timeout"`
	APIAddr             string `yaml:"api_addr"`
	SSH                 struct {
		KnownHosts            string `yaml:"known_hosts,omitempty"`
		InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
		DialTimeout           string `yaml:"dial_timeout"`
	} `yaml:"ssh"`
	Deploy struct {
		Transport       string `yaml:"transport"`
		StopMaxElapsed  string `yaml:"stop_max_elapsed"`
		BreakerFailures uint32 `yaml:"breaker_failures"`
		BreakerTimeout  string `yaml:"breaker_timeout"`
	} `yaml:"deploy"`
}

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	var f fileConfig
	f.LogLevel = cfg.LogLevel
	f.LogDir = cfg.LogDir
	f.Concurrency = cfg.Concurrency
	f.ArtifactDir = cfg.ArtifactDir
	f.DBPath = cfg.DBPath
	f.DefaultStageTimeout = cfg.DefaultStageTimeout.String()
	f.APIAddr = cfg.APIAddr
	f.SSH.KnownHosts = cfg.SSH.KnownHosts
	f.SSH.InsecureIgnoreHostKey = cfg.SSH.InsecureIgnoreHostKey
	f.SSH.DialTimeout = cfg.SSH.DialTimeout.String()
	f.Deploy.Transport = cfg.Deploy.Transport
	f.Deploy.StopMaxElapsed = cfg.Deploy.StopMaxElapsed.String()
	f.Deploy.BreakerFailures = cfg.Deploy.BreakerFailures
	f.Deploy.BreakerTimeout = cfg.Deploy.BreakerTimeout.String()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
