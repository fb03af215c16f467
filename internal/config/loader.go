package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STAGERUN_SSH_KNOWN_HOSTS.
const EnvPrefix = "STAGERUN"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed YAML
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.stagerun/config.yaml
// Project: .stagerun/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	global, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(global, ProjectPath())
}

// GlobalPath is the per-user config file.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".stagerun", "config.yaml"), nil
}

// ProjectPath is the config file in the current project.
func ProjectPath() string {
	return filepath.Join(".stagerun", "config.yaml")
}

// mergeConfigFile merges the YAML file at path into v. Missing files are
// silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency: must not be negative, got %d", c.Concurrency))
	}
	if c.DefaultStageTimeout < 0 {
		errs = append(errs, errors.New("default_stage_timeout: must not be negative"))
	}
	switch c.Deploy.Transport {
	case "ssh", "local":
	default:
		errs = append(errs, fmt.Errorf("deploy.transport: expected ssh or local, got %q", c.Deploy.Transport))
	}
	if c.Deploy.StopMaxElapsed < 0 {
		errs = append(errs, errors.New("deploy.stop_max_elapsed: must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
