package config

import "time"

// Config is the top-level stagerun configuration.
type Config struct {
	LogLevel            string        `mapstructure:"log_level"`
	LogDir              string        `mapstructure:"log_dir"`
	Concurrency         int           `mapstructure:"concurrency"` // Max tasks in flight per parallel stage; 0 is unbounded
	ArtifactDir         string        `mapstructure:"artifact_dir"`
	DBPath              string        `mapstructure:"db_path"`
	DefaultStageTimeout time.Duration `mapstructure:"default_stage_timeout"`
	APIAddr             string        `mapstructure:"api_addr"`
	SSH                 SSHConfig     `mapstructure:"ssh"`
	Deploy              DeployConfig  `mapstructure:"deploy"`
}

// SSHConfig configures the deploy transport's SSH client.
type SSHConfig struct {
	KnownHosts            string        `mapstructure:"known_hosts"` // Empty means ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
}

// DeployConfig tunes remote deploy tasks.
type DeployConfig struct {
	// Transport is "ssh", or "local" to run container commands on this
	// machine regardless of the target host.
	Transport      string        `mapstructure:"transport"`
	StopMaxElapsed time.Duration `mapstructure:"stop_max_elapsed"`
	// Consecutive connection failures that open a host's circuit breaker.
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}
