package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		LogDir:      ".stagerun/logs",
		ArtifactDir: ".stagerun/artifacts",
		DBPath:      ".stagerun/runs.db",
		APIAddr:     "127.0.0.1:8377",
		SSH: SSHConfig{
			DialTimeout: 15 * time.Second,
		},
		Deploy: DeployConfig{
			Transport:       "ssh",
			StopMaxElapsed:  30 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
	}
}

// setDefaults registers every key with v. Keys without a default are
// invisible to AutomaticEnv during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("artifact_dir", d.ArtifactDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("default_stage_timeout", d.DefaultStageTimeout)
	v.SetDefault("api_addr", d.APIAddr)

	v.SetDefault("ssh.known_hosts", d.SSH.KnownHosts)
	v.SetDefault("ssh.insecure_ignore_host_key", d.SSH.InsecureIgnoreHostKey)
	v.SetDefault("ssh.dial_timeout", d.SSH.DialTimeout)

	v.SetDefault("deploy.transport", d.Deploy.Transport)
	v.SetDefault("deploy.stop_max_elapsed", d.Deploy.StopMaxElapsed)
	v.SetDefault("deploy.breaker_failures", d.Deploy.BreakerFailures)
	v.SetDefault("deploy.breaker_timeout", d.Deploy.BreakerTimeout)
}
