package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/stagerun/internal/artifacts"
	"github.com/aristath/stagerun/internal/config"
	"github.com/aristath/stagerun/internal/credentials"
	"github.com/aristath/stagerun/internal/definition"
	"github.com/aristath/stagerun/internal/deploy"
	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/events"
	"github.com/aristath/stagerun/internal/logging"
	"github.com/aristath/stagerun/internal/persistence"
	"github.com/aristath/stagerun/internal/pipeline"
	"github.com/aristath/stagerun/internal/remote"
	"github.com/aristath/stagerun/internal/shell"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		file      string
		envFiles  []string
		envPairs  []string
		credsFile string
		progress  bool
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline",
		Long: `Execute a pipeline definition and print a summary.

The exit status is 0 when the run succeeded and 1 when it failed.

Examples:
  stagerun run -f pipeline.yaml
  stagerun run -f deploy.yaml --env-file .env --env TARGET=prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			env, err := loadEnvironment(envFiles, envPairs)
			if err != nil {
				return err
			}
			creds, err := loadCredentials(credsFile)
			if err != nil {
				return err
			}

			log, err := a.newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			report, err := a.execute(cmd.Context(), cfg, log, file, env, creds, progress)
			if err != nil {
				return err
			}

			if !noHistory {
				// A canceled run is still worth recording.
				if err := saveReport(context.WithoutCancel(cmd.Context()), cfg.DBPath, report); err != nil {
					log.Warn("saving run history failed", "run_id", report.RunID, "error", err)
					fmt.Fprintf(a.stderr, "warning: run history not saved: %v\n", err)
				}
			}

			printSummary(a.stdout, report)
			if code := report.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "pipeline.yaml", "pipeline definition")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) for the initial run environment")
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "KEY=VALUE added to the run environment (repeatable)")
	cmd.Flags().StringVar(&credsFile, "credentials", "", "YAML file of credential bundles (name: {field: value}); STAGERUN_CRED_* variables take precedence")
	cmd.Flags().BoolVar(&progress, "progress", false, "print stage and task events as they happen")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")
	return cmd
}

// execute builds the pipeline against live collaborators and runs it.
func (a *app) execute(ctx context.Context, cfg *config.Config, log *logging.Logger, file string, env pipeline.Environment, creds credentials.Provider, progress bool) (*engine.RunReport, error) {
	pm := shell.NewProcessManager()
	// Kill the process groups of running tasks on SIGINT/SIGTERM; the
	// engine then skips what is left and runs the hooks.
	stopKill := context.AfterFunc(ctx, func() {
		log.Info("shutdown signal received, killing subprocesses", "count", pm.Count())
		if err := pm.KillAll(); err != nil {
			log.Error("killing subprocesses failed", "error", err)
		}
	})
	defer stopKill()

	retry := deploy.DefaultRetryConfig()
	retry.MaxElapsedTime = cfg.Deploy.StopMaxElapsed

	p, err := definition.Load(file, definition.Options{
		Env:            env,
		Transport:      newTransport(cfg, log),
		Processes:      pm,
		DefaultTimeout: cfg.DefaultStageTimeout,
		StopRetry:      retry,
	})
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	bus := events.NewBus()
	defer bus.Close()

	done := make(chan struct{})
	if progress {
		ch := bus.SubscribeAll(256)
		go func() {
			defer close(done)
			printEvents(a.stderr, ch)
		}()
	} else {
		close(done)
	}

	eng := engine.New(engine.Config{
		ConcurrencyLimit: cfg.Concurrency,
		Logger:           log,
		Bus:              bus,
		Credentials:      creds,
		Sink:             artifacts.NewDirSink(filepath.Join(cfg.ArtifactDir, runID)),
		NewRunID:         func() string { return runID },
	})

	report, err := eng.Execute(ctx, p, env)
	bus.Close()
	<-done
	return report, err
}

// newTransport wraps the configured transport in per-host circuit breakers.
func newTransport(cfg *config.Config, log *logging.Logger) remote.Transport {
	var base remote.Transport
	switch cfg.Deploy.Transport {
	case "local":
		base = remote.LocalTransport{}
	default:
		base = remote.NewSSHTransport(remote.SSHConfig{
			KnownHostsFile:        cfg.SSH.KnownHosts,
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
			DialTimeout:           cfg.SSH.DialTimeout,
		})
	}
	return remote.NewBreakerTransport(base, remote.BreakerConfig{
		Failures: cfg.Deploy.BreakerFailures,
		Timeout:  cfg.Deploy.BreakerTimeout,
	}, log)
}

// loadEnvironment reads dotenv files in order, then applies KEY=VALUE pairs.
func loadEnvironment(files, pairs []string) (pipeline.Environment, error) {
	vars := make(map[string]string)
	if len(files) > 0 {
		read, err := godotenv.Read(files...)
		if err != nil {
			return pipeline.Environment{}, fmt.Errorf("reading env files: %w", err)
		}
		vars = read
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return pipeline.Environment{}, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return pipeline.NewEnvironment(vars), nil
}

// loadCredentials returns the provider chain for a run: STAGERUN_CRED_*
// variables first, then bundles from the optional YAML file.
func loadCredentials(path string) (credentials.Provider, error) {
	if path == "" {
		return credentials.EnvProvider{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	var static credentials.StaticProvider
	if err := yaml.Unmarshal(data, &static); err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
	}
	return credentials.Chain{credentials.EnvProvider{}, static}, nil
}

func saveReport(ctx context.Context, dbPath string, report *engine.RunReport) error {
	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveReport(ctx, report)
}
