package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/stagerun/internal/config"
	"github.com/aristath/stagerun/internal/logging"
)

// app holds state shared by all subcommands.
type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "stagerun",
		Short: "Run staged task pipelines",
		Long: `stagerun executes pipelines of stages. Each stage is guarded by a
condition over the run so far, runs its tasks sequentially or in parallel,
and the run ends with always/success/failure/cleanup hooks.

Configuration is read from ~/.stagerun/config.yaml and .stagerun/config.yaml,
with STAGERUN_* environment variables taking precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (replaces the global and project files)")

	root.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.Load("", a.configPath)
	}
	return config.LoadDefault()
}

func (a *app) newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(cfg.LogDir, cfg.LogLevel)
}
