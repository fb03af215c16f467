// Package definition loads pipelines from YAML files.
//
//	name: release
//	env: {IMAGE: registry.example.com/app}
//	stages:
//	  - name: test
//	    when: success
//	    mode: parallel
//	    timeout: 10m
//	    tasks:
//	      - name: unit
//	        run: go test ./...
//	        outputs: {coverage: coverage.out}
//	hooks:
//	  always: [{name: report, run: echo done}]
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/stagerun/internal/deploy"
	"github.com/aristath/stagerun/internal/pipeline"
	"github.com/aristath/stagerun/internal/remote"
	"github.com/aristath/stagerun/internal/shell"
)

// File is the on-disk pipeline format.
type File struct {
	Name   string            `yaml:"name"`
	Env    map[string]string `yaml:"env"`
	Stages []StageSpec       `yaml:"stages"`
	Hooks  HooksSpec         `yaml:"hooks"`
}

// StageSpec describes one stage.
type StageSpec struct {
	Name    string            `yaml:"name"`
	When    string            `yaml:"when"` // Guard expression; empty means always
	Mode    string            `yaml:"mode"` // sequential (default) or parallel
	Timeout Duration          `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
	Tasks   []TaskSpec        `yaml:"tasks"`
}

// TaskSpec describes one task. A task with neither Run nor Deploy is a no-op.
type TaskSpec struct {
	Name          string            `yaml:"name"`
	Run           string            `yaml:"run"`
	Dir           string            `yaml:"dir"`
	KillOnTimeout bool              `yaml:"kill_on_timeout"`
	Deploy        *DeploySpec       `yaml:"deploy"`
	Inputs        []string          `yaml:"inputs"`
	Outputs       map[string]string `yaml:"outputs"` // artifact name -> path
	Env           map[string]string `yaml:"env"`
	Credentials   []string          `yaml:"credentials"`
	Locks         []string          `yaml:"locks"`
}

// DeploySpec describes a remote container deployment. String fields
// support ${VAR} expansion from the pipeline environment.
type DeploySpec struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	User               string   `yaml:"user"`
	Credential         string   `yaml:"credential"`
	Registry           string   `yaml:"registry"`
	RegistryCredential string   `yaml:"registry_credential"`
	Container          string   `yaml:"container"`
	Image              string   `yaml:"image"`
	Args               []string `yaml:"args"`
	Engine             string   `yaml:"engine"`
}

// HooksSpec groups hooks by trigger.
type HooksSpec struct {
	Always  []HookSpec `yaml:"always"`
	Success []HookSpec `yaml:"success"`
	Failure []HookSpec `yaml:"failure"`
	Cleanup []HookSpec `yaml:"cleanup"`
}

// HookSpec is a shell hook.
type HookSpec struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Duration is a time.Duration written as "90s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Options supplies the runtime collaborators a definition is bound to.
type Options struct {
	Env            pipeline.Environment  // Initial run environment, for env: guards and ${VAR}
	Transport      remote.Transport      // Used by deploy tasks
	Processes      *shell.ProcessManager // Tracks shell task subprocesses
	BaseDir        string                // Working directory for shell tasks; Load uses the file's directory
	DefaultTimeout time.Duration         // Applied to stages without a timeout
	StopRetry      deploy.RetryConfig    // Deploy stop-step retry policy
}

// Load reads and builds the pipeline at path.
func Load(path string, opts Options) (*pipeline.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline %s: %w", path, err)
	}
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Dir(path)
	}
	p, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses YAML into a File, rejecting unknown fields.
func Decode(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty definition", pipeline.ErrInvalidPipeline)
		}
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &f, nil
}

// Parse decodes data and builds a validated pipeline.
func Parse(data []byte, opts Options) (*pipeline.Pipeline, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return f.Build(opts)
}

// Build turns the definition into a validated pipeline.
func (f *File) Build(opts Options) (*pipeline.Pipeline, error) {
	env := pipeline.NewEnvironment(f.Env).Overlay(opts.Env.Map())

	p := &pipeline.Pipeline{Name: f.Name, Env: f.Env}
	if p.Name == "" {
		p.Name = "pipeline"
	}

	var errs []error
	for _, spec := range f.Stages {
		stage, err := buildStage(spec, env, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("stage %q: %w", spec.Name, err))
			continue
		}
		p.Stages = append(p.Stages, stage)
	}

	for _, group := range []struct {
		trigger pipeline.Trigger
		specs   []HookSpec
	}{
		{pipeline.TriggerAlways, f.Hooks.Always},
		{pipeline.TriggerSuccess, f.Hooks.Success},
		{pipeline.TriggerFailure, f.Hooks.Failure},
		{pipeline.TriggerCleanup, f.Hooks.Cleanup},
	} {
		for i, spec := range group.specs {
			if spec.Run == "" {
				errs = append(errs, fmt.Errorf("%s hook %d: run is required", group.trigger, i))
				continue
			}
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("%s-%d", group.trigger, i)
			}
			sh := &shell.Task{Command: spec.Run, Dir: opts.BaseDir, Env: env, Processes: opts.Processes}
			p.Hooks = append(p.Hooks, pipeline.Hook{Name: name, Trigger: group.trigger, Action: sh.Hook()})
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrInvalidPipeline, errors.Join(errs...))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func buildStage(spec StageSpec, env pipeline.Environment, opts Options) (pipeline.Stage, error) {
	// A stage without a condition always runs, matching a nil Guard.
	var guard pipeline.Guard
	if spec.When != "" {
		g, err := ParseGuard(spec.When, env)
		if err != nil {
			return pipeline.Stage{}, err
		}
		guard = g
	}

	mode := pipeline.Sequential
	if spec.Mode != "" {
		m, err := pipeline.ParseMode(spec.Mode)
		if err != nil {
			return pipeline.Stage{}, err
		}
		mode = m
	}

	timeout := time.Duration(spec.Timeout)
	if timeout == 0 {
		timeout = opts.DefaultTimeout
	}

	stage := pipeline.Stage{
		Name:    spec.Name,
		Guard:   guard,
		Mode:    mode,
		Env:     spec.Env,
		Timeout: timeout,
	}

	var errs []error
	for _, ts := range spec.Tasks {
		task, err := buildTask(ts, env, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", ts.Name, err))
			continue
		}
		stage.Tasks = append(stage.Tasks, task)
	}
	return stage, errors.Join(errs...)
}

func buildTask(spec TaskSpec, env pipeline.Environment, opts Options) (pipeline.Task, error) {
	task := pipeline.Task{
		Name:        spec.Name,
		Inputs:      spec.Inputs,
		Env:         spec.Env,
		Credentials: spec.Credentials,
		Locks:       spec.Locks,
	}
	for name := range spec.Outputs {
		task.Outputs = append(task.Outputs, name)
	}
	sort.Strings(task.Outputs)

	switch {
	case spec.Run != "" && spec.Deploy != nil:
		return task, errors.New("run and deploy are mutually exclusive")
	case spec.Run != "":
		dir := spec.Dir
		if dir == "" {
			dir = opts.BaseDir
		} else if !filepath.IsAbs(dir) && opts.BaseDir != "" {
			dir = filepath.Join(opts.BaseDir, dir)
		}
		task.Runner = &shell.Task{
			Command:       spec.Run,
			Dir:           dir,
			Outputs:       spec.Outputs,
			KillOnTimeout: spec.KillOnTimeout,
			Processes:     opts.Processes,
		}
	case spec.Deploy != nil:
		d, err := buildDeploy(spec.Deploy, env, opts)
		if err != nil {
			return task, err
		}
		task.Runner = d
		task.Credentials = appendMissing(task.Credentials, d.SSHCredential, d.RegistryCredential)
		task.Locks = appendMissing(task.Locks, "deploy:"+d.Target.Address()+"/"+d.Container)
	}
	return task, nil
}

func buildDeploy(spec *DeploySpec, env pipeline.Environment, opts Options) (*deploy.Task, error) {
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			v, _ := env.Get(key)
			return v
		})
	}

	d := &deploy.Task{
		Transport: opts.Transport,
		Target: remote.Target{
			Host: expand(spec.Host),
			Port: spec.Port,
			User: expand(spec.User),
		},
		SSHCredential:      spec.Credential,
		RegistryCredential: spec.RegistryCredential,
		Registry:           expand(spec.Registry),
		Container:          expand(spec.Container),
		Image:              expand(spec.Image),
		Engine:             spec.Engine,
		StopRetry:          opts.StopRetry,
	}
	for _, a := range spec.Args {
		d.RunArgs = append(d.RunArgs, expand(a))
	}

	switch {
	case d.Target.Host == "":
		return nil, errors.New("deploy.host is required")
	case d.Container == "":
		return nil, errors.New("deploy.container is required")
	case d.Image == "":
		return nil, errors.New("deploy.image is required")
	}
	return d, nil
}

func appendMissing(list []string, items ...string) []string {
	for _, item := range items {
		if item == "" {
			continue
		}
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
