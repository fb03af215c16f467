package pipeline

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"
)

// Validate checks the pipeline definition before a run starts.
//
// Besides name uniqueness it checks the artifact flow: every declared input
// must be produced by a task that is guaranteed to finish first. The
// execution order (stage barriers, sequential chains) and the
// producer->consumer edges form one graph; a consumer scheduled before its
// producer shows up as a cycle.
func (p *Pipeline) Validate() error {
	var errs []error

	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: pipeline %q has no stages", ErrInvalidPipeline, p.Name)
	}

	stageNames := make(map[string]bool, len(p.Stages))
	producers := make(map[string]string) // artifact -> task node
	for _, stage := range p.Stages {
		if stage.Name == "" {
			errs = append(errs, errors.New("stage with empty name"))
		} else if stageNames[stage.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name %q", stage.Name))
		}
		stageNames[stage.Name] = true

		if stage.Mode != Sequential && stage.Mode != Parallel {
			errs = append(errs, fmt.Errorf("stage %q has unknown mode %d", stage.Name, stage.Mode))
		}
		if stage.Timeout < 0 {
			errs = append(errs, fmt.Errorf("stage %q has negative timeout", stage.Name))
		}

		taskNames := make(map[string]bool, len(stage.Tasks))
		for _, task := range stage.Tasks {
			if task.Name == "" {
				errs = append(errs, fmt.Errorf("stage %q has a task with empty name", stage.Name))
			} else if taskNames[task.Name] {
				errs = append(errs, fmt.Errorf("stage %q has duplicate task name %q", stage.Name, task.Name))
			}
			taskNames[task.Name] = true

			for _, out := range task.Outputs {
				if prev, ok := producers[out]; ok {
					errs = append(errs, fmt.Errorf("artifact %q is produced by both %s and %s", out, prev, taskNode(stage.Name, task.Name)))
					continue
				}
				producers[out] = taskNode(stage.Name, task.Name)
			}
		}
	}

	for _, hook := range p.Hooks {
		if hook.Trigger < TriggerAlways || hook.Trigger > TriggerCleanup {
			errs = append(errs, fmt.Errorf("hook %q has unknown trigger %d", hook.Name, hook.Trigger))
		}
	}

	for _, stage := range p.Stages {
		for _, task := range stage.Tasks {
			consumer := taskNode(stage.Name, task.Name)
			for _, in := range task.Inputs {
				producer, ok := producers[in]
				if !ok {
					errs = append(errs, fmt.Errorf("task %s consumes %q which no task produces", consumer, in))
					continue
				}
				if producer == consumer {
					errs = append(errs, fmt.Errorf("task %s consumes its own output %q", consumer, in))
					continue
				}
				if stage.Mode == Parallel && sameStage(producer, stage.Name) {
					errs = append(errs, fmt.Errorf("task %s consumes %q from parallel sibling %s", consumer, in, producer))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPipeline, errors.Join(errs...))
	}

	if err := p.checkArtifactOrder(producers); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}
	return nil
}

// checkArtifactOrder runs a topological sort over execution-order edges plus
// producer->consumer edges.
func (p *Pipeline) checkArtifactOrder(producers map[string]string) error {
	var edges []toposort.Edge

	for i, stage := range p.Stages {
		begin, end := stage.Name+":begin", stage.Name+":end"
		if i == 0 {
			edges = append(edges, toposort.Edge{nil, begin})
		} else {
			edges = append(edges, toposort.Edge{p.Stages[i-1].Name + ":end", begin})
		}
		if len(stage.Tasks) == 0 {
			edges = append(edges, toposort.Edge{begin, end})
		}

		prev := ""
		for _, task := range stage.Tasks {
			node := taskNode(stage.Name, task.Name)
			edges = append(edges, toposort.Edge{begin, node}, toposort.Edge{node, end})
			if stage.Mode == Sequential && prev != "" {
				edges = append(edges, toposort.Edge{prev, node})
			}
			prev = node

			for _, in := range task.Inputs {
				if producer, ok := producers[in]; ok && producer != node {
					edges = append(edges, toposort.Edge{producer, node})
				}
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("an artifact is consumed before it is produced: %w", err)
	}
	return nil
}

func taskNode(stage, task string) string {
	return stage + "/" + task
}

func sameStage(node, stage string) bool {
	return len(node) > len(stage) && node[:len(stage)+1] == stage+"/"
}
