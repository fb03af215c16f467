package engine

import (
	"sync"

	"github.com/aristath/stagerun/internal/pipeline"
)

// runState is the only shared mutable resource of a run. It is written only
// at stage boundaries, under mu; everyone else reads StateView snapshots.
type runState struct {
	mu        sync.Mutex
	result    pipeline.Result
	artifacts map[string]string
	order     []string // artifact names in commit order
	history   []pipeline.StageRecord
}

func newRunState() *runState {
	return &runState{artifacts: make(map[string]string)}
}

// view snapshots the state for a guard, task or hook.
func (s *runState) view() pipeline.StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pipeline.NewStateView(s.result, s.artifacts, s.history)
}

// commit records a resolved stage and merges its artifacts. Artifacts are
// append-only: a name that is already recorded keeps its first location and
// is returned in dups.
func (s *runState) commit(stage string, status pipeline.StageStatus, artifacts []pipeline.Artifact) (dups []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range artifacts {
		if _, exists := s.artifacts[a.Name]; exists {
			dups = append(dups, a.Name)
			continue
		}
		s.artifacts[a.Name] = a.Location
		s.order = append(s.order, a.Name)
	}

	s.history = append(s.history, pipeline.StageRecord{Name: stage, Status: status})
	s.result = s.result.Worsen(status)
	return dups
}

// fail forces the run result to failure without a stage outcome
// (cancellation, engine faults).
func (s *runState) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = pipeline.ResultFailure
}

// finalize resolves the aggregate result. A run in which nothing failed and
// nothing ran (every stage skipped) counts as success.
func (s *runState) finalize() pipeline.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == pipeline.ResultUnknown {
		s.result = pipeline.ResultSuccess
	}
	return s.result
}

func (s *runState) artifactMap() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(s.artifacts))
	for k, v := range s.artifacts {
		cp[k] = v
	}
	return cp
}
