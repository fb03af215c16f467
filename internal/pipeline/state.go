package pipeline

// StageRecord is a completed stage outcome as seen by guards.
type StageRecord struct {
	Name   string
	Status StageStatus
}

// StateView is a read-only snapshot of run state. Guards and tasks receive a
// StateView rather than the live state, so they can never observe a partial
// commit or mutate the run.
type StateView struct {
	result    Result
	artifacts map[string]string
	history   []StageRecord
}

// NewStateView copies the given state into a snapshot.
func NewStateView(result Result, artifacts map[string]string, history []StageRecord) StateView {
	a := make(map[string]string, len(artifacts))
	for k, v := range artifacts {
		a[k] = v
	}
	return StateView{
		result:    result,
		artifacts: a,
		history:   append([]StageRecord(nil), history...),
	}
}

// Result is the aggregate result of the run at snapshot time.
func (v StateView) Result() Result {
	return v.result
}

// Artifact returns the location recorded for name.
func (v StateView) Artifact(name string) (string, bool) {
	loc, ok := v.artifacts[name]
	return loc, ok
}

// Artifacts returns a copy of all recorded artifacts.
func (v StateView) Artifacts() map[string]string {
	cp := make(map[string]string, len(v.artifacts))
	for k, loc := range v.artifacts {
		cp[k] = loc
	}
	return cp
}

// History returns completed stage outcomes in execution order.
func (v StateView) History() []StageRecord {
	return append([]StageRecord(nil), v.history...)
}

// StageStatus returns the recorded status of a completed stage.
func (v StateView) StageStatus(name string) (StageStatus, bool) {
	for _, rec := range v.history {
		if rec.Name == name {
			return rec.Status, true
		}
	}
	return StagePending, false
}

// WithArtifacts returns a copy of v with extra artifacts layered on top.
// Used to show sequential siblings each other's staged outputs.
func (v StateView) WithArtifacts(extra []Artifact) StateView {
	if len(extra) == 0 {
		return v
	}
	out := NewStateView(v.result, v.artifacts, v.history)
	for _, a := range extra {
		out.artifacts[a.Name] = a.Location
	}
	return out
}
