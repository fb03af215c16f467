package pipeline

// Guard decides whether a stage runs. It must be a pure function of the
// snapshot it is given.
type Guard func(state StateView) bool

// Always runs the stage unconditionally.
func Always(StateView) bool { return true }

// OnSuccess runs the stage while nothing has failed yet (result unknown or success).
func OnSuccess(state StateView) bool {
	return state.Result() != ResultFailure
}

// OnFailure runs the stage only after something has failed.
func OnFailure(state StateView) bool {
	return state.Result() == ResultFailure
}

// HasArtifact runs the stage only when an artifact with the given name was recorded.
func HasArtifact(name string) Guard {
	return func(state StateView) bool {
		_, ok := state.Artifact(name)
		return ok
	}
}

// AfterStage runs the stage only when the named stage succeeded.
func AfterStage(name string) Guard {
	return func(state StateView) bool {
		status, ok := state.StageStatus(name)
		return ok && status == StageSucceeded
	}
}

// EnvEquals builds a guard from a static environment comparison. The
// environment is bound at definition time since guards only see run state.
func EnvEquals(env Environment, key, value string) Guard {
	v, ok := env.Get(key)
	match := ok && v == value
	return func(StateView) bool { return match }
}

// Not inverts g.
func Not(g Guard) Guard {
	return func(state StateView) bool { return !g.Eval(state) }
}

// All passes when every guard passes.
func All(guards ...Guard) Guard {
	return func(state StateView) bool {
		for _, g := range guards {
			if !g.Eval(state) {
				return false
			}
		}
		return true
	}
}

// Any passes when at least one guard passes.
func Any(guards ...Guard) Guard {
	return func(state StateView) bool {
		for _, g := range guards {
			if g.Eval(state) {
				return true
			}
		}
		return false
	}
}

// Eval evaluates g against state. A nil guard always passes.
func (g Guard) Eval(state StateView) bool {
	if g == nil {
		return true
	}
	return g(state)
}
