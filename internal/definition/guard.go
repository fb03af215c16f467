package definition

import (
	"fmt"
	"strings"

	"github.com/aristath/stagerun/internal/pipeline"
)

// ParseGuard compiles a stage `when` expression:
//
//	always | success | failure
//	artifact:<name>      an artifact with that name was recorded
//	stage:<name>         the named stage succeeded
//	env:<KEY>=<VALUE>    the run environment has KEY set to VALUE
//	not:<expr>           negation
//
// Several expressions joined by " && " must all hold.
func ParseGuard(expr string, env pipeline.Environment) (pipeline.Guard, error) {
	expr = strings.TrimSpace(expr)
	if parts := strings.Split(expr, "&&"); len(parts) > 1 {
		guards := make([]pipeline.Guard, 0, len(parts))
		for _, part := range parts {
			g, err := ParseGuard(part, env)
			if err != nil {
				return nil, err
			}
			guards = append(guards, g)
		}
		return pipeline.All(guards...), nil
	}

	switch expr {
	case "always":
		return pipeline.Always, nil
	case "success":
		return pipeline.OnSuccess, nil
	case "failure":
		return pipeline.OnFailure, nil
	}

	kind, arg, ok := strings.Cut(expr, ":")
	if !ok || arg == "" {
		return nil, fmt.Errorf("unknown guard %q", expr)
	}
	switch kind {
	case "artifact":
		return pipeline.HasArtifact(arg), nil
	case "stage":
		return pipeline.AfterStage(arg), nil
	case "env":
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("guard %q: expected env:KEY=VALUE", expr)
		}
		return pipeline.EnvEquals(env, key, value), nil
	case "not":
		inner, err := ParseGuard(arg, env)
		if err != nil {
			return nil, err
		}
		return pipeline.Not(inner), nil
	}
	return nil, fmt.Errorf("unknown guard %q", expr)
}
