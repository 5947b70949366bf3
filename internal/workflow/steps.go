package workflow

import (
	"context"

	"cronflow/internal/core"
)

// ValidateSteps checks the step graph: unique IDs, every OnSuccess link
// resolves, exactly one terminal step, no cycles, and every step reachable
// from the first. An empty step list is valid (the workflow is a no-op).
func ValidateSteps(steps []core.Step) error {
	if len(steps) == 0 {
		return nil
	}

	byID := make(map[string]core.Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return invalidf("step %q has no id", s.Name)
		}
		if _, dup := byID[s.ID]; dup {
			return invalidf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}

	terminals := 0
	for _, s := range steps {
		if s.OnSuccess == "" {
			terminals++
			continue
		}
		if _, ok := byID[s.OnSuccess]; !ok {
			return invalidf("step %q links to unknown step %q", s.ID, s.OnSuccess)
		}
	}
	if terminals != 1 {
		return invalidf("want exactly one terminal step, have %d", terminals)
	}

	// Walk from the first step; a revisit is a cycle, an unvisited step is
	// unreachable. With unique links and one terminal, visiting all steps
	// exactly once proves the chain is sound.
	seen := make(map[string]bool, len(steps))
	cur := steps[0].ID
	for cur != "" {
		if seen[cur] {
			return invalidf("step %q is part of a cycle", cur)
		}
		seen[cur] = true
		cur = byID[cur].OnSuccess
	}
	for _, s := range steps {
		if !seen[s.ID] {
			return invalidf("step %q is unreachable from the first step", s.ID)
		}
	}
	return nil
}

// StepResult is the outcome of running one step.
type StepResult struct {
	Success bool
	Output  string
	Err     error
}

// StepRunner executes a single step. Implementations must honor ctx.
type StepRunner interface {
	RunStep(ctx context.Context, wf *core.Workflow, step core.Step) StepResult
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, wf *core.Workflow, step core.Step) StepResult

func (f StepRunnerFunc) RunStep(ctx context.Context, wf *core.Workflow, step core.Step) StepResult {
	return f(ctx, wf, step)
}

// runSteps walks the chain from the first step, following OnSuccess links.
// It returns the terminal step's output, or a StepError naming the step
// that failed. Cancellation is checked between steps.
func runSteps(ctx context.Context, runner StepRunner, wf *core.Workflow) (string, error) {
	if len(wf.Steps) == 0 {
		return "", nil
	}
	byID := make(map[string]core.Step, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.ID] = s
	}

	var out string
	cur := wf.Steps[0].ID
	for cur != "" {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		step := byID[cur]
		res := runner.RunStep(ctx, wf, step)
		if !res.Success {
			err := res.Err
			if err == nil {
				err = invalidf("step %q reported failure without error", step.ID)
			}
			return res.Output, &StepError{StepID: step.ID, Err: err}
		}
		out = res.Output
		cur = step.OnSuccess
	}
	return out, nil
}
