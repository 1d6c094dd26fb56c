// Package workflow defines the step-sequence model tasks execute against.
// A workflow is an ordered list of named steps; the engine drives tasks
// through them one at a time, treating each step's business logic as an
// opaque plugin.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStepUnknown is returned when a definition references a step name with no
// registered implementation.
var ErrStepUnknown = errors.New("unknown step implementation")

// StepFunc executes one workflow step against the task's working state and
// returns the output to merge back in. Implementations must be cooperative:
// they honor ctx cancellation and leave state untouched on error.
type StepFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

// Step binds a position in a workflow to a resolved implementation along with
// its retry and timeout policy.
type Step struct {
	// Name identifies the step; it is the value recorded in checkpoints.
	Name string

	// MaxRetries is the number of times a failing run of this step is
	// retried before the task is failed.
	MaxRetries int

	// Timeout bounds a single attempt. Zero means the executor default.
	Timeout time.Duration

	// Run is the resolved implementation, bound once at definition load
	// time, not on every invocation.
	Run StepFunc
}

// Definition is an immutable, fully resolved workflow: the ordered steps a
// task of this workflow name executes.
type Definition struct {
	name  string
	steps []Step
}

// NewDefinition builds a Definition after validating that every step has a
// name and an implementation and that step names are unique within the
// workflow. Checkpoints identify steps by name, so duplicates would make the
// resume point ambiguous.
func NewDefinition(name string, steps []Step) (Definition, error) {
	if name == "" {
		return Definition{}, errors.New("workflow name is required")
	}
	if len(steps) == 0 {
		return Definition{}, fmt.Errorf("workflow %q has no steps", name)
	}

	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return Definition{}, fmt.Errorf("workflow %q has a step with no name", name)
		}
		if s.Run == nil {
			return Definition{}, fmt.Errorf("workflow %q step %q: %w", name, s.Name, ErrStepUnknown)
		}
		if _, dup := seen[s.Name]; dup {
			return Definition{}, fmt.Errorf("workflow %q has duplicate step %q", name, s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	return Definition{name: name, steps: steps}, nil
}

// Name returns the workflow's identifier.
func (d Definition) Name() string { return d.name }

// Steps returns the ordered steps.
func (d Definition) Steps() []Step { return d.steps }

// Len returns the number of steps.
func (d Definition) Len() int { return len(d.steps) }

// IndexAfter returns the index of the step following the named checkpoint
// step. An empty checkpoint means start at the beginning. Returns an error if
// the checkpoint names a step this definition does not contain.
func (d Definition) IndexAfter(checkpointStep string) (int, error) {
	if checkpointStep == "" {
		return 0, nil
	}
	for i, s := range d.steps {
		if s.Name == checkpointStep {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("checkpoint step %q not in workflow %q", checkpointStep, d.name)
}

// Registry resolves workflow names to definitions. Resolution happens at task
// claim time; the definition is then fixed for the life of the run.
type Registry interface {
	// Resolve returns the definition for the named workflow or an error when
	// the name is unknown.
	Resolve(name string) (Definition, error)

	// Names returns the registered workflow names, for validation surfaces.
	Names() []string
}
