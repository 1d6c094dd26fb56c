package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/internal/domain/workflow"
)

// NoopStep returns a step implementation that produces no output.
func NoopStep() workflow.StepFunc {
	return func(ctx context.Context, state map[string]any) (map[string]any, error) {
		return nil, nil
	}
}

// SleepStep returns a step implementation that sleeps for the given duration,
// honoring cancellation. Useful for exercising pause and timeout behavior.
func SleepStep(d time.Duration) workflow.StepFunc {
	return func(ctx context.Context, state map[string]any) (map[string]any, error) {
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AppendStep returns a step implementation that appends value to the string
// slice under key in the working state. Because output merges into state, the
// step records exactly one entry per successful completion, which makes
// duplicate execution visible in tests.
func AppendStep(key, value string) workflow.StepFunc {
	return func(ctx context.Context, state map[string]any) (map[string]any, error) {
		var entries []any
		if existing, ok := state[key].([]any); ok {
			entries = append(entries, existing...)
		}
		entries = append(entries, value)
		return map[string]any{key: entries}, nil
	}
}

// FailingStep returns a step implementation that fails the first n attempts
// and succeeds afterward. The attempt counter lives in the closure, not the
// working state, so retries on the same executor observe it.
func FailingStep(n int) workflow.StepFunc {
	var attempts atomic.Int64
	return func(ctx context.Context, state map[string]any) (map[string]any, error) {
		if attempts.Add(1) <= int64(n) {
			return nil, fmt.Errorf("induced failure %d of %d", attempts.Load(), n)
		}
		return nil, nil
	}
}

// AlwaysFailStep returns a step implementation that never succeeds.
func AlwaysFailStep(msg string) workflow.StepFunc {
	return func(ctx context.Context, state map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

// RegisterBuiltins registers the built-in step implementations used by
// development workflows.
func (r *Registry) RegisterBuiltins() error {
	builtins := map[string]workflow.StepFunc{
		"noop":  NoopStep(),
		"sleep": SleepStep(100 * time.Millisecond),
	}
	for name, fn := range builtins {
		if err := r.RegisterStep(name, fn); err != nil {
			return err
		}
	}
	return nil
}
