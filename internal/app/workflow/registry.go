// Package workflow wires named step implementations into resolved workflow
// definitions. Step functions register once at startup; definitions bind step
// names to implementations at load time so per-invocation lookup never
// happens on the execution path.
package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/domain/workflow"
)

// Ensure Registry implements workflow.Registry at compile time.
var _ workflow.Registry = (*Registry)(nil)

// StepSpec describes one step of a workflow definition before resolution.
type StepSpec struct {
	// Name is the step's identifier within the workflow.
	Name string

	// Impl names the registered implementation. Empty means use Name.
	Impl string

	// MaxRetries overrides the registry default when >= 0.
	MaxRetries int

	// Timeout bounds a single attempt; zero uses the executor default.
	Timeout time.Duration
}

// Registry holds registered step implementations and resolved workflow
// definitions.
type Registry struct {
	mu          sync.RWMutex
	steps       map[string]workflow.StepFunc
	definitions map[string]workflow.Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:       make(map[string]workflow.StepFunc),
		definitions: make(map[string]workflow.Definition),
	}
}

// RegisterStep makes a step implementation available under the given name.
// Registering the same name twice is an error; implementations are versioned
// by name, not silently replaced.
func (r *Registry) RegisterStep(name string, fn workflow.StepFunc) error {
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	if fn == nil {
		return fmt.Errorf("step %q: implementation is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.steps[name] = fn
	return nil
}

// RegisterDefinition resolves the step specs against registered
// implementations and stores the resulting definition.
func (r *Registry) RegisterDefinition(name string, specs []StepSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}

	steps := make([]workflow.Step, 0, len(specs))
	for _, spec := range specs {
		implName := spec.Impl
		if implName == "" {
			implName = spec.Name
		}

		fn, ok := r.steps[implName]
		if !ok {
			return fmt.Errorf("workflow %q step %q: implementation %q: %w",
				name, spec.Name, implName, workflow.ErrStepUnknown)
		}

		steps = append(steps, workflow.Step{
			Name:       spec.Name,
			MaxRetries: spec.MaxRetries,
			Timeout:    spec.Timeout,
			Run:        fn,
		})
	}

	def, err := workflow.NewDefinition(name, steps)
	if err != nil {
		return err
	}
	r.definitions[name] = def
	return nil
}

// Resolve returns the definition for the named workflow.
func (r *Registry) Resolve(name string) (workflow.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[name]
	if !ok {
		return workflow.Definition{}, fmt.Errorf("workflow %q not registered", name)
	}
	return def, nil
}

// Names returns the registered workflow names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for n := range r.definitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
