package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain/workflow"
)

func okStep(ctx context.Context, state map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestRegistry_RegisterStep(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterStep("fetch", okStep))

	assert.Error(t, r.RegisterStep("fetch", okStep), "duplicate registration must fail")
	assert.Error(t, r.RegisterStep("", okStep))
	assert.Error(t, r.RegisterStep("nil-impl", nil))
}

func TestRegistry_RegisterDefinition(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterStep("fetch", okStep))
	require.NoError(t, r.RegisterStep("store", okStep))

	err := r.RegisterDefinition("sync", []StepSpec{
		{Name: "fetch"},
		{Name: "persist", Impl: "store", MaxRetries: 2, Timeout: time.Minute},
	})
	require.NoError(t, err)

	def, err := r.Resolve("sync")
	require.NoError(t, err)
	require.Equal(t, 2, def.Len())

	steps := def.Steps()
	assert.Equal(t, "fetch", steps[0].Name)
	assert.Equal(t, "persist", steps[1].Name)
	assert.Equal(t, 2, steps[1].MaxRetries)
	assert.Equal(t, time.Minute, steps[1].Timeout)
}

func TestRegistry_RegisterDefinitionUnknownImpl(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.RegisterDefinition("sync", []StepSpec{{Name: "fetch"}})
	assert.ErrorIs(t, err, workflow.ErrStepUnknown)
}

func TestRegistry_RegisterDefinitionDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterStep("fetch", okStep))
	require.NoError(t, r.RegisterDefinition("sync", []StepSpec{{Name: "fetch"}}))

	assert.Error(t, r.RegisterDefinition("sync", []StepSpec{{Name: "fetch"}}))
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Resolve("ghost")
	assert.Error(t, err)
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterStep("fetch", okStep))
	require.NoError(t, r.RegisterDefinition("beta", []StepSpec{{Name: "fetch"}}))
	require.NoError(t, r.RegisterDefinition("alpha", []StepSpec{{Name: "fetch"}}))

	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
}

func TestRegistry_LoadDefinitions(t *testing.T) {
	t.Parallel()

	const doc = `
workflows:
  - name: export-report
    steps:
      - name: gather
        impl: noop
      - name: settle
        impl: sleep
        max_retries: 2
        timeout: 30s
`

	r := NewRegistry()
	require.NoError(t, r.RegisterBuiltins())
	require.NoError(t, r.LoadDefinitions(strings.NewReader(doc)))

	def, err := r.Resolve("export-report")
	require.NoError(t, err)
	require.Equal(t, 2, def.Len())

	steps := def.Steps()
	assert.Equal(t, "gather", steps[0].Name)
	assert.Equal(t, 2, steps[1].MaxRetries)
	assert.Equal(t, 30*time.Second, steps[1].Timeout)
}

func TestRegistry_LoadDefinitionsUnknownImpl(t *testing.T) {
	t.Parallel()

	const doc = `
workflows:
  - name: broken
    steps:
      - name: mystery
`

	r := NewRegistry()
	err := r.LoadDefinitions(strings.NewReader(doc))
	assert.ErrorIs(t, err, workflow.ErrStepUnknown)
}

func TestRegistry_LoadDefinitionsBadYAML(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.LoadDefinitions(strings.NewReader("workflows: [unclosed"))
	assert.Error(t, err)
}
