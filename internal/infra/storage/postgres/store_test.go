package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain/task"
)

// stubRow feeds scanTask a fixed column tuple without a live connection.
type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r.values[i].(uuid.UUID)
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *int64:
			*p = r.values[i].(int64)
		case *[]byte:
			if v, ok := r.values[i].([]byte); ok {
				*p = v
			}
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

func rowValues(t *testing.T, id uuid.UUID, status string) []any {
	t.Helper()

	checkpoint, err := json.Marshal(task.NewCheckpoint(id, "second", json.RawMessage(`{"n":2}`)))
	require.NoError(t, err)
	state, err := json.Marshal(map[string]any{"n": float64(2)})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	return []any{
		id, "report", status, "second", 50,
		checkpoint, state, "", 1, int64(4), now.Add(-time.Minute), now,
	}
}

func TestScanTask_RebuildsAggregate(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	got, err := scanTask(stubRow{values: rowValues(t, id, "RUNNING")})
	require.NoError(t, err)

	assert.Equal(t, id, got.ID())
	assert.Equal(t, "report", got.WorkflowName())
	assert.Equal(t, task.StatusRunning, got.Status())
	assert.Equal(t, "second", got.CurrentStep())
	assert.Equal(t, 50, got.Progress())
	assert.Equal(t, 1, got.RetryCount())
	assert.Equal(t, int64(4), got.Version())

	require.NotNil(t, got.Checkpoint())
	assert.Equal(t, "second", got.Checkpoint().Step())
	assert.Equal(t, map[string]any{"n": float64(2)}, got.State())
}

func TestScanTask_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	_, err := scanTask(stubRow{values: rowValues(t, uuid.New(), "BOGUS")})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrStatusUnknown)
}

func TestScanTask_NoRowsIsNotFound(t *testing.T) {
	t.Parallel()

	_, err := scanTask(stubRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}
