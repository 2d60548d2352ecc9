package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dagrun/dagrun/pkg/storage"
	"github.com/dagrun/dagrun/pkg/workflow"
)

func run(id, name string, startedAt time.Time) *workflow.WorkflowExecution {
	end := startedAt.Add(time.Second)
	return &workflow.WorkflowExecution{
		ID:           id,
		WorkflowName: name,
		StartTime:    startedAt,
		EndTime:      &end,
		Status:       workflow.ExecutionSuccess,
		TaskExecutions: map[string]*workflow.TaskExecution{
			"step": {TaskName: "step", StartTime: startedAt, EndTime: &end, Status: workflow.ExecutionSuccess},
		},
	}
}

func TestMockStore(t *testing.T) {
	base := time.Date(2024, time.June, 10, 9, 0, 0, 0, time.UTC)

	t.Run("SaveAndGet", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.SaveRun(run("run-1", "etl", base)))

		got, err := store.GetRun("run-1")
		assert.NoError(t, err)
		assert.Equal(t, "etl", got.WorkflowName)
		assert.Contains(t, got.TaskExecutions, "step")
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := storage.NewMockStore()
		_, err := store.GetRun("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveSameIDReplaces", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.SaveRun(run("run-1", "etl", base)))
		updated := run("run-1", "etl", base)
		updated.Status = workflow.ExecutionFailure
		assert.NoError(t, store.SaveRun(updated))

		got, err := store.GetRun("run-1")
		assert.NoError(t, err)
		assert.Equal(t, workflow.ExecutionFailure, got.Status)

		runs, err := store.ListRuns("")
		assert.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("ListFiltersAndSortsNewestFirst", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.SaveRun(run("run-1", "etl", base)))
		assert.NoError(t, store.SaveRun(run("run-2", "etl", base.Add(time.Hour))))
		assert.NoError(t, store.SaveRun(run("run-3", "reporting", base.Add(2*time.Hour))))

		etlRuns, err := store.ListRuns("etl")
		assert.NoError(t, err)
		assert.Len(t, etlRuns, 2)
		assert.Equal(t, "run-2", etlRuns[0].ID)
		assert.Equal(t, "run-1", etlRuns[1].ID)

		all, err := store.ListRuns("")
		assert.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
