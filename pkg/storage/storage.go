package storage

import (
	"github.com/pkg/errors"

	"github.com/dagrun/dagrun/pkg/workflow"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// Store persists workflow run history. It deliberately knows nothing about
// workflow definitions; only closed runs and their per-task execution
// records are written.
type Store interface {
	// SaveRun persists a closed run together with its task execution records.
	SaveRun(run *workflow.WorkflowExecution) error
	// GetRun retrieves one run by its ID.
	GetRun(id string) (*workflow.WorkflowExecution, error)
	// ListRuns returns runs for a workflow, newest first. An empty name
	// returns every run.
	ListRuns(workflowName string) ([]*workflow.WorkflowExecution, error)
	Close() error
}
