package workflow

import (
	"time"

	"github.com/google/uuid"
)

const (
	ExecutionRunning = "running"
	ExecutionSuccess = "success"
	ExecutionFailure = "failure"
)

// TaskExecution records a single attempt of a task. One record is opened per
// attempt and closed when the attempt ends; closed records are never mutated.
type TaskExecution struct {
	TaskName  string     `json:"task_name" db:"task_name"`
	StartTime time.Time  `json:"start_time" db:"started_at"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"finished_at"`
	Status    string     `json:"status" db:"status"`
	Logs      []string   `json:"logs,omitempty" db:"-"`
}

func newTaskExecution(taskName string) *TaskExecution {
	return &TaskExecution{
		TaskName:  taskName,
		StartTime: time.Now(),
		Status:    ExecutionRunning,
	}
}

func (e *TaskExecution) appendLog(msg string) {
	e.Logs = append(e.Logs, msg)
}

func (e *TaskExecution) close(status string) {
	now := time.Now()
	e.EndTime = &now
	e.Status = status
}

// WorkflowExecution summarizes one Run call: its timing, final status and
// the latest TaskExecution of every task that took part in the run.
type WorkflowExecution struct {
	ID             string                    `json:"id" db:"id"`
	WorkflowName   string                    `json:"workflow_name" db:"workflow_name"`
	StartTime      time.Time                 `json:"start_time" db:"started_at"`
	EndTime        *time.Time                `json:"end_time,omitempty" db:"finished_at"`
	Status         string                    `json:"status" db:"status"`
	TaskExecutions map[string]*TaskExecution `json:"task_executions" db:"-"`
}

func newWorkflowExecution(workflowName string) *WorkflowExecution {
	return &WorkflowExecution{
		ID:             uuid.NewString(),
		WorkflowName:   workflowName,
		StartTime:      time.Now(),
		Status:         ExecutionRunning,
		TaskExecutions: make(map[string]*TaskExecution),
	}
}

func (e *WorkflowExecution) close(status string) {
	now := time.Now()
	e.EndTime = &now
	e.Status = status
}

// addTask copies the task's latest execution record into the run summary.
func (e *WorkflowExecution) addTask(t *Task) {
	if rec := t.LatestRecord(); rec != nil {
		e.TaskExecutions[t.Name] = rec
	}
}
