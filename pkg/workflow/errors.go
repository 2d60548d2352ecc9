package workflow

import (
	"fmt"
	"time"
)

// ValidationError reports a workflow graph that cannot be executed:
// a task referencing a dependency that does not exist, or a dependency cycle.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "workflow validation failed: " + e.Reason
}

// TaskError wraps an error returned by a task function. Retryable marks
// whether the retry loop may re-attempt the task.
type TaskError struct {
	TaskName  string
	Err       error
	Retryable bool
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task '%s' failed: %v", e.TaskName, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a task attempt did not finish within its
// configured timeout. The attempt's goroutine is not forcibly terminated;
// it is handed a cancelled context and abandoned.
type TimeoutError struct {
	TaskName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task '%s' timed out after %s", e.TaskName, e.Timeout)
}

// DependencyFailedError marks a task that was never executed because one of
// its dependencies did not reach SUCCESS. Never retried.
type DependencyFailedError struct {
	TaskName   string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("task '%s' failed because dependency '%s' failed or was not executed", e.TaskName, e.Dependency)
}

// TaskFailedError is returned by Workflow.Run when a task terminally fails.
type TaskFailedError struct {
	TaskName string
	Err      error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task '%s' failed: %v", e.TaskName, e.Err)
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}
