package workflow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

type TaskState string

const (
	PendingTaskState  TaskState = "PENDING"
	RunningTaskState  TaskState = "RUNNING"
	SuccessTaskState  TaskState = "SUCCESS"
	FailureTaskState  TaskState = "FAILURE"
	RetryingTaskState TaskState = "RETRYING"
)

// TaskResult represents the output of a task function.
type TaskResult interface{}

// TaskFunc is the unit of work wrapped by a Task. The context is cancelled
// when the task's timeout elapses; taskCtx carries the run's base context
// merged with the results of the task's dependencies, keyed by task name.
// Functions are free to ignore both.
type TaskFunc func(ctx context.Context, taskCtx map[string]TaskResult) (TaskResult, error)

// Task is a named, retryable, optionally timed-out unit of work with
// declared dependencies. A task belongs to exactly one Workflow and is only
// ever executed by one goroutine at a time; its mutable fields need no
// locking.
type Task struct {
	Name         string
	Func         TaskFunc
	Dependencies []string
	State        TaskState
	Result       TaskResult
	LastError    error
	Attempts     int
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
	Timeout      time.Duration // 0 means no timeout

	records []*TaskExecution
	logger  Logger
}

type TaskOption func(*Task)

// WithDependencies declares the tasks that must reach SUCCESS first.
func WithDependencies(deps ...string) TaskOption {
	return func(t *Task) { t.Dependencies = deps }
}

// WithRetries sets the number of additional attempts after the first failure.
func WithRetries(n int) TaskOption {
	return func(t *Task) { t.MaxRetries = n }
}

func WithRetryDelay(d time.Duration) TaskOption {
	return func(t *Task) { t.RetryDelay = d }
}

func WithRetryBackoff(multiplier float64) TaskOption {
	return func(t *Task) { t.RetryBackoff = multiplier }
}

func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.Timeout = d }
}

func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		Name:         name,
		Func:         fn,
		State:        PendingTaskState,
		RetryDelay:   time.Second,
		RetryBackoff: 2.0,
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetLogger replaces the task logger. A nil logger silences the task.
func (t *Task) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	t.logger = logger
}

// Records returns the append-only per-attempt execution records.
func (t *Task) Records() []*TaskExecution {
	return t.records
}

// LatestRecord returns the record of the most recent attempt, or nil if the
// task has never run.
func (t *Task) LatestRecord() *TaskExecution {
	if len(t.records) == 0 {
		return nil
	}
	return t.records[len(t.records)-1]
}

// Execute runs a single attempt. On failure the task transitions to RETRYING
// while attempts remain, otherwise to FAILURE; either way the error is
// returned so the caller's retry loop can decide what to do next. The
// attempt's record is closed as "failure" even when the task will retry,
// since the attempt itself failed.
func (t *Task) Execute(ctx context.Context, taskCtx map[string]TaskResult) (TaskResult, error) {
	rec := newTaskExecution(t.Name)
	t.records = append(t.records, rec)
	t.State = RunningTaskState
	t.Attempts++
	t.logf(rec, "task '%s' started (attempt %d)", t.Name, t.Attempts)

	result, err := t.runAttempt(ctx, taskCtx)
	if err != nil {
		t.handleFailure(rec, err)
		return nil, err
	}

	t.Result = result
	t.State = SuccessTaskState
	t.logf(rec, "task '%s' completed successfully", t.Name)
	rec.close(ExecutionSuccess)
	return result, nil
}

func (t *Task) runAttempt(ctx context.Context, taskCtx map[string]TaskResult) (TaskResult, error) {
	if t.Timeout <= 0 {
		res, err := t.Func(ctx, taskCtx)
		if err != nil {
			return nil, &TaskError{TaskName: t.Name, Err: err, Retryable: true}
		}
		return res, nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	type attemptResult struct {
		res TaskResult
		err error
	}
	resultCh := make(chan attemptResult, 1)
	go func() {
		res, err := t.Func(attemptCtx, taskCtx)
		resultCh <- attemptResult{res, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, &TaskError{TaskName: t.Name, Err: r.err, Retryable: true}
		}
		return r.res, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not a timeout.
			return nil, &TaskError{TaskName: t.Name, Err: ctx.Err(), Retryable: false}
		}
		// The goroutine running the user function is abandoned here. It holds
		// a cancelled context but nothing forces it to stop.
		return nil, &TimeoutError{TaskName: t.Name, Timeout: t.Timeout}
	}
}

func (t *Task) handleFailure(rec *TaskExecution, err error) {
	t.LastError = err
	msg := fmt.Sprintf("task '%s' failed: %v", t.Name, err)
	t.logger.Errorf("%s", msg)
	rec.appendLog(msg)

	retryable := true
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		retryable = taskErr.Retryable
	}

	if retryable && t.Attempts <= t.MaxRetries {
		t.State = RetryingTaskState
		t.logf(rec, "task '%s' will retry in %s", t.Name, t.BackoffDelay())
	} else {
		t.State = FailureTaskState
	}
	rec.close(ExecutionFailure)
}

// BackoffDelay computes the delay before the next attempt:
// RetryDelay * RetryBackoff^(Attempts-1).
func (t *Task) BackoffDelay() time.Duration {
	retryAttempt := t.Attempts - 1
	if retryAttempt < 0 {
		retryAttempt = 0
	}
	multiplier := math.Pow(t.RetryBackoff, float64(retryAttempt))
	return time.Duration(float64(t.RetryDelay) * multiplier)
}

// Reset returns the task to PENDING so a workflow can be replayed from
// scratch. Execution records are kept; they are an audit trail.
func (t *Task) Reset() {
	t.State = PendingTaskState
	t.Result = nil
	t.LastError = nil
	t.Attempts = 0
}

func (t *Task) logf(rec *TaskExecution, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	t.logger.Infof("%s", msg)
	rec.appendLog(msg)
}
