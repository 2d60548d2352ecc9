package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// HistoryStore persists closed run records. pkg/storage provides an
// in-memory implementation and internal/storage a Postgres one; a workflow
// without a store keeps its history in memory only.
type HistoryStore interface {
	SaveRun(run *WorkflowExecution) error
}

// Workflow owns a set of tasks forming a DAG and executes them as one unit.
// Tasks in the same dependency level run concurrently; levels run strictly
// in order. A Workflow is not safe for concurrent Run calls.
type Workflow struct {
	Name string

	tasks    map[string]*Task
	order    []string // insertion order, for deterministic traversal
	schedule *Schedule
	history  []*WorkflowExecution
	logger   Logger
	store    HistoryStore
}

func NewWorkflow(name string) *Workflow {
	return &Workflow{
		Name:   name,
		tasks:  make(map[string]*Task),
		logger: nopLogger{},
	}
}

// AddTask inserts the task, replacing any previous task with the same name.
// The workflow's logger is handed down unless the task already has one.
func (w *Workflow) AddTask(t *Task) {
	if _, exists := w.tasks[t.Name]; !exists {
		w.order = append(w.order, t.Name)
	}
	w.tasks[t.Name] = t
	if _, isNop := t.logger.(nopLogger); isNop {
		t.logger = w.logger
	}
}

// Task returns the named task, or nil.
func (w *Workflow) Task(name string) *Task {
	return w.tasks[name]
}

func (w *Workflow) SetSchedule(s *Schedule) {
	w.schedule = s
}

// ShouldRun consults the schedule; workflows without one are on-demand and
// always runnable.
func (w *Workflow) ShouldRun(now time.Time) bool {
	if w.schedule == nil {
		return true
	}
	return w.schedule.ShouldRun(now)
}

// SetLogger sets the workflow logger and propagates it to every task.
func (w *Workflow) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	w.logger = logger
	for _, t := range w.tasks {
		t.logger = logger
	}
}

// SetStore attaches a history store; each finished run is persisted
// best-effort after it closes.
func (w *Workflow) SetStore(store HistoryStore) {
	w.store = store
}

// History returns the append-only sequence of run records, oldest first.
func (w *Workflow) History() []*WorkflowExecution {
	return w.history
}

// GetTaskResult returns the result of a task that reached SUCCESS.
func (w *Workflow) GetTaskResult(name string) (TaskResult, error) {
	t, ok := w.tasks[name]
	if !ok {
		return nil, errors.Errorf("task '%s' not found in workflow", name)
	}
	if t.State != SuccessTaskState {
		return nil, errors.Errorf("task '%s' has not completed successfully", name)
	}
	return t.Result, nil
}

// Validate checks that every declared dependency exists and that the
// dependency graph is acyclic. Run calls it before executing anything.
func (w *Workflow) Validate() error {
	if err := w.checkMissingDependencies(); err != nil {
		return err
	}
	return w.checkCycles()
}

func (w *Workflow) checkMissingDependencies() error {
	for _, name := range w.order {
		for _, dep := range w.tasks[name].Dependencies {
			if _, ok := w.tasks[dep]; !ok {
				return &ValidationError{Reason: fmt.Sprintf(
					"missing dependency: task '%s' depends on '%s', which does not exist", name, dep)}
			}
		}
	}
	return nil
}

// checkCycles runs a depth-first search with a recursion stack over the
// dependency edges.
func (w *Workflow) checkCycles() error {
	visited := make(map[string]bool, len(w.tasks))
	recStack := make(map[string]bool, len(w.tasks))

	var visit func(name string) bool
	visit = func(name string) bool {
		visited[name] = true
		recStack[name] = true
		for _, dep := range w.tasks[name].Dependencies {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}
		recStack[name] = false
		return false
	}

	for _, name := range w.order {
		if !visited[name] {
			if visit(name) {
				return &ValidationError{Reason: "cycle detected in workflow"}
			}
		}
	}
	return nil
}

// executionOrder computes a topological order with Kahn's algorithm.
func (w *Workflow) executionOrder() ([]string, error) {
	unresolved := make(map[string]int, len(w.tasks))
	for _, name := range w.order {
		unresolved[name] = len(w.tasks[name].Dependencies)
	}

	var queue []string
	for _, name := range w.order {
		if unresolved[name] == 0 {
			queue = append(queue, name)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, curr)

		for _, name := range w.order {
			if slices.Contains(w.tasks[name].Dependencies, curr) {
				unresolved[name]--
				if unresolved[name] == 0 {
					queue = append(queue, name)
				}
			}
		}
	}

	if len(sorted) != len(w.tasks) {
		return nil, &ValidationError{Reason: "cycle detected in workflow"}
	}
	return sorted, nil
}

// executionLevels partitions the topological order into levels of tasks with
// no dependency relationship among them. A task whose dependencies are all
// seated in earlier levels, or which is already SUCCESS from a prior run,
// joins the current level; the SUCCESS shortcut is what makes re-running a
// partially completed workflow resume instead of restart.
func (w *Workflow) executionLevels(order []string) ([][]string, error) {
	var levels [][]string
	placed := make(map[string]bool, len(order))

	for len(placed) < len(order) {
		var level []string
		for _, name := range order {
			if placed[name] {
				continue
			}
			t := w.tasks[name]
			ready := t.State == SuccessTaskState
			if !ready {
				ready = true
				for _, dep := range t.Dependencies {
					if !placed[dep] {
						ready = false
						break
					}
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, &ValidationError{Reason: "unable to determine execution order, possible cycle in workflow"}
		}
		levels = append(levels, level)
		for _, name := range level {
			placed[name] = true
		}
	}
	return levels, nil
}

// sharedContext is the run-level context map. Workers in one level merge
// map-typed task results into it concurrently, so writes are serialized.
type sharedContext struct {
	mu     sync.Mutex
	values map[string]TaskResult
}

func (c *sharedContext) merge(m map[string]TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.values[k] = v
	}
}

// snapshot copies the context for a single task. Only called between level
// barriers, when no worker is writing.
func (c *sharedContext) snapshot() map[string]TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TaskResult, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Run validates the workflow, executes its tasks level by level and returns
// the full task-name-to-result map on success. On any terminal task failure
// the run aborts: all transitive dependents are marked FAILURE, the run
// record closes as failed and a TaskFailedError comes back. Partial results
// are readable from the individual tasks, not from Run.
func (w *Workflow) Run(ctx context.Context, baseCtx map[string]TaskResult) (map[string]TaskResult, error) {
	exec := newWorkflowExecution(w.Name)
	w.history = append(w.history, exec)
	w.logger.Infof("workflow '%s' started", w.Name)

	results, err := w.execute(ctx, exec, baseCtx)
	if err != nil {
		if exec.EndTime == nil {
			exec.close(ExecutionFailure)
		}
		w.logger.Errorf("workflow '%s' failed: %v", w.Name, err)
		w.persist(exec)
		return nil, err
	}

	w.logger.Infof("workflow '%s' completed successfully", w.Name)
	w.persist(exec)
	return results, nil
}

func (w *Workflow) execute(ctx context.Context, exec *WorkflowExecution, baseCtx map[string]TaskResult) (map[string]TaskResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	order, err := w.executionOrder()
	if err != nil {
		return nil, err
	}
	levels, err := w.executionLevels(order)
	if err != nil {
		return nil, err
	}

	runCtx := &sharedContext{values: make(map[string]TaskResult, len(baseCtx))}
	for k, v := range baseCtx {
		runCtx.values[k] = v
	}

	results := make(map[string]TaskResult, len(w.tasks))
	for _, level := range levels {
		w.runLevel(ctx, level, runCtx)

		if err := w.collectLevel(level, results, exec); err != nil {
			return nil, err
		}
	}

	w.finalize(exec, results)
	return results, nil
}

// runLevel forks one worker per not-yet-successful task in the level and
// joins them all before returning. Task contexts are snapshotted up front,
// before any worker starts writing to the shared context.
func (w *Workflow) runLevel(ctx context.Context, level []string, runCtx *sharedContext) {
	var wg sync.WaitGroup
	for _, name := range level {
		t := w.tasks[name]
		if t.State == SuccessTaskState {
			continue
		}

		taskCtx, depErr := w.prepareTaskContext(t, runCtx)
		if depErr != nil {
			// An upstream task did not reach SUCCESS; fail without running.
			t.State = FailureTaskState
			t.LastError = depErr
			continue
		}

		wg.Add(1)
		go func(t *Task, taskCtx map[string]TaskResult) {
			defer wg.Done()
			w.executeTaskWithRetry(ctx, t, taskCtx, runCtx)
		}(t, taskCtx)
	}
	wg.Wait()
}

// prepareTaskContext builds the task's input: the shared run context plus
// the result of each dependency, keyed by dependency name.
func (w *Workflow) prepareTaskContext(t *Task, runCtx *sharedContext) (map[string]TaskResult, error) {
	taskCtx := runCtx.snapshot()
	for _, dep := range t.Dependencies {
		depTask := w.tasks[dep]
		if depTask.State != SuccessTaskState {
			return nil, &DependencyFailedError{TaskName: t.Name, Dependency: dep}
		}
		taskCtx[dep] = depTask.Result
	}
	return taskCtx, nil
}

// executeTaskWithRetry drives one task's attempts until SUCCESS or a
// terminal failure, sleeping the exponential backoff between attempts.
func (w *Workflow) executeTaskWithRetry(ctx context.Context, t *Task, taskCtx map[string]TaskResult, runCtx *sharedContext) {
	for {
		result, err := t.Execute(ctx, taskCtx)
		if err == nil {
			switch m := result.(type) {
			case map[string]TaskResult:
				runCtx.merge(m)
			case map[string]interface{}:
				merged := make(map[string]TaskResult, len(m))
				for k, v := range m {
					merged[k] = v
				}
				runCtx.merge(merged)
			}
			return
		}
		if t.State != RetryingTaskState {
			return
		}

		select {
		case <-time.After(t.BackoffDelay()):
		case <-ctx.Done():
			t.State = FailureTaskState
			t.LastError = &TaskError{TaskName: t.Name, Err: ctx.Err()}
			return
		}
	}
}

// collectLevel records results after the level barrier. The first FAILURE
// aborts the run: dependents are transitively failed first so callers can
// inspect the full blast radius from task states.
func (w *Workflow) collectLevel(level []string, results map[string]TaskResult, exec *WorkflowExecution) error {
	for _, name := range level {
		t := w.tasks[name]
		switch t.State {
		case SuccessTaskState:
			results[name] = t.Result
			exec.addTask(t)
		case FailureTaskState:
			exec.addTask(t)
			w.propagateFailure(name)
			exec.close(ExecutionFailure)
			w.logger.Errorf("workflow '%s' failed due to task '%s'", w.Name, name)
			return &TaskFailedError{TaskName: name, Err: t.LastError}
		}
	}
	return nil
}

func (w *Workflow) finalize(exec *WorkflowExecution, results map[string]TaskResult) {
	exec.close(ExecutionSuccess)

	if w.schedule != nil {
		now := time.Now()
		w.schedule.LastRun = &now
	}

	// Tasks already successful before this run still belong in the results
	// and the run record.
	for _, name := range w.order {
		t := w.tasks[name]
		if t.State != SuccessTaskState {
			continue
		}
		results[name] = t.Result
		if _, ok := exec.TaskExecutions[name]; !ok {
			exec.addTask(t)
		}
	}
}

// propagateFailure transitively marks every PENDING dependent of the failed
// task as FAILURE without executing it.
func (w *Workflow) propagateFailure(failed string) {
	for _, name := range w.order {
		t := w.tasks[name]
		if t.State != PendingTaskState {
			continue
		}
		if !slices.Contains(t.Dependencies, failed) {
			continue
		}
		t.State = FailureTaskState
		t.LastError = &DependencyFailedError{TaskName: name, Dependency: failed}
		w.propagateFailure(name)
	}
}

func (w *Workflow) persist(exec *WorkflowExecution) {
	if w.store == nil {
		return
	}
	if err := w.store.SaveRun(exec); err != nil {
		w.logger.Errorf("failed to persist run %s of workflow '%s': %v", exec.ID, w.Name, err)
	}
}
