package workflow_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dagrun/dagrun/pkg/storage"
	"github.com/dagrun/dagrun/pkg/workflow"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func succeed(result workflow.TaskResult) workflow.TaskFunc {
	return func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		return result, nil
	}
}

func fail(msg string) workflow.TaskFunc {
	return func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

func TestWorkflowValidate(t *testing.T) {
	t.Run("MissingDependency", func(t *testing.T) {
		wf := workflow.NewWorkflow("missing-dep")
		wf.AddTask(workflow.NewTask("loader", succeed("x"), workflow.WithDependencies("nonexistent")))

		err := wf.Validate()
		assert.Error(t, err)
		var validationErr *workflow.ValidationError
		assert.True(t, errors.As(err, &validationErr))
		assert.Contains(t, err.Error(), "loader")
		assert.Contains(t, err.Error(), "nonexistent")
	})

	t.Run("CycleDetected", func(t *testing.T) {
		var invoked atomic.Int32
		count := func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
			invoked.Add(1)
			return nil, nil
		}
		wf := workflow.NewWorkflow("cyclic")
		wf.AddTask(workflow.NewTask("a", count, workflow.WithDependencies("b")))
		wf.AddTask(workflow.NewTask("b", count, workflow.WithDependencies("a")))

		err := wf.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cycle detected")

		_, err = wf.Run(context.Background(), nil)
		assert.Error(t, err)
		var validationErr *workflow.ValidationError
		assert.True(t, errors.As(err, &validationErr))
		assert.Equal(t, int32(0), invoked.Load(), "no task function may run in an invalid workflow")
	})

	t.Run("TransitiveCycle", func(t *testing.T) {
		wf := workflow.NewWorkflow("long-cycle")
		wf.AddTask(workflow.NewTask("a", succeed(nil), workflow.WithDependencies("c")))
		wf.AddTask(workflow.NewTask("b", succeed(nil), workflow.WithDependencies("a")))
		wf.AddTask(workflow.NewTask("c", succeed(nil), workflow.WithDependencies("b")))
		assert.Error(t, wf.Validate())
	})

	t.Run("ValidGraph", func(t *testing.T) {
		wf := workflow.NewWorkflow("valid")
		wf.AddTask(workflow.NewTask("a", succeed(nil)))
		wf.AddTask(workflow.NewTask("b", succeed(nil), workflow.WithDependencies("a")))
		assert.NoError(t, wf.Validate())
	})
}

func TestWorkflowRun_DiamondDependency(t *testing.T) {
	wf := workflow.NewWorkflow("diamond")
	wf.SetLogger(logger{})

	sleepy := func(result workflow.TaskResult) workflow.TaskFunc {
		return func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
			time.Sleep(50 * time.Millisecond)
			return result, nil
		}
	}
	wf.AddTask(workflow.NewTask("a", succeed("a-result")))
	wf.AddTask(workflow.NewTask("b", sleepy("b-result"), workflow.WithDependencies("a")))
	wf.AddTask(workflow.NewTask("c", sleepy("c-result"), workflow.WithDependencies("a")))
	wf.AddTask(workflow.NewTask("d", succeed("d-result"), workflow.WithDependencies("b", "c")))

	results, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, map[string]workflow.TaskResult{
		"a": "a-result", "b": "b-result", "c": "c-result", "d": "d-result",
	}, results)

	// d starts only after both b and c fully completed.
	dStart := wf.Task("d").LatestRecord().StartTime
	for _, dep := range []string{"b", "c"} {
		depEnd := wf.Task(dep).LatestRecord().EndTime
		assert.NotNil(t, depEnd)
		assert.False(t, dStart.Before(*depEnd), "d started before %s finished", dep)
	}

	// b and c share a level and ran concurrently.
	bRec, cRec := wf.Task("b").LatestRecord(), wf.Task("c").LatestRecord()
	assert.True(t, bRec.StartTime.Before(*cRec.EndTime) && cRec.StartTime.Before(*bRec.EndTime),
		"expected overlapping execution intervals for b and c")

	// One run record, marked success, with all four task executions.
	history := wf.History()
	assert.Len(t, history, 1)
	assert.Equal(t, workflow.ExecutionSuccess, history[0].Status)
	assert.Len(t, history[0].TaskExecutions, 4)
}

func TestWorkflowRun_TopologicalOrdering(t *testing.T) {
	wf := workflow.NewWorkflow("chain")
	wf.AddTask(workflow.NewTask("extract", succeed("rows")))
	wf.AddTask(workflow.NewTask("transform", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		// Dependency results arrive keyed by task name.
		assert.Equal(t, "rows", taskCtx["extract"])
		return "clean rows", nil
	}, workflow.WithDependencies("extract")))
	wf.AddTask(workflow.NewTask("load", succeed("loaded"), workflow.WithDependencies("transform")))

	_, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)

	extractEnd := wf.Task("extract").LatestRecord().EndTime
	transformStart := wf.Task("transform").LatestRecord().StartTime
	transformEnd := wf.Task("transform").LatestRecord().EndTime
	loadStart := wf.Task("load").LatestRecord().StartTime
	assert.False(t, transformStart.Before(*extractEnd))
	assert.False(t, loadStart.Before(*transformEnd))
}

func TestWorkflowRun_RetryBackoff(t *testing.T) {
	var attempts atomic.Int32
	wf := workflow.NewWorkflow("retrying")
	wf.AddTask(workflow.NewTask("flaky", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return "third time lucky", nil
	},
		workflow.WithRetries(2),
		workflow.WithRetryDelay(50*time.Millisecond),
		workflow.WithRetryBackoff(2.0),
	))

	results, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, "third time lucky", results["flaky"])

	task := wf.Task("flaky")
	assert.Equal(t, workflow.SuccessTaskState, task.State)
	assert.Equal(t, 3, task.Attempts)
	assert.Len(t, task.Records(), 3)

	// The delay before attempt 3 is retryDelay * backoff^1 = 100ms.
	secondEnd := task.Records()[1].EndTime
	thirdStart := task.Records()[2].StartTime
	assert.GreaterOrEqual(t, thirdStart.Sub(*secondEnd), 100*time.Millisecond)
}

func TestWorkflowRun_RetryExhaustion(t *testing.T) {
	wf := workflow.NewWorkflow("exhausted")
	wf.AddTask(workflow.NewTask("doomed", fail("always fails"),
		workflow.WithRetries(1),
		workflow.WithRetryDelay(10*time.Millisecond),
	))

	results, err := wf.Run(context.Background(), nil)
	assert.Nil(t, results, "no partial results on failure")
	assert.Error(t, err)

	var taskFailedErr *workflow.TaskFailedError
	assert.True(t, errors.As(err, &taskFailedErr))
	assert.Equal(t, "doomed", taskFailedErr.TaskName)

	task := wf.Task("doomed")
	assert.Equal(t, workflow.FailureTaskState, task.State)
	assert.Equal(t, 2, task.Attempts)

	assert.Len(t, wf.History(), 1)
	assert.Equal(t, workflow.ExecutionFailure, wf.History()[0].Status)
}

func TestWorkflowRun_FailurePropagation(t *testing.T) {
	var invoked atomic.Int32
	count := func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		invoked.Add(1)
		return nil, nil
	}

	wf := workflow.NewWorkflow("cascade")
	wf.AddTask(workflow.NewTask("a", fail("root cause")))
	wf.AddTask(workflow.NewTask("b", count, workflow.WithDependencies("a")))
	wf.AddTask(workflow.NewTask("c", count, workflow.WithDependencies("b")))

	_, err := wf.Run(context.Background(), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "root cause")

	// The whole downstream subgraph is failed before Run returns, without
	// any of it executing.
	assert.Equal(t, workflow.FailureTaskState, wf.Task("b").State)
	assert.Equal(t, workflow.FailureTaskState, wf.Task("c").State)
	assert.Equal(t, int32(0), invoked.Load())

	var depErr *workflow.DependencyFailedError
	assert.True(t, errors.As(wf.Task("b").LastError, &depErr))
	assert.Equal(t, "a", depErr.Dependency)
}

func TestWorkflowRun_Timeout(t *testing.T) {
	wf := workflow.NewWorkflow("slowpoke")
	wf.AddTask(workflow.NewTask("slow", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		time.Sleep(1 * time.Second)
		return nil, nil
	}, workflow.WithTimeout(100*time.Millisecond)))

	start := time.Now()
	_, err := wf.Run(context.Background(), nil)
	elapsed := time.Since(start)

	assert.Error(t, err)
	var timeoutErr *workflow.TimeoutError
	assert.True(t, errors.As(err, &timeoutErr), "expected a timeout in the error chain, got: %v", err)
	assert.Equal(t, workflow.FailureTaskState, wf.Task("slow").State)
	assert.Less(t, elapsed, 700*time.Millisecond, "Run must not wait out the abandoned attempt")
}

func TestWorkflowRun_IdempotentReRun(t *testing.T) {
	var invoked atomic.Int32
	wf := workflow.NewWorkflow("rerun")
	wf.AddTask(workflow.NewTask("once", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		invoked.Add(1)
		return "cached", nil
	}))

	first, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)

	second, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), invoked.Load(), "already-successful tasks must not run again")
	assert.Len(t, wf.History(), 2)
}

func TestWorkflowRun_ResumeAfterFailure(t *testing.T) {
	var succeedNow atomic.Bool
	var upstreamRuns atomic.Int32

	wf := workflow.NewWorkflow("resume")
	wf.AddTask(workflow.NewTask("stable", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		upstreamRuns.Add(1)
		return "stable-result", nil
	}))
	wf.AddTask(workflow.NewTask("fragile", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		if !succeedNow.Load() {
			return nil, fmt.Errorf("not yet")
		}
		return "recovered", nil
	}, workflow.WithDependencies("stable")))

	_, err := wf.Run(context.Background(), nil)
	assert.Error(t, err)

	succeedNow.Store(true)
	results, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, "recovered", results["fragile"])
	assert.Equal(t, "stable-result", results["stable"])
	assert.Equal(t, int32(1), upstreamRuns.Load(), "successful upstream tasks resume, not restart")
}

func TestWorkflowRun_ContextMerging(t *testing.T) {
	wf := workflow.NewWorkflow("context-merge")
	wf.AddTask(workflow.NewTask("producer", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		// Map results merge into the shared run context.
		return map[string]workflow.TaskResult{"shared_key": "shared_value"}, nil
	}))
	wf.AddTask(workflow.NewTask("consumer", func(ctx context.Context, taskCtx map[string]workflow.TaskResult) (workflow.TaskResult, error) {
		assert.Equal(t, "shared_value", taskCtx["shared_key"])
		assert.Equal(t, "base_value", taskCtx["base_key"])
		return "consumed", nil
	}, workflow.WithDependencies("producer")))

	results, err := wf.Run(context.Background(), map[string]workflow.TaskResult{"base_key": "base_value"})
	assert.NoError(t, err)
	assert.Equal(t, "consumed", results["consumer"])
}

func TestWorkflowGetTaskResult(t *testing.T) {
	wf := workflow.NewWorkflow("results")
	wf.AddTask(workflow.NewTask("winner", succeed(42)))
	wf.AddTask(workflow.NewTask("idle", succeed(nil)))

	_, err := wf.GetTaskResult("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = wf.GetTaskResult("idle")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "has not completed successfully")

	_, err = wf.Run(context.Background(), nil)
	assert.NoError(t, err)

	result, err := wf.GetTaskResult("winner")
	assert.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestWorkflowScheduleStamping(t *testing.T) {
	wf := workflow.NewWorkflow("scheduled")
	assert.True(t, wf.ShouldRun(time.Now()), "workflows without a schedule are on-demand")

	sched := &workflow.Schedule{Type: workflow.HourlySchedule}
	wf.SetSchedule(sched)
	assert.True(t, wf.ShouldRun(time.Now()), "never-run schedules are due")

	wf.AddTask(workflow.NewTask("tick", succeed("tock")))
	_, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)

	assert.NotNil(t, sched.LastRun)
	assert.False(t, wf.ShouldRun(time.Now()), "freshly run hourly workflow is not due")
	assert.True(t, wf.ShouldRun(time.Now().Add(61*time.Minute)))
}

func TestWorkflowScheduleNotStampedOnFailure(t *testing.T) {
	sched := &workflow.Schedule{Type: workflow.HourlySchedule}
	wf := workflow.NewWorkflow("failing-scheduled")
	wf.SetSchedule(sched)
	wf.AddTask(workflow.NewTask("broken", fail("nope")))

	_, err := wf.Run(context.Background(), nil)
	assert.Error(t, err)
	assert.Nil(t, sched.LastRun, "LastRun moves only after a fully successful run")
}

func TestWorkflowRun_PersistsHistory(t *testing.T) {
	store := storage.NewMockStore()
	wf := workflow.NewWorkflow("persisted")
	wf.SetStore(store)
	wf.AddTask(workflow.NewTask("only", succeed("done")))

	_, err := wf.Run(context.Background(), nil)
	assert.NoError(t, err)

	runs, err := store.ListRuns("persisted")
	assert.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, workflow.ExecutionSuccess, runs[0].Status)
	assert.NotNil(t, runs[0].EndTime)
	assert.Contains(t, runs[0].TaskExecutions, "only")
}
