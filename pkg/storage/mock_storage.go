package storage

import (
	"sort"
	"sync"

	"github.com/dagrun/dagrun/pkg/workflow"
)

// mockStore implements Store with in-memory storage.
type mockStore struct {
	mu   sync.RWMutex
	runs []*workflow.WorkflowExecution
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) SaveRun(run *workflow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// SaveRun after a re-run of the same workflow appends a fresh record;
	// an existing record with the same ID is replaced.
	for i, existing := range m.runs {
		if existing.ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockStore) GetRun(id string) (*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) ListRuns(workflowName string) ([]*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.WorkflowExecution
	for _, run := range m.runs {
		if workflowName == "" || run.WorkflowName == workflowName {
			out = append(out, run)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

func (m *mockStore) Close() error {
	return nil
}
