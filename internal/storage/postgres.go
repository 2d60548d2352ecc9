package storage

import (
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/dagrun/dagrun/pkg/storage"
	"github.com/dagrun/dagrun/pkg/workflow"
)

// PostgresStore persists workflow run history in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveRun upserts the run row and replaces its task execution rows. Runs are
// written once, after they close, so the replace keeps re-persisting cheap
// and idempotent.
func (s *PostgresStore) SaveRun(run *workflow.WorkflowExecution) (err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin save run")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				err = errors.Wrapf(err, "rollback also failed: %v", rollbackErr)
			}
		}
	}()

	_, err = tx.Exec(`
		INSERT INTO workflow_runs (id, workflow_name, status, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = $3, finished_at = $5`,
		run.ID, run.WorkflowName, run.Status, run.StartTime, run.EndTime)
	if err != nil {
		return errors.Wrapf(err, "save run %s", run.ID)
	}

	if _, err = tx.Exec("DELETE FROM task_executions WHERE run_id = $1", run.ID); err != nil {
		return errors.Wrapf(err, "clear task executions for run %s", run.ID)
	}
	for _, rec := range run.TaskExecutions {
		_, err = tx.Exec(`
			INSERT INTO task_executions (run_id, task_name, status, started_at, finished_at, logs)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, rec.TaskName, rec.Status, rec.StartTime, rec.EndTime, strings.Join(rec.Logs, "\n"))
		if err != nil {
			return errors.Wrapf(err, "save task execution '%s' for run %s", rec.TaskName, run.ID)
		}
	}

	err = tx.Commit()
	return err
}

func (s *PostgresStore) GetRun(id string) (*workflow.WorkflowExecution, error) {
	var run workflow.WorkflowExecution
	err := s.db.Get(&run, "SELECT id, workflow_name, status, started_at, finished_at FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", id)
	}

	recs, err := s.taskExecutions(id)
	if err != nil {
		return nil, err
	}
	run.TaskExecutions = recs
	return &run, nil
}

func (s *PostgresStore) ListRuns(workflowName string) ([]*workflow.WorkflowExecution, error) {
	runs := []*workflow.WorkflowExecution{}
	query := "SELECT id, workflow_name, status, started_at, finished_at FROM workflow_runs"
	var args []interface{}
	if workflowName != "" {
		query += " WHERE workflow_name = $1"
		args = append(args, workflowName)
	}
	query += " ORDER BY started_at DESC"
	if err := s.db.Select(&runs, query, args...); err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	for _, run := range runs {
		recs, err := s.taskExecutions(run.ID)
		if err != nil {
			return nil, err
		}
		run.TaskExecutions = recs
	}
	return runs, nil
}

type taskExecutionRow struct {
	TaskName   string       `db:"task_name"`
	Status     string       `db:"status"`
	StartedAt  sql.NullTime `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
	Logs       string       `db:"logs"`
}

func (s *PostgresStore) taskExecutions(runID string) (map[string]*workflow.TaskExecution, error) {
	var rows []taskExecutionRow
	err := s.db.Select(&rows,
		"SELECT task_name, status, started_at, finished_at, logs FROM task_executions WHERE run_id = $1 ORDER BY id", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "get task executions for run %s", runID)
	}

	recs := make(map[string]*workflow.TaskExecution, len(rows))
	for _, row := range rows {
		rec := &workflow.TaskExecution{
			TaskName:  row.TaskName,
			Status:    row.Status,
			StartTime: row.StartedAt.Time,
		}
		if row.FinishedAt.Valid {
			finished := row.FinishedAt.Time
			rec.EndTime = &finished
		}
		if row.Logs != "" {
			rec.Logs = strings.Split(row.Logs, "\n")
		}
		recs[row.TaskName] = rec
	}
	return recs, nil
}
