package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/noah-isme/timetable-solver/internal/models"
)

const runColumns = `id, project_id, status, weights, objective_version, options, snapshot, score, diagnostics, unassigned, partial, error_message, created_at, started_at, finished_at`

const lessonColumns = `run_id, position, occurrence_id, course_id, course_name, group_id, group_name, session, duration_slots, teacher_id, teacher_name, classroom_id, classroom_name, day, period, slots, reason, detail`

// RunRepository persists solve runs and their lesson records.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository constructs the repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run row with generated defaults.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if len(run.Snapshot) == 0 {
		run.Snapshot = types.JSONText("{}")
	}
	const query = `INSERT INTO solve_runs (` + runColumns + `)
VALUES (:id, :project_id, :status, :weights, :objective_version, :options, :snapshot, :score, :diagnostics, :unassigned, :partial, :error_message, :created_at, :started_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetByID returns a run row by its identifier.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM solve_runs WHERE id = $1`
	var run models.Run
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// UpdateRunParams defines the mutable fields of a run.
type UpdateRunParams struct {
	Status       *models.RunStatus
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Score        *types.JSONText
	Diagnostics  *types.JSONText
	Unassigned   *int
	Partial      *bool
}

func (p UpdateRunParams) clauses() ([]string, []interface{}) {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.FinishedAt != nil {
		add("finished_at", *p.FinishedAt)
	}
	if p.Score != nil {
		add("score", *p.Score)
	}
	if p.Diagnostics != nil {
		add("diagnostics", *p.Diagnostics)
	}
	if p.Unassigned != nil {
		add("unassigned", *p.Unassigned)
	}
	if p.Partial != nil {
		add("partial", *p.Partial)
	}
	return set, args
}

// Update persists the provided changes for a run row.
func (r *RunRepository) Update(ctx context.Context, id string, params UpdateRunParams) error {
	set, args := params.clauses()
	if len(set) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE solve_runs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args)+1)
	args = append(args, id)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// SaveResult writes the terminal run fields and replaces its lesson records
// in one transaction.
func (r *RunRepository) SaveResult(ctx context.Context, id string, params UpdateRunParams, lessons []models.RunLesson) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run result: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	set, args := params.clauses()
	if len(set) > 0 {
		query := fmt.Sprintf("UPDATE solve_runs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args)+1)
		args = append(args, id)
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update run result: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM solve_run_lessons WHERE run_id = $1`, id); err != nil {
		return fmt.Errorf("clear run lessons: %w", err)
	}
	if len(lessons) > 0 {
		for i := range lessons {
			lessons[i].RunID = id
			lessons[i].Position = i
		}
		const insert = `INSERT INTO solve_run_lessons (` + lessonColumns + `)
VALUES (:run_id, :position, :occurrence_id, :course_id, :course_name, :group_id, :group_name, :session, :duration_slots, :teacher_id, :teacher_name, :classroom_id, :classroom_name, :day, :period, :slots, :reason, :detail)`
		if _, err = tx.NamedExecContext(ctx, insert, lessons); err != nil {
			return fmt.Errorf("insert run lessons: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit run result: %w", err)
	}
	return nil
}

// ListLessons returns a run's lesson records in occurrence order.
func (r *RunRepository) ListLessons(ctx context.Context, runID string) ([]models.RunLesson, error) {
	const query = `SELECT ` + lessonColumns + ` FROM solve_run_lessons WHERE run_id = $1 ORDER BY position ASC`
	var lessons []models.RunLesson
	if err := r.db.SelectContext(ctx, &lessons, query, runID); err != nil {
		return nil, fmt.Errorf("list run lessons: %w", err)
	}
	return lessons, nil
}

// FailUnfinished marks runs left QUEUED or RUNNING by a previous process as
// FAILED and returns their identifiers.
func (r *RunRepository) FailUnfinished(ctx context.Context, reason string, at time.Time) ([]string, error) {
	const query = `UPDATE solve_runs SET status = 'FAILED', error_message = $1, finished_at = $2
WHERE status IN ('QUEUED', 'RUNNING') RETURNING id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, reason, at); err != nil {
		return nil, fmt.Errorf("fail unfinished runs: %w", err)
	}
	return ids, nil
}
