package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-solver/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var runColumnNames = []string{"id", "project_id", "status", "weights", "objective_version", "options", "snapshot", "score", "diagnostics", "unassigned", "partial", "error_message", "created_at", "started_at", "finished_at"}

func TestRunRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO solve_runs")).
		WithArgs(sqlmock.AnyArg(), "project-1", "QUEUED", sqlmock.AnyArg(), "v1", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, 0, false, nil, sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := &models.Run{
		ProjectID:        "project-1",
		Weights:          models.WeightMap{"teacher_idle": 2},
		ObjectiveVersion: "v1",
		Options:          models.RunOptions{Seed: 7},
		Snapshot:         types.JSONText(`{"projectId":"project-1"}`),
	}
	require.NoError(t, repo.Create(context.Background(), run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusQueued, run.Status)

	rows := sqlmock.NewRows(runColumnNames).
		AddRow(run.ID, "project-1", "QUEUED", `{"teacher_idle":2}`, "v1", `{"seed":7}`, `{"projectId":"project-1"}`, nil, nil, 0, false, nil, time.Now(), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM solve_runs WHERE id = $1")).
		WithArgs(run.ID).
		WillReturnRows(rows)

	fetched, err := repo.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, fetched.ID)
	assert.Equal(t, 2.0, fetched.Weights["teacher_idle"])
	assert.Equal(t, int64(7), fetched.Options.Seed)
	assert.False(t, fetched.Score.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryGetMissing(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM solve_runs WHERE id = $1")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "nope")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	now := time.Now()
	status := models.RunStatusRunning
	mock.ExpectExec(regexp.QuoteMeta("UPDATE solve_runs SET status = $1, started_at = $2 WHERE id = $3")).
		WithArgs(status, now, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Update(context.Background(), "run-1", UpdateRunParams{Status: &status, StartedAt: &now}))
	require.NoError(t, repo.Update(context.Background(), "run-1", UpdateRunParams{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositorySaveResult(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	now := time.Now()
	status := models.RunStatusSucceeded
	unassigned := 1
	partial := true
	score := types.JSONText(`{"total":3}`)
	teacher, day, period := "t1", 0, 2

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE solve_runs SET status = $1, finished_at = $2, score = $3, unassigned = $4, partial = $5 WHERE id = $6")).
		WithArgs(status, now, sqlmock.AnyArg(), unassigned, partial, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM solve_run_lessons WHERE run_id = $1")).
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO solve_run_lessons")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	lessons := []models.RunLesson{
		{OccurrenceID: "g1/c1/1", CourseID: "c1", GroupID: "g1", DurationSlots: 1, TeacherID: &teacher, Day: &day, Period: &period, Slots: pq.Int64Array{2}},
		{OccurrenceID: "g1/c2/1", CourseID: "c2", GroupID: "g1", DurationSlots: 1},
	}
	err := repo.SaveResult(context.Background(), "run-1", UpdateRunParams{
		Status:     &status,
		FinishedAt: &now,
		Score:      &score,
		Unassigned: &unassigned,
		Partial:    &partial,
	}, lessons)
	require.NoError(t, err)
	assert.Equal(t, "run-1", lessons[1].RunID)
	assert.Equal(t, 1, lessons[1].Position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositorySaveResultRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	status := models.RunStatusSucceeded
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE solve_runs SET status = $1 WHERE id = $2")).
		WithArgs(status, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM solve_run_lessons")).
		WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err := repo.SaveResult(context.Background(), "run-1", UpdateRunParams{Status: &status}, nil)
	assert.ErrorContains(t, err, "clear run lessons")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryListLessons(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	rows := sqlmock.NewRows([]string{"run_id", "position", "occurrence_id", "course_id", "course_name", "group_id", "group_name", "session", "duration_slots", "teacher_id", "teacher_name", "classroom_id", "classroom_name", "day", "period", "slots", "reason", "detail"}).
		AddRow("run-1", 0, "g1/c1/1", "c1", "Math", "g1", "Group", 1, 2, "t1", "Ada", "r1", "Room", 1, 0, "{6,7}", nil, nil).
		AddRow("run-1", 1, "g1/c2/1", "c2", "Art", "g1", "Group", 1, 1, nil, nil, nil, nil, nil, nil, nil, "BUDGET_EXHAUSTED", "no conflict-free placement found")
	mock.ExpectQuery(regexp.QuoteMeta("FROM solve_run_lessons WHERE run_id = $1 ORDER BY position ASC")).
		WithArgs("run-1").
		WillReturnRows(rows)

	lessons, err := repo.ListLessons(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, lessons, 2)
	assert.True(t, lessons[0].Assigned())
	assert.Equal(t, pq.Int64Array{6, 7}, lessons[0].Slots)
	assert.False(t, lessons[1].Assigned())
	assert.Equal(t, "BUDGET_EXHAUSTED", *lessons[1].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryFailUnfinished(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE solve_runs SET status = 'FAILED', error_message = $1, finished_at = $2")).
		WithArgs(models.RunFailureInterrupted, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-1").AddRow("run-2"))

	ids, err := repo.FailUnfinished(context.Background(), models.RunFailureInterrupted, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
