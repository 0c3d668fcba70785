package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-solver/internal/models"
	"github.com/noah-isme/timetable-solver/internal/repository"
	"github.com/noah-isme/timetable-solver/internal/solver"
	"github.com/noah-isme/timetable-solver/pkg/jobs"
	"github.com/noah-isme/timetable-solver/pkg/logger"
)

// RunWorker executes queued runs. Each job runs one search on the calling
// goroutine; failures are recorded on the run and never retried.
type RunWorker struct {
	registry *RunRegistry
	store    runStore
	cache    *CacheService
	metrics  *MetricsService
	logger   *zap.Logger
	cacheTTL time.Duration
	now      func() time.Time
}

// NewRunWorker constructs a worker sharing the service's registry.
func NewRunWorker(registry *RunRegistry, store runStore, cache *CacheService, metrics *MetricsService, cacheTTL time.Duration, log *zap.Logger) *RunWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RunWorker{
		registry: registry,
		store:    store,
		cache:    cache,
		metrics:  metrics,
		logger:   log,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes a queue job. The returned error is always nil: the
// outcome is stored on the run itself.
func (w *RunWorker) Handle(ctx context.Context, job jobs.Job) error {
	started := w.now()
	entry, ok := w.registry.Start(job.ID, started)
	if !ok {
		w.logger.Debug("skipping run that is not queued", zap.String("run_id", job.ID))
		return nil
	}
	log := logger.ForRun(w.logger, entry.run.ID, entry.run.ProjectID)
	w.metrics.RunStarted()
	log.Info("run started")

	persistCtx := context.WithoutCancel(ctx)
	running := models.RunStatusRunning
	if err := w.store.Update(persistCtx, job.ID, repository.UpdateRunParams{Status: &running, StartedAt: &started}); err != nil {
		log.Warn("failed to mark run running", zap.Error(err))
	}

	result, err := w.solve(ctx, entry)
	if err == nil && !w.registry.Commit(job.ID) {
		err = context.Canceled
	}
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			reason = models.RunFailureInterrupted
			if w.registry.CancelRequested(job.ID) {
				reason = models.RunFailureCancelled
			}
		}
		w.fail(persistCtx, log, entry.run, reason, started)
		return nil
	}

	finished := w.now()
	run := entry.run
	run.FinishedAt = &finished
	lessons := toRunLessons(result.Lessons)
	score, diagnostics, err := encodeOutcome(result)
	if err != nil {
		w.fail(persistCtx, log, run, err.Error(), started)
		return nil
	}

	succeeded := models.RunStatusSucceeded
	unassigned := result.Unassigned
	partial := result.Partial
	if err := w.store.SaveResult(persistCtx, job.ID, repository.UpdateRunParams{
		Status:      &succeeded,
		FinishedAt:  &finished,
		Score:       &score,
		Diagnostics: &diagnostics,
		Unassigned:  &unassigned,
		Partial:     &partial,
	}, lessons); err != nil {
		w.fail(persistCtx, log, run, fmt.Sprintf("persist result: %v", err), started)
		return nil
	}

	out := succeededResult(run, lessons, &result.Score, &result.Stats)
	w.registry.Finish(job.ID, models.RunStatusSucceeded, finished, out)
	w.cache.Set(persistCtx, resultCacheKey(job.ID), out, w.cacheTTL)
	w.metrics.RunFinished(models.RunStatusSucceeded, started)
	w.metrics.ObserveSchedule(result.Unassigned, result.Stats.Iterations)
	log.Info("run succeeded",
		zap.Int("unassigned", result.Unassigned),
		zap.Float64("penalty", result.Score.Total),
		zap.Int("iterations", result.Stats.Iterations),
		zap.String("stop_reason", string(result.Stats.StopReason)),
		zap.Duration("elapsed", result.Stats.Elapsed),
	)
	return nil
}

func (w *RunWorker) solve(ctx context.Context, entry runEntry) (res *solver.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("solver panic: %v", r)
		}
	}()
	if entry.snapshot == nil {
		return nil, fmt.Errorf("run has no snapshot")
	}
	model := solver.Build(entry.snapshot)
	return solver.Solve(ctx, model, entry.weights, entry.options)
}

func (w *RunWorker) fail(ctx context.Context, log *zap.Logger, run models.Run, reason string, started time.Time) {
	finished := w.now()
	run.Status = models.RunStatusFailed
	run.ErrorMessage = &reason
	run.FinishedAt = &finished
	failed := run.Status
	if err := w.store.Update(ctx, run.ID, repository.UpdateRunParams{
		Status:       &failed,
		ErrorMessage: &reason,
		FinishedAt:   &finished,
	}); err != nil {
		log.Warn("failed to mark run failed", zap.Error(err))
	}
	out := failedResult(run)
	w.registry.Finish(run.ID, models.RunStatusFailed, finished, out)
	w.cache.Set(ctx, resultCacheKey(run.ID), out, w.cacheTTL)
	w.metrics.RunFinished(models.RunStatusFailed, started)
	log.Warn("run failed", zap.String("reason", reason))
}

func encodeOutcome(res *solver.Result) (types.JSONText, types.JSONText, error) {
	score, err := json.Marshal(res.Score)
	if err != nil {
		return nil, nil, fmt.Errorf("encode score: %w", err)
	}
	stats, err := json.Marshal(res.Stats)
	if err != nil {
		return nil, nil, fmt.Errorf("encode diagnostics: %w", err)
	}
	return types.JSONText(score), types.JSONText(stats), nil
}

func toRunLessons(lessons []solver.Lesson) []models.RunLesson {
	out := make([]models.RunLesson, len(lessons))
	for i, l := range lessons {
		rl := models.RunLesson{
			OccurrenceID:  l.OccurrenceID,
			CourseID:      l.CourseID,
			CourseName:    l.CourseName,
			GroupID:       l.GroupID,
			GroupName:     l.GroupName,
			Session:       l.Session,
			DurationSlots: l.DurationSlots,
			TeacherID:     l.TeacherID,
			TeacherName:   l.TeacherName,
			ClassroomID:   l.ClassroomID,
			ClassroomName: l.ClassroomName,
			Day:           l.Day,
			Period:        l.Period,
		}
		if len(l.Slots) > 0 {
			rl.Slots = make(pq.Int64Array, len(l.Slots))
			for k, slot := range l.Slots {
				rl.Slots[k] = int64(slot)
			}
		}
		if !l.Assigned() {
			reason := string(l.Reason)
			rl.Reason = &reason
			if l.Detail != "" {
				detail := l.Detail
				rl.Detail = &detail
			}
		}
		out[i] = rl
	}
	return out
}
