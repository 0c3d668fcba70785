package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-solver/internal/dto"
	"github.com/noah-isme/timetable-solver/internal/models"
	"github.com/noah-isme/timetable-solver/internal/repository"
	"github.com/noah-isme/timetable-solver/internal/solver"
	appErrors "github.com/noah-isme/timetable-solver/pkg/errors"
	"github.com/noah-isme/timetable-solver/pkg/jobs"
	"github.com/noah-isme/timetable-solver/pkg/logger"
)

// RunJobType tags solve jobs on the queue.
const RunJobType = "solve"

const defaultObjectiveVersion = "v1"

type snapshotLoader interface {
	Load(ctx context.Context, projectID string) (*solver.Snapshot, error)
}

type runStore interface {
	Create(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)
	Update(ctx context.Context, id string, params repository.UpdateRunParams) error
	SaveResult(ctx context.Context, id string, params repository.UpdateRunParams, lessons []models.RunLesson) error
	ListLessons(ctx context.Context, runID string) ([]models.RunLesson, error)
	FailUnfinished(ctx context.Context, reason string, at time.Time) ([]string, error)
}

type runDispatcher interface {
	Enqueue(job jobs.Job) error
	Cancel(jobID string) bool
}

// RunServiceConfig carries the default search budgets and retention windows.
type RunServiceConfig struct {
	Solver          solver.Options
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	CacheTTL        time.Duration
}

// RunService accepts solve requests and answers status and result lookups.
type RunService struct {
	snapshots snapshotLoader
	store     runStore
	queue     runDispatcher
	registry  *RunRegistry
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       RunServiceConfig
	now       func() time.Time
}

// NewRunService constructs the service.
func NewRunService(snapshots snapshotLoader, store runStore, queue runDispatcher, registry *RunRegistry, cache *CacheService, metrics *MetricsService, validate *validator.Validate, log *zap.Logger, cfg RunServiceConfig) *RunService {
	if validate == nil {
		validate = validator.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	if registry == nil {
		registry = NewRunRegistry(cfg.ResultTTL)
	}
	return &RunService{
		snapshots: snapshots,
		store:     store,
		queue:     queue,
		registry:  registry,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    log,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the run registry shared with the worker.
func (s *RunService) Registry() *RunRegistry {
	return s.registry
}

// Submit validates a request, freezes the project snapshot and queues a run.
func (s *RunService) Submit(ctx context.Context, req dto.SolveRequest) (*dto.SolveResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid solve request")
	}
	weights, err := solver.ParseWeights(req.Weights)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidWeights.Code, appErrors.ErrInvalidWeights.Status, err.Error())
	}
	version := req.ObjectiveVersion
	if version == "" {
		version = defaultObjectiveVersion
	}

	start := time.Now()
	snapshot, err := s.snapshots.Load(ctx, req.ProjectID)
	s.metrics.ObserveDBQuery("load_snapshot", time.Since(start))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "project not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load project snapshot")
	}
	snapshot.Normalize()
	if err := snapshot.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}

	opts := s.optionsFor(req)
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode snapshot")
	}
	run := &models.Run{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		Status:           models.RunStatusQueued,
		Weights:          models.WeightMap(weights.Map()),
		ObjectiveVersion: version,
		Options: models.RunOptions{
			Seed:            opts.Seed,
			MaxIterations:   opts.MaxIterations,
			NodeBudget:      opts.NodeBudget,
			TimeBudgetMs:    opts.TimeBudget.Milliseconds(),
			StallIterations: opts.StallIterations,
		},
		Snapshot:  types.JSONText(payload),
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create run")
	}
	s.registry.Register(*run, snapshot, weights, opts)

	log := logger.ForRun(s.logger, run.ID, run.ProjectID)
	if err := s.queue.Enqueue(jobs.Job{ID: run.ID, Type: RunJobType}); err != nil {
		log.Warn("failed to enqueue run", zap.Error(err))
		if errors.Is(err, jobs.ErrQueueFull) {
			s.metrics.QueueRejected()
		}
		msg := fmt.Sprintf("enqueue failed: %v", err)
		now := s.now()
		failed := *run
		failed.Status = models.RunStatusFailed
		failed.ErrorMessage = &msg
		failed.FinishedAt = &now
		s.registry.Finish(run.ID, models.RunStatusFailed, now, failedResult(failed))
		s.persistFailure(ctx, run.ID, msg, now)
		s.metrics.RunFinished(models.RunStatusFailed, time.Time{})
		if errors.Is(err, jobs.ErrQueueFull) {
			return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "solver queue is full")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue run")
	}
	log.Info("run queued", zap.Int("teachers", len(snapshot.Teachers)), zap.Int("courses", len(snapshot.Courses)), zap.Int("groups", len(snapshot.Groups)))
	return &dto.SolveResponse{RunID: run.ID, Status: run.Status}, nil
}

func (s *RunService) optionsFor(req dto.SolveRequest) solver.Options {
	opts := s.cfg.Solver
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}
	if req.MaxIterations != nil {
		opts.MaxIterations = *req.MaxIterations
	}
	if req.TimeBudgetMs != nil {
		opts.TimeBudget = time.Duration(*req.TimeBudgetMs) * time.Millisecond
	}
	return opts
}

// Status returns the lifecycle state of a run.
func (s *RunService) Status(ctx context.Context, id string) (*dto.RunStatusResponse, error) {
	if run, _, ok := s.registry.Get(id); ok {
		return statusResponse(run), nil
	}
	run, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusResponse(*run), nil
}

// Cancel stops a queued or running run. The run ends FAILED with reason
// cancelled; a running search notices at its next context check.
func (s *RunService) Cancel(ctx context.Context, id string) (*dto.RunStatusResponse, error) {
	now := s.now()
	run, outcome := s.registry.RequestCancel(id, now)
	switch outcome {
	case cancelQueued:
		s.queue.Cancel(id)
		s.persistFailure(ctx, id, models.RunFailureCancelled, now)
		_, result, _ := s.registry.Get(id)
		s.cache.Set(ctx, resultCacheKey(id), result, s.cfg.CacheTTL)
		s.metrics.RunFinished(models.RunStatusFailed, time.Time{})
		logger.ForRun(s.logger, id, run.ProjectID).Info("queued run cancelled")
		return statusResponse(run), nil
	case cancelRunning:
		s.queue.Cancel(id)
		logger.ForRun(s.logger, id, run.ProjectID).Info("cancellation requested for running run")
		return statusResponse(run), nil
	case cancelCommitting:
		return nil, appErrors.Clone(appErrors.ErrConflict, "run is already saving its result")
	case cancelTerminal:
		return nil, appErrors.Clone(appErrors.ErrConflict, "run already finished")
	}

	stored, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "run already finished")
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "run is not owned by this instance")
}

// Results returns the outcome of a run: pending, succeeded or failed. A
// terminal run yields the same value on every call.
func (s *RunService) Results(ctx context.Context, id string) (*dto.RunResultResponse, error) {
	if run, result, ok := s.registry.Get(id); ok {
		if result != nil {
			return result, nil
		}
		return pendingResult(run), nil
	}

	var cached dto.RunResultResponse
	if s.cache.Get(ctx, resultCacheKey(id), &cached) {
		return &cached, nil
	}

	run, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return pendingResult(*run), nil
	}
	var lessons []models.RunLesson
	if run.Status == models.RunStatusSucceeded {
		start := time.Now()
		lessons, err = s.store.ListLessons(ctx, id)
		s.metrics.ObserveDBQuery("list_run_lessons", time.Since(start))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run lessons")
		}
	}
	result, err := resultFromRecord(*run, lessons)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode run result")
	}
	s.cache.Set(ctx, resultCacheKey(id), result, s.cfg.CacheTTL)
	return result, nil
}

// RecoverInterrupted fails runs a previous process left unfinished. Their
// snapshots are kept, but the search state is gone, so they are not resumed.
func (s *RunService) RecoverInterrupted(ctx context.Context) {
	ids, err := s.store.FailUnfinished(ctx, models.RunFailureInterrupted, s.now())
	if err != nil {
		s.logger.Warn("failed to recover unfinished runs", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.cache.Invalidate(ctx, resultCacheKey(id))
	}
	if len(ids) > 0 {
		s.logger.Info("marked interrupted runs as failed", zap.Int("count", len(ids)))
	}
}

// StartCleanup boots a goroutine that drops expired runs from the registry.
func (s *RunService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.registry.Purge(s.now()); removed > 0 {
					s.logger.Debug("purged finished runs", zap.Int("removed", removed))
				}
			}
		}
	}()
}

func (s *RunService) lookup(ctx context.Context, id string) (*models.Run, error) {
	start := time.Now()
	run, err := s.store.GetByID(ctx, id)
	s.metrics.ObserveDBQuery("get_run", time.Since(start))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}
	return run, nil
}

func (s *RunService) persistFailure(ctx context.Context, id, reason string, at time.Time) {
	failed := models.RunStatusFailed
	if err := s.store.Update(context.WithoutCancel(ctx), id, repository.UpdateRunParams{
		Status:       &failed,
		ErrorMessage: &reason,
		FinishedAt:   &at,
	}); err != nil {
		s.logger.Warn("failed to mark run failed", zap.String("run_id", id), zap.Error(err))
	}
}

func resultCacheKey(id string) string {
	return "run:" + id
}

func statusResponse(run models.Run) *dto.RunStatusResponse {
	return &dto.RunStatusResponse{
		RunID:        run.ID,
		ProjectID:    run.ProjectID,
		Status:       run.Status,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		ErrorMessage: run.ErrorMessage,
	}
}

func pendingResult(run models.Run) *dto.RunResultResponse {
	return &dto.RunResultResponse{
		RunID:            run.ID,
		ProjectID:        run.ProjectID,
		State:            dto.RunResultPending,
		Status:           run.Status,
		Weights:          run.Weights,
		ObjectiveVersion: run.ObjectiveVersion,
	}
}

func failedResult(run models.Run) *dto.RunResultResponse {
	res := pendingResult(run)
	res.State = dto.RunResultFailed
	res.Status = models.RunStatusFailed
	res.FinishedAt = run.FinishedAt
	if run.ErrorMessage != nil {
		res.Reason = *run.ErrorMessage
	}
	return res
}

func succeededResult(run models.Run, lessons []models.RunLesson, score *solver.Breakdown, stats *solver.Stats) *dto.RunResultResponse {
	res := pendingResult(run)
	res.State = dto.RunResultSucceeded
	res.Status = models.RunStatusSucceeded
	res.FinishedAt = run.FinishedAt
	res.Score = score
	res.Diagnostics = stats
	res.Lessons = make([]models.RunLesson, len(lessons))
	copy(res.Lessons, lessons)
	for _, l := range lessons {
		if l.Assigned() {
			continue
		}
		u := dto.UnassignedLesson{
			OccurrenceID:  l.OccurrenceID,
			CourseID:      l.CourseID,
			CourseName:    l.CourseName,
			GroupID:       l.GroupID,
			GroupName:     l.GroupName,
			DurationSlots: l.DurationSlots,
		}
		if l.Reason != nil {
			u.Reason = *l.Reason
		}
		if l.Detail != nil {
			u.Detail = *l.Detail
		}
		res.Unassigned = append(res.Unassigned, u)
	}
	res.Partial = len(res.Unassigned) > 0
	return res
}

func resultFromRecord(run models.Run, lessons []models.RunLesson) (*dto.RunResultResponse, error) {
	if run.Status != models.RunStatusSucceeded {
		return failedResult(run), nil
	}
	var score *solver.Breakdown
	if run.Score.Valid {
		score = &solver.Breakdown{}
		if err := json.Unmarshal(run.Score.JSONText, score); err != nil {
			return nil, fmt.Errorf("decode score: %w", err)
		}
	}
	var stats *solver.Stats
	if run.Diagnostics.Valid {
		stats = &solver.Stats{}
		if err := json.Unmarshal(run.Diagnostics.JSONText, stats); err != nil {
			return nil, fmt.Errorf("decode diagnostics: %w", err)
		}
	}
	return succeededResult(run, lessons, score, stats), nil
}
