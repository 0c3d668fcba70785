package dto

import (
	"time"

	"github.com/noah-isme/timetable-solver/internal/models"
	"github.com/noah-isme/timetable-solver/internal/solver"
)

// SolveRequest submits a timetable run for a project.
type SolveRequest struct {
	ProjectID        string             `json:"projectId" validate:"required,max=64"`
	Weights          map[string]float64 `json:"weights" validate:"required,min=1,dive,keys,required,endkeys,gte=0"`
	ObjectiveVersion string             `json:"objectiveVersion" validate:"omitempty,oneof=v1"`
	Seed             *int64             `json:"seed"`
	MaxIterations    *int               `json:"maxIterations" validate:"omitempty,gte=1,lte=10000000"`
	TimeBudgetMs     *int64             `json:"timeBudgetMs" validate:"omitempty,gte=1,lte=3600000"`
}

// SolveResponse acknowledges a queued run.
type SolveResponse struct {
	RunID  string           `json:"runId"`
	Status models.RunStatus `json:"status"`
}

// RunStatusResponse describes where a run is in its lifecycle.
type RunStatusResponse struct {
	RunID        string           `json:"runId"`
	ProjectID    string           `json:"projectId"`
	Status       models.RunStatus `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
	ErrorMessage *string          `json:"errorMessage,omitempty"`
}

// RunResultState is the Result Accessor outcome.
type RunResultState string

const (
	RunResultPending   RunResultState = "PENDING"
	RunResultSucceeded RunResultState = "SUCCEEDED"
	RunResultFailed    RunResultState = "FAILED"
)

// RunResultResponse is the payload of a run's result lookup. Schedule fields
// are only set for succeeded runs and Reason only for failed ones.
type RunResultResponse struct {
	RunID            string                `json:"runId"`
	ProjectID        string                `json:"projectId"`
	State            RunResultState        `json:"state"`
	Status           models.RunStatus      `json:"status"`
	Weights          map[string]float64    `json:"weights,omitempty"`
	ObjectiveVersion string                `json:"objectiveVersion,omitempty"`
	Partial          bool                  `json:"partial"`
	Lessons          []models.RunLesson    `json:"lessons,omitempty"`
	Unassigned       []UnassignedLesson    `json:"unassigned,omitempty"`
	Score            *solver.Breakdown     `json:"score,omitempty"`
	Diagnostics      *solver.Stats         `json:"diagnostics,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	FinishedAt       *time.Time            `json:"finishedAt,omitempty"`
}

// UnassignedLesson names an occurrence the run could not place.
type UnassignedLesson struct {
	OccurrenceID  string `json:"occurrenceId"`
	CourseID      string `json:"courseId"`
	CourseName    string `json:"courseName"`
	GroupID       string `json:"groupId"`
	GroupName     string `json:"groupName"`
	DurationSlots int    `json:"durationSlots"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

// Terminal reports whether the result can no longer change.
func (r *RunResultResponse) Terminal() bool {
	return r != nil && r.State != RunResultPending
}
