package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// RunStatus captures the solve run lifecycle.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Failure reasons recorded on FAILED runs.
const (
	RunFailureCancelled   = "cancelled"
	RunFailureInterrupted = "interrupted"
)

// Run is a persisted solve request and its outcome.
type Run struct {
	ID               string             `db:"id" json:"id"`
	ProjectID        string             `db:"project_id" json:"projectId"`
	Status           RunStatus          `db:"status" json:"status"`
	Weights          WeightMap          `db:"weights" json:"weights"`
	ObjectiveVersion string             `db:"objective_version" json:"objectiveVersion"`
	Options          RunOptions         `db:"options" json:"options"`
	Snapshot         types.JSONText     `db:"snapshot" json:"-"`
	Score            types.NullJSONText `db:"score" json:"-"`
	Diagnostics      types.NullJSONText `db:"diagnostics" json:"-"`
	Unassigned       int                `db:"unassigned" json:"unassigned"`
	Partial          bool               `db:"partial" json:"partial"`
	ErrorMessage     *string            `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt        time.Time          `db:"created_at" json:"createdAt"`
	StartedAt        *time.Time         `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt       *time.Time         `db:"finished_at" json:"finishedAt,omitempty"`
}

// RunOptions stores the search budgets a run was submitted with.
type RunOptions struct {
	Seed            int64 `json:"seed"`
	MaxIterations   int   `json:"maxIterations"`
	NodeBudget      int   `json:"nodeBudget"`
	TimeBudgetMs    int64 `json:"timeBudgetMs"`
	StallIterations int   `json:"stallIterations"`
}

// Value marshals options to JSON for persistence.
func (o RunOptions) Value() (driver.Value, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal run options: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSON column into the options.
func (o *RunOptions) Scan(value interface{}) error {
	data, err := jsonBytes(value, "RunOptions")
	if err != nil {
		return err
	}
	*o = RunOptions{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("unmarshal run options: %w", err)
	}
	return nil
}

// WeightMap is an objective weight vector persisted as JSONB.
type WeightMap map[string]float64

// Value marshals the weights to JSON.
func (w WeightMap) Value() (driver.Value, error) {
	if w == nil {
		w = WeightMap{}
	}
	data, err := json.Marshal(map[string]float64(w))
	if err != nil {
		return nil, fmt.Errorf("marshal run weights: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSON column into the weights.
func (w *WeightMap) Scan(value interface{}) error {
	data, err := jsonBytes(value, "WeightMap")
	if err != nil {
		return err
	}
	out := WeightMap{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("unmarshal run weights: %w", err)
		}
	}
	*w = out
	return nil
}

func jsonBytes(value interface{}, target string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T for %s", value, target)
	}
}

// RunLesson is one persisted lesson record of a finished run. Placement
// columns are NULL for unassigned occurrences.
type RunLesson struct {
	RunID         string        `db:"run_id" json:"-"`
	Position      int           `db:"position" json:"-"`
	OccurrenceID  string        `db:"occurrence_id" json:"occurrenceId"`
	CourseID      string        `db:"course_id" json:"courseId"`
	CourseName    string        `db:"course_name" json:"courseName"`
	GroupID       string        `db:"group_id" json:"groupId"`
	GroupName     string        `db:"group_name" json:"groupName"`
	Session       int           `db:"session" json:"session"`
	DurationSlots int           `db:"duration_slots" json:"durationSlots"`
	TeacherID     *string       `db:"teacher_id" json:"teacherId"`
	TeacherName   *string       `db:"teacher_name" json:"teacherName"`
	ClassroomID   *string       `db:"classroom_id" json:"classroomId"`
	ClassroomName *string       `db:"classroom_name" json:"classroomName"`
	Day           *int          `db:"day" json:"day"`
	Period        *int          `db:"period" json:"period"`
	Slots         pq.Int64Array `db:"slots" json:"slots"`
	Reason        *string       `db:"reason" json:"reason,omitempty"`
	Detail        *string       `db:"detail" json:"detail,omitempty"`
}

// Assigned reports whether the lesson has a placement.
func (l RunLesson) Assigned() bool {
	return l.Day != nil
}
