package solver

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

const (
	epsilon        = 1e-9
	minTemperature = 1e-6
)

// StopReason records why the improvement phase ended.
type StopReason string

const (
	StopIterationBudget StopReason = "ITERATION_BUDGET"
	StopTimeBudget      StopReason = "TIME_BUDGET"
	StopStalled         StopReason = "STALLED"
	StopPerfect         StopReason = "PERFECT"
	StopNoMoves         StopReason = "NO_MOVES"
)

// Options bound the search. Zero values fall back to DefaultOptions.
type Options struct {
	Seed               int64
	MaxIterations      int
	NodeBudget         int
	TimeBudget         time.Duration
	StallIterations    int
	InitialTemperature float64
	CoolingRate        float64
	SampleSize         int
	CheckpointEvery    int
}

// DefaultOptions returns the budgets used when a run does not override them.
func DefaultOptions() Options {
	return Options{
		Seed:               1,
		MaxIterations:      20000,
		NodeBudget:         50000,
		TimeBudget:         30 * time.Second,
		StallIterations:    4000,
		InitialTemperature: 5,
		CoolingRate:        0.9995,
		SampleSize:         8,
		CheckpointEvery:    500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.NodeBudget <= 0 {
		o.NodeBudget = d.NodeBudget
	}
	if o.StallIterations < 0 {
		o.StallIterations = 0
	}
	if o.InitialTemperature <= 0 {
		o.InitialTemperature = d.InitialTemperature
	}
	if o.CoolingRate <= 0 || o.CoolingRate >= 1 {
		o.CoolingRate = d.CoolingRate
	}
	if o.SampleSize <= 0 {
		o.SampleSize = d.SampleSize
	}
	if o.CheckpointEvery < 0 {
		o.CheckpointEvery = 0
	}
	return o
}

// Checkpoint is the best score seen after Iteration improvement steps.
type Checkpoint struct {
	Iteration  int     `json:"iteration"`
	Unassigned int     `json:"unassigned"`
	Penalty    float64 `json:"penalty"`
}

// Stats describes how the search went.
type Stats struct {
	Variables            int           `json:"variables"`
	Edges                int           `json:"edges"`
	Frozen               int           `json:"frozen"`
	ConstructionNodes    int           `json:"constructionNodes"`
	ConstructionComplete bool          `json:"constructionComplete"`
	Iterations           int           `json:"iterations"`
	Accepted             int           `json:"accepted"`
	Improvements         int           `json:"improvements"`
	StopReason           StopReason    `json:"stopReason"`
	Checkpoints          []Checkpoint  `json:"checkpoints,omitempty"`
	Elapsed              time.Duration `json:"elapsedNs"`
}

// Lesson is one occurrence in the output schedule. Placement fields are nil
// when the occurrence is unassigned.
type Lesson struct {
	OccurrenceID  string  `json:"occurrenceId"`
	CourseID      string  `json:"courseId"`
	CourseName    string  `json:"courseName"`
	GroupID       string  `json:"groupId"`
	GroupName     string  `json:"groupName"`
	Session       int     `json:"session"`
	DurationSlots int     `json:"durationSlots"`
	TeacherID     *string `json:"teacherId"`
	TeacherName   *string `json:"teacherName"`
	ClassroomID   *string `json:"classroomId"`
	ClassroomName *string `json:"classroomName"`
	Day           *int    `json:"day"`
	Period        *int    `json:"period"`
	Slots         []int   `json:"slots,omitempty"`
	Reason        Reason  `json:"reason,omitempty"`
	Detail        string  `json:"detail,omitempty"`
}

// Assigned reports whether the lesson has a placement.
func (l Lesson) Assigned() bool {
	return l.Day != nil
}

// Result is the outcome of Solve. Partial is set when some occurrence is
// unassigned.
type Result struct {
	Lessons    []Lesson  `json:"lessons"`
	Unassigned int       `json:"unassigned"`
	Partial    bool      `json:"partial"`
	Score      Breakdown `json:"score"`
	Stats      Stats     `json:"stats"`
}

// Solve builds an initial assignment and improves it under the given weights.
// The same model, weights and options always produce the same result, except
// when the time budget cuts the search short. A cancelled context yields the
// context's error.
func Solve(ctx context.Context, m *Model, w Weights, opts Options) (*Result, error) {
	if m == nil || m.Snapshot == nil {
		return nil, fmt.Errorf("solver: nil model")
	}
	started := time.Now()
	opts = opts.withDefaults()
	stats := Stats{Variables: len(m.Variables), Edges: m.Edges()}

	st := newState(m)
	if len(m.Variables) == 0 {
		stats.StopReason = StopPerfect
		stats.ConstructionComplete = true
		stats.Elapsed = time.Since(started)
		return &Result{Lessons: []Lesson{}, Score: newBreakdown(st.recompute(), w), Stats: stats}, nil
	}

	var deadline time.Time
	if opts.TimeBudget > 0 {
		deadline = started.Add(opts.TimeBudget)
	}

	stats.Frozen = freezeSingletons(st)
	seeded := st.snapshotAssign()

	c := &constructor{ctx: ctx, st: st, weights: w, budget: opts.NodeBudget, deadline: deadline}
	c.markDoomed()
	complete, err := c.backtrack()
	if err != nil {
		return nil, err
	}
	stats.ConstructionNodes = c.nodes
	if !complete {
		st.restore(seeded)
		c.markDoomed()
		if err := c.greedy(); err != nil {
			return nil, err
		}
	}
	stats.ConstructionComplete = complete && len(c.doomed) == 0

	rng := rand.New(rand.NewSource(opts.Seed))
	a := newAnnealer(ctx, st, w, opts, rng, deadline)
	reason, err := a.run()
	if err != nil {
		return nil, err
	}
	st.restore(a.bestAssign)
	if opts.CheckpointEvery > 0 && (len(a.checkpoints) == 0 || a.checkpoints[len(a.checkpoints)-1].Iteration != a.iterations) {
		a.checkpoint()
	}

	stats.Iterations = a.iterations
	stats.Accepted = a.accepted
	stats.Improvements = a.improvements
	stats.StopReason = reason
	stats.Checkpoints = a.checkpoints

	if err := Verify(m, st.assign); err != nil {
		return nil, err
	}

	res := &Result{
		Lessons: make([]Lesson, len(m.Variables)),
		Score:   newBreakdown(st.recompute(), w),
	}
	for v := range m.Variables {
		res.Lessons[v] = lessonFor(m, st, v, c.doomed[v])
		if !res.Lessons[v].Assigned() {
			res.Unassigned++
		}
	}
	res.Partial = res.Unassigned > 0
	stats.Elapsed = time.Since(started)
	res.Stats = stats
	return res, nil
}

func lessonFor(m *Model, st *state, v int, doomed bool) Lesson {
	s := m.Snapshot
	variable := m.Variables[v]
	occ := variable.Occurrence
	course := s.Courses[occ.Course]
	group := s.Groups[occ.Group]
	l := Lesson{
		OccurrenceID:  occ.ID,
		CourseID:      course.ID,
		CourseName:    course.Name,
		GroupID:       group.ID,
		GroupName:     group.Name,
		Session:       occ.Session,
		DurationSlots: occ.Duration,
	}
	c, ok := st.candidate(v)
	if !ok {
		if variable.Infeasible() {
			l.Reason = ReasonInfeasible
			l.Detail = variable.Detail
		} else {
			l.Reason = ReasonBudgetExhausted
			if doomed {
				l.Detail = "every candidate collides with a single-option lesson"
			} else {
				l.Detail = "search budget spent before a placement was found"
			}
		}
		return l
	}
	teacher := s.Teachers[c.Teacher]
	room := s.Classrooms[c.Room]
	day, period := s.Term.DayOf(c.Start), s.Term.PeriodOf(c.Start)
	l.TeacherID, l.TeacherName = &teacher.ID, &teacher.Name
	l.ClassroomID, l.ClassroomName = &room.ID, &room.Name
	l.Day, l.Period = &day, &period
	l.Slots = make([]int, occ.Duration)
	for k := range l.Slots {
		l.Slots[k] = c.Start + k
	}
	return l
}
