package solver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allSlots(days, periods int) []int {
	out := make([]int, days*periods)
	for i := range out {
		out[i] = i
	}
	return out
}

func fixtureSnapshot() *Snapshot {
	return &Snapshot{
		ProjectID: "project-1",
		Term:      Term{ID: "term-1", Year: 2024, Half: 1, Days: 5, PeriodsPerDay: 4},
		Teachers: []Teacher{
			{ID: "t1", Name: "Ada", AvailableSlots: allSlots(5, 4), CourseIDs: []string{"c-lab", "c-math"}},
			{ID: "t2", Name: "Grace", AvailableSlots: allSlots(5, 4), CourseIDs: []string{"c-art"}},
		},
		Courses: []Course{
			{ID: "c-art", Name: "Art", Units: 2, SessionSlots: 2, RequiredRoomType: RoomTypeNormal},
			{ID: "c-lab", Name: "Lab", Units: 1, SessionSlots: 1, RequiredRoomType: RoomTypeComputerSite},
			{ID: "c-math", Name: "Math", Units: 2, SessionSlots: 1, RequiredRoomType: RoomTypeNormal},
		},
		Classrooms: []Classroom{
			{ID: "r1", Name: "Room 1", Capacity: 40, Type: RoomTypeNormal},
			{ID: "r2", Name: "Lab 1", Capacity: 40, Type: RoomTypeComputerSite},
		},
		Groups: []StudentGroup{
			{ID: "g1", Name: "Group 1", Population: 30, CourseIDs: []string{"c-art", "c-math"}},
			{ID: "g2", Name: "Group 2", Population: 25, CourseIDs: []string{"c-lab", "c-math"}},
		},
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TimeBudget = 0
	opts.MaxIterations = 2000
	opts.StallIterations = 500
	opts.CheckpointEvery = 100
	return opts
}

func defaultWeights(t *testing.T) Weights {
	w, err := ParseWeights(map[string]float64{"teacher_idle": 1})
	require.NoError(t, err)
	return w
}

func solveFixture(t *testing.T, s *Snapshot, opts Options) (*Model, *Result) {
	t.Helper()
	s.Normalize()
	require.NoError(t, s.Validate())
	m := Build(s)
	res, err := Solve(context.Background(), m, defaultWeights(t), opts)
	require.NoError(t, err)
	return m, res
}

func TestSolveProducesConflictFreeSchedule(t *testing.T) {
	s := fixtureSnapshot()
	_, res := solveFixture(t, s, testOptions())

	require.Len(t, res.Lessons, 6)
	assert.Zero(t, res.Unassigned)
	assert.False(t, res.Partial)

	type key struct {
		kind string
		id   string
		slot int
	}
	seen := make(map[key]string)
	for _, l := range res.Lessons {
		require.True(t, l.Assigned(), l.OccurrenceID)
		require.Len(t, l.Slots, l.DurationSlots)
		for _, slot := range l.Slots {
			assert.Equal(t, *l.Day, s.Term.DayOf(slot), "lesson %s crosses a day", l.OccurrenceID)
			for _, k := range []key{{"room", *l.ClassroomID, slot}, {"teacher", *l.TeacherID, slot}, {"group", l.GroupID, slot}} {
				other, dup := seen[k]
				assert.False(t, dup, "%s and %s share %s %s", other, l.OccurrenceID, k.kind, k.id)
				seen[k] = l.OccurrenceID
			}
		}
		switch l.CourseID {
		case "c-lab":
			assert.Equal(t, "r2", *l.ClassroomID)
			assert.Equal(t, "t1", *l.TeacherID)
		case "c-art":
			assert.Equal(t, "r1", *l.ClassroomID)
			assert.Equal(t, "t2", *l.TeacherID)
		}
	}
}

func TestSolveHonoursTeacherAvailabilityAndAllowedDays(t *testing.T) {
	s := fixtureSnapshot()
	s.Teachers[0].AvailableSlots = []int{4, 5, 6, 7, 8, 9, 10, 11}
	s.Groups[0].AllowedDays = []int{1, 2}
	_, res := solveFixture(t, s, testOptions())

	for _, l := range res.Lessons {
		require.True(t, l.Assigned(), l.OccurrenceID)
		if *l.TeacherID == "t1" {
			for _, slot := range l.Slots {
				assert.Contains(t, s.Teachers[0].AvailableSlots, slot)
			}
		}
		if l.GroupID == "g1" {
			assert.Contains(t, []int{1, 2}, *l.Day)
		}
	}
}

func TestSolveIsDeterministicForSeed(t *testing.T) {
	_, first := solveFixture(t, fixtureSnapshot(), testOptions())
	_, second := solveFixture(t, fixtureSnapshot(), testOptions())

	assert.Equal(t, first.Lessons, second.Lessons)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Stats.Iterations, second.Stats.Iterations)
	assert.Equal(t, first.Stats.Checkpoints, second.Stats.Checkpoints)
}

func TestSolveCheckpointsNeverRegress(t *testing.T) {
	_, res := solveFixture(t, fixtureSnapshot(), testOptions())

	require.NotEmpty(t, res.Stats.Checkpoints)
	for i := 1; i < len(res.Stats.Checkpoints); i++ {
		prev, cur := res.Stats.Checkpoints[i-1], res.Stats.Checkpoints[i]
		assert.Greater(t, cur.Iteration, prev.Iteration)
		if cur.Unassigned == prev.Unassigned {
			assert.LessOrEqual(t, cur.Penalty, prev.Penalty+epsilon)
		} else {
			assert.Less(t, cur.Unassigned, prev.Unassigned)
		}
	}
	last := res.Stats.Checkpoints[len(res.Stats.Checkpoints)-1]
	assert.InDelta(t, res.Score.Total, last.Penalty, 1e-6)
}

func TestSolveEmptySnapshot(t *testing.T) {
	s := &Snapshot{ProjectID: "empty", Term: Term{ID: "term-1", Days: 6, PeriodsPerDay: 6}}
	_, res := solveFixture(t, s, testOptions())

	assert.Empty(t, res.Lessons)
	assert.Zero(t, res.Unassigned)
	assert.Equal(t, StopPerfect, res.Stats.StopReason)
	assert.InDelta(t, 100.0, res.Score.Satisfaction, 1e-9)
}

func TestSolveMissingRoomTypeLeavesOnlyThatCourseUnassigned(t *testing.T) {
	s := fixtureSnapshot()
	s.Courses = append(s.Courses, Course{ID: "c-wood", Name: "Woodwork", Units: 2, SessionSlots: 1, RequiredRoomType: RoomTypeWorkshop})
	s.Teachers[1].CourseIDs = append(s.Teachers[1].CourseIDs, "c-wood")
	s.Groups[1].CourseIDs = append(s.Groups[1].CourseIDs, "c-wood")
	_, res := solveFixture(t, s, testOptions())

	assert.True(t, res.Partial)
	assert.Equal(t, 2, res.Unassigned)
	for _, l := range res.Lessons {
		if l.CourseID == "c-wood" {
			assert.False(t, l.Assigned())
			assert.Equal(t, ReasonInfeasible, l.Reason)
			assert.Contains(t, l.Detail, "workshop")
			assert.Nil(t, l.TeacherID)
			continue
		}
		assert.True(t, l.Assigned(), l.OccurrenceID)
		assert.Empty(t, l.Reason)
	}
}

func TestSolveCollidingSingletonsReportBudgetExhausted(t *testing.T) {
	s := &Snapshot{
		ProjectID:  "tight",
		Term:       Term{ID: "term-1", Days: 1, PeriodsPerDay: 1},
		Teachers:   []Teacher{{ID: "t1", Name: "Ada", AvailableSlots: []int{0}, CourseIDs: []string{"c1"}}},
		Courses:    []Course{{ID: "c1", Name: "Only", Units: 1, RequiredRoomType: RoomTypeNormal}},
		Classrooms: []Classroom{{ID: "r1", Name: "Room", Capacity: 50, Type: RoomTypeNormal}},
		Groups: []StudentGroup{
			{ID: "g1", Name: "One", Population: 10, CourseIDs: []string{"c1"}},
			{ID: "g2", Name: "Two", Population: 10, CourseIDs: []string{"c1"}},
		},
	}
	opts := testOptions()
	opts.StallIterations = 50
	_, res := solveFixture(t, s, opts)

	require.Len(t, res.Lessons, 2)
	assert.Equal(t, 1, res.Stats.Frozen)
	assert.False(t, res.Stats.ConstructionComplete)
	assert.True(t, res.Lessons[0].Assigned())
	assert.False(t, res.Lessons[1].Assigned())
	assert.Equal(t, ReasonBudgetExhausted, res.Lessons[1].Reason)
	assert.Contains(t, res.Lessons[1].Detail, "single-option")
	assert.Equal(t, StopStalled, res.Stats.StopReason)
}

// overloadedSnapshot has far more computer lab sessions than the single lab
// can host, so construction cannot finish on its own.
func overloadedSnapshot(groups int) *Snapshot {
	s := &Snapshot{
		ProjectID: "overloaded",
		Term:      Term{ID: "term-1", Days: 6, PeriodsPerDay: 5},
		Courses: []Course{
			{ID: "c-lab", Name: "Lab", Units: 3, SessionSlots: 1, RequiredRoomType: RoomTypeComputerSite},
			{ID: "c-math", Name: "Math", Units: 3, SessionSlots: 1, RequiredRoomType: RoomTypeNormal},
		},
		Classrooms: []Classroom{
			{ID: "lab", Name: "Lab", Capacity: 60, Type: RoomTypeComputerSite},
			{ID: "r1", Name: "Room 1", Capacity: 60, Type: RoomTypeNormal},
			{ID: "r2", Name: "Room 2", Capacity: 60, Type: RoomTypeNormal},
		},
	}
	for i := 0; i < groups; i++ {
		s.Teachers = append(s.Teachers, Teacher{
			ID: fmt.Sprintf("t%02d", i), Name: fmt.Sprintf("Teacher %d", i),
			AvailableSlots: allSlots(6, 5), CourseIDs: []string{"c-lab", "c-math"},
		})
		s.Groups = append(s.Groups, StudentGroup{
			ID: fmt.Sprintf("g%02d", i), Name: fmt.Sprintf("Group %d", i),
			Population: 30, CourseIDs: []string{"c-lab", "c-math"},
		})
	}
	return s
}

func TestSolveTimeBudgetCoversConstruction(t *testing.T) {
	s := overloadedSnapshot(20)
	opts := testOptions()
	opts.TimeBudget = time.Nanosecond
	opts.StallIterations = 0
	started := time.Now()
	_, res := solveFixture(t, s, opts)
	elapsed := time.Since(started)

	assert.Zero(t, res.Stats.ConstructionNodes)
	assert.False(t, res.Stats.ConstructionComplete)
	assert.Zero(t, res.Stats.Iterations)
	assert.Equal(t, StopTimeBudget, res.Stats.StopReason)
	assert.True(t, res.Partial)
	assert.Len(t, res.Lessons, 120)
	assert.Less(t, elapsed, 2*time.Second)
	for _, l := range res.Lessons {
		if !l.Assigned() {
			assert.Equal(t, ReasonBudgetExhausted, l.Reason)
			assert.Contains(t, l.Detail, "search budget")
		}
	}
}

func TestSolveTimeBudgetBoundsWholeRun(t *testing.T) {
	s := overloadedSnapshot(40)
	opts := DefaultOptions()
	opts.TimeBudget = 200 * time.Millisecond
	opts.NodeBudget = 1 << 30
	opts.MaxIterations = 1 << 30
	opts.StallIterations = 0
	_, res := solveFixture(t, s, opts)

	assert.True(t, res.Partial)
	assert.Equal(t, StopTimeBudget, res.Stats.StopReason)
	assert.Less(t, res.Stats.Elapsed, 2*time.Second)
}

func TestSolvePopulationBoundsMakeOccurrenceInfeasible(t *testing.T) {
	s := fixtureSnapshot()
	limit := 20
	s.Courses[1].MaxPopulation = &limit
	_, res := solveFixture(t, s, testOptions())

	for _, l := range res.Lessons {
		if l.CourseID == "c-lab" {
			assert.Equal(t, ReasonInfeasible, l.Reason)
			assert.Contains(t, l.Detail, "above course maximum")
		}
	}
	assert.Equal(t, 1, res.Unassigned)
}

func TestSolveCancelledContext(t *testing.T) {
	s := fixtureSnapshot()
	s.Normalize()
	m := Build(s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Solve(ctx, m, defaultWeights(t), testOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestBuildNeighborsAreSymmetric(t *testing.T) {
	s := fixtureSnapshot()
	s.Normalize()
	m := Build(s)

	assert.Empty(t, m.InfeasibleVariables())
	assert.Greater(t, m.Edges(), 0)
	for v, neighbors := range m.Neighbors {
		for _, n := range neighbors {
			assert.Contains(t, m.Neighbors[n], v)
			assert.NotEqual(t, v, n)
		}
	}
}

func TestVerifyRejectsOverlap(t *testing.T) {
	s := fixtureSnapshot()
	s.Normalize()
	m := Build(s)

	assign := make([]int, len(m.Variables))
	for i := range assign {
		assign[i] = -1
	}
	// Both math sessions of the first group at their first candidate share a slot.
	var maths []int
	for v, variable := range m.Variables {
		if variable.Occurrence.Group == 0 && s.Courses[variable.Occurrence.Course].ID == "c-math" {
			maths = append(maths, v)
		}
	}
	require.Len(t, maths, 2)
	assign[maths[0]], assign[maths[1]] = 0, 0
	assert.Error(t, Verify(m, assign))

	assign[maths[1]] = -1
	assert.NoError(t, Verify(m, assign))
	assert.Error(t, Verify(m, assign[:1]))
}

func TestVerifyRechecksHardConstraintsAgainstSnapshot(t *testing.T) {
	indexOf := func(n int, id func(int) string, want string) int {
		for i := 0; i < n; i++ {
			if id(i) == want {
				return i
			}
		}
		return -1
	}
	cases := []struct {
		name   string
		mutate func(s *Snapshot, c *Candidate)
		want   string
	}{
		{"valid", func(s *Snapshot, c *Candidate) {}, ""},
		{"room type", func(s *Snapshot, c *Candidate) {
			c.Room = indexOf(len(s.Classrooms), func(i int) string { return s.Classrooms[i].ID }, "r2")
		}, "needs normal"},
		{"capacity", func(s *Snapshot, c *Candidate) { s.Classrooms[c.Room].Capacity = 5 }, "capacity 5"},
		{"qualification", func(s *Snapshot, c *Candidate) {
			c.Teacher = indexOf(len(s.Teachers), func(i int) string { return s.Teachers[i].ID }, "t2")
		}, "not qualified"},
		{"availability", func(s *Snapshot, c *Candidate) { s.Teachers[c.Teacher].AvailableSlots = []int{19} }, "outside their availability"},
		{"closed slot", func(s *Snapshot, c *Candidate) { s.Term.Closed = []int{c.Start} }, "closed slot"},
		{"allowed days", func(s *Snapshot, c *Candidate) { s.Groups[0].AllowedDays = []int{4} }, "allowed days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := fixtureSnapshot()
			s.Normalize()
			m := Build(s)
			assign := make([]int, len(m.Variables))
			target := -1
			for v, variable := range m.Variables {
				assign[v] = -1
				if target < 0 && variable.Occurrence.Group == 0 && s.Courses[variable.Occurrence.Course].ID == "c-math" {
					target = v
				}
			}
			require.GreaterOrEqual(t, target, 0)
			assign[target] = 0

			// Corrupt the candidate or the snapshot after the domains were built.
			c := m.Variables[target].Domain[0]
			tc.mutate(s, &c)
			m.Variables[target].Domain[0] = c

			err := Verify(m, assign)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
