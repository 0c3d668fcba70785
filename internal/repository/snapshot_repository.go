package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/timetable-solver/internal/models"
	"github.com/noah-isme/timetable-solver/internal/solver"
)

const defaultSnapshotParallelism = 4

// SnapshotRepository reads a project's entities from the entity store and
// assembles them into a solver snapshot.
type SnapshotRepository struct {
	db          *sqlx.DB
	parallelism int
}

// NewSnapshotRepository constructs the repository. Parallelism bounds the
// number of concurrent entity queries.
func NewSnapshotRepository(db *sqlx.DB, parallelism int) *SnapshotRepository {
	if parallelism <= 0 {
		parallelism = defaultSnapshotParallelism
	}
	return &SnapshotRepository{db: db, parallelism: parallelism}
}

type snapshotRows struct {
	timeslots     []models.Timeslot
	teachers      []models.TeacherRow
	teacherCourse []models.CourseLink
	availability  []models.TeacherAvailability
	courses       []models.CourseRow
	classrooms    []models.ClassroomRow
	groups        []models.StudentGroupRow
	groupCourse   []models.CourseLink
}

// Load returns the snapshot of a project. A missing project surfaces
// sql.ErrNoRows wrapped.
func (r *SnapshotRepository) Load(ctx context.Context, projectID string) (*solver.Snapshot, error) {
	const projectQuery = `SELECT p.id AS project_id, p.term_id, t.year, t.half
FROM projects p JOIN terms t ON t.id = p.term_id WHERE p.id = $1`
	var project models.ProjectTerm
	if err := r.db.GetContext(ctx, &project, projectQuery, projectID); err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}

	var rows snapshotRows
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	selectInto := func(dest interface{}, name, query string, arg interface{}) {
		g.Go(func() error {
			if err := r.db.SelectContext(gctx, dest, query, arg); err != nil {
				return fmt.Errorf("list %s: %w", name, err)
			}
			return nil
		})
	}

	selectInto(&rows.timeslots, "timeslots",
		`SELECT id, day_of_week, period FROM timeslots WHERE term_id = $1 ORDER BY day_of_week, period`, project.TermID)
	selectInto(&rows.teachers, "teachers",
		`SELECT t.id, t.name FROM teachers t JOIN project_teachers pt ON pt.teacher_id = t.id WHERE pt.project_id = $1`, projectID)
	selectInto(&rows.teacherCourse, "teacher courses",
		`SELECT tc.teacher_id AS owner_id, tc.course_id FROM teacher_courses tc JOIN project_teachers pt ON pt.teacher_id = tc.teacher_id WHERE pt.project_id = $1`, projectID)
	selectInto(&rows.availability, "teacher availability",
		`SELECT teacher_id, timeslot_id FROM teacher_availability WHERE project_id = $1`, projectID)
	selectInto(&rows.courses, "courses",
		`SELECT c.id, c.name, c.units, c.session_slots, c.required_room_type, c.min_population, c.max_population FROM courses c JOIN project_courses pc ON pc.course_id = c.id WHERE pc.project_id = $1`, projectID)
	selectInto(&rows.classrooms, "classrooms",
		`SELECT r.id, r.name, r.faculty, r.capacity, r.type FROM classrooms r JOIN project_classrooms pr ON pr.classroom_id = r.id WHERE pr.project_id = $1`, projectID)
	selectInto(&rows.groups, "student groups",
		`SELECT id, name, degree, population, allowed_days FROM student_groups WHERE project_id = $1`, projectID)
	selectInto(&rows.groupCourse, "group courses",
		`SELECT gc.group_id AS owner_id, gc.course_id FROM group_courses gc JOIN student_groups g ON g.id = gc.group_id WHERE g.project_id = $1`, projectID)

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assembleSnapshot(project, rows)
}

func assembleSnapshot(project models.ProjectTerm, rows snapshotRows) (*solver.Snapshot, error) {
	term := solver.Term{ID: project.TermID, Year: project.Year, Half: project.Half}
	for _, ts := range rows.timeslots {
		if ts.DayOfWeek < 0 || ts.Period < 0 {
			return nil, fmt.Errorf("timeslot %d has a negative day or period", ts.ID)
		}
		if ts.DayOfWeek+1 > term.Days {
			term.Days = ts.DayOfWeek + 1
		}
		if ts.Period+1 > term.PeriodsPerDay {
			term.PeriodsPerDay = ts.Period + 1
		}
	}
	slotOf := make(map[int]int, len(rows.timeslots))
	stored := make(map[int]bool, len(rows.timeslots))
	for _, ts := range rows.timeslots {
		slot := term.Slot(ts.DayOfWeek, ts.Period)
		slotOf[ts.ID] = slot
		stored[slot] = true
	}
	for slot := 0; slot < term.SlotCount(); slot++ {
		if !stored[slot] {
			term.Closed = append(term.Closed, slot)
		}
	}

	snapshot := &solver.Snapshot{ProjectID: project.ProjectID, Term: term}

	teacherCourses := groupLinks(rows.teacherCourse)
	available := make(map[string][]int)
	for _, a := range rows.availability {
		if slot, ok := slotOf[a.TimeslotID]; ok {
			available[a.TeacherID] = append(available[a.TeacherID], slot)
		}
	}
	for _, t := range rows.teachers {
		snapshot.Teachers = append(snapshot.Teachers, solver.Teacher{
			ID:             t.ID,
			Name:           t.Name,
			AvailableSlots: available[t.ID],
			CourseIDs:      teacherCourses[t.ID],
		})
	}

	for _, c := range rows.courses {
		course := solver.Course{
			ID:               c.ID,
			Name:             c.Name,
			Units:            c.Units,
			SessionSlots:     c.SessionSlots,
			RequiredRoomType: solver.RoomType(c.RequiredRoomType),
		}
		if c.MinPopulation.Valid {
			v := int(c.MinPopulation.Int64)
			course.MinPopulation = &v
		}
		if c.MaxPopulation.Valid {
			v := int(c.MaxPopulation.Int64)
			course.MaxPopulation = &v
		}
		snapshot.Courses = append(snapshot.Courses, course)
	}

	for _, r := range rows.classrooms {
		snapshot.Classrooms = append(snapshot.Classrooms, solver.Classroom{
			ID:       r.ID,
			Name:     r.Name,
			Faculty:  r.Faculty,
			Capacity: r.Capacity,
			Type:     solver.RoomType(r.Type),
		})
	}

	groupCourses := groupLinks(rows.groupCourse)
	for _, g := range rows.groups {
		days, err := parseAllowedDays(g.AllowedDays.String)
		if err != nil {
			return nil, fmt.Errorf("student group %s: %w", g.ID, err)
		}
		snapshot.Groups = append(snapshot.Groups, solver.StudentGroup{
			ID:          g.ID,
			Name:        g.Name,
			Degree:      g.Degree,
			Population:  g.Population,
			AllowedDays: days,
			CourseIDs:   groupCourses[g.ID],
		})
	}

	return snapshot, nil
}

func groupLinks(links []models.CourseLink) map[string][]string {
	out := make(map[string][]string)
	for _, l := range links {
		out[l.OwnerID] = append(out[l.OwnerID], l.CourseID)
	}
	return out
}

// parseAllowedDays reads "0,1,2" style day lists. Blank means every day.
func parseAllowedDays(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var days []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		day, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed day %q", part)
		}
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Ints(days)
	return days, nil
}
