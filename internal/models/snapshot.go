package models

import "database/sql"

// ProjectTerm joins a project with the term it schedules.
type ProjectTerm struct {
	ProjectID string `db:"project_id"`
	TermID    string `db:"term_id"`
	Year      int    `db:"year"`
	Half      int    `db:"half"`
}

// Timeslot is one stored (day, period) cell of a term grid.
type Timeslot struct {
	ID        int `db:"id"`
	DayOfWeek int `db:"day_of_week"`
	Period    int `db:"period"`
}

// TeacherRow is a teacher linked to a project.
type TeacherRow struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// TeacherAvailability marks a teacher free in a timeslot for a project.
type TeacherAvailability struct {
	TeacherID  string `db:"teacher_id"`
	TimeslotID int    `db:"timeslot_id"`
}

// CourseRow is a course linked to a project.
type CourseRow struct {
	ID               string        `db:"id"`
	Name             string        `db:"name"`
	Units            int           `db:"units"`
	SessionSlots     int           `db:"session_slots"`
	RequiredRoomType string        `db:"required_room_type"`
	MinPopulation    sql.NullInt64 `db:"min_population"`
	MaxPopulation    sql.NullInt64 `db:"max_population"`
}

// ClassroomRow is a classroom linked to a project.
type ClassroomRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Faculty  string `db:"faculty"`
	Capacity int    `db:"capacity"`
	Type     string `db:"type"`
}

// StudentGroupRow is a student group of a project. AllowedDays is stored as a
// comma separated list of day indices.
type StudentGroupRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Degree      string         `db:"degree"`
	Population  int            `db:"population"`
	AllowedDays sql.NullString `db:"allowed_days"`
}

// CourseLink pairs an owner (teacher or group) with a course.
type CourseLink struct {
	OwnerID  string `db:"owner_id"`
	CourseID string `db:"course_id"`
}
