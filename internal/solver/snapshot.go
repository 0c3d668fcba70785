package solver

import (
	"fmt"
	"sort"
)

// RoomType enumerates classroom categories a course can require.
type RoomType string

const (
	RoomTypeNormal       RoomType = "normal"
	RoomTypeComputerSite RoomType = "computer_site"
	RoomTypeGallery      RoomType = "gallery"
	RoomTypeWorkshop     RoomType = "workshop"
)

// Term describes the academic period and its weekly slot grid.
type Term struct {
	ID            string `json:"id"`
	Year          int    `json:"year"`
	Half          int    `json:"half"`
	Days          int    `json:"days"`
	PeriodsPerDay int    `json:"periodsPerDay"`
	// Closed lists grid cells without a stored time slot.
	Closed []int `json:"closed,omitempty"`
}

// SlotCount returns the number of cells in the grid.
func (t Term) SlotCount() int {
	return t.Days * t.PeriodsPerDay
}

// Slot returns the slot index of a (day, period) cell.
func (t Term) Slot(day, period int) int {
	return day*t.PeriodsPerDay + period
}

// DayOf returns the day of a slot index.
func (t Term) DayOf(slot int) int {
	return slot / t.PeriodsPerDay
}

// PeriodOf returns the period of a slot index within its day.
func (t Term) PeriodOf(slot int) int {
	return slot % t.PeriodsPerDay
}

// Teacher is an instructor with availability and qualifications.
type Teacher struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AvailableSlots []int    `json:"availableSlots"`
	CourseIDs      []string `json:"courseIds"`
}

// Course is a subject that groups must attend.
type Course struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Units            int      `json:"units"`
	SessionSlots     int      `json:"sessionSlots"`
	RequiredRoomType RoomType `json:"requiredRoomType"`
	MinPopulation    *int     `json:"minPopulation,omitempty"`
	MaxPopulation    *int     `json:"maxPopulation,omitempty"`
}

// Classroom is a room lessons can be held in.
type Classroom struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Faculty  string   `json:"faculty"`
	Capacity int      `json:"capacity"`
	Type     RoomType `json:"type"`
}

// StudentGroup is a cohort attending a set of courses together.
type StudentGroup struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Degree      string   `json:"degree"`
	Population  int      `json:"population"`
	AllowedDays []int    `json:"allowedDays,omitempty"`
	CourseIDs   []string `json:"courseIds"`
}

// Snapshot is the frozen input of a single solve run.
type Snapshot struct {
	ProjectID  string         `json:"projectId"`
	Term       Term           `json:"term"`
	Teachers   []Teacher      `json:"teachers"`
	Courses    []Course       `json:"courses"`
	Classrooms []Classroom    `json:"classrooms"`
	Groups     []StudentGroup `json:"groups"`
}

// Occurrence is one schedulable unit derived from a group/course pairing.
type Occurrence struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Course   int    `json:"course"`
	Group    int    `json:"group"`
	Session  int    `json:"session"`
	Duration int    `json:"duration"`
}

// Clone returns a deep copy so later edits to the source never leak into a run.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		ProjectID:  s.ProjectID,
		Term:       s.Term,
		Teachers:   make([]Teacher, len(s.Teachers)),
		Courses:    make([]Course, len(s.Courses)),
		Classrooms: append([]Classroom(nil), s.Classrooms...),
		Groups:     make([]StudentGroup, len(s.Groups)),
	}
	out.Term.Closed = append([]int(nil), s.Term.Closed...)
	for i, t := range s.Teachers {
		t.AvailableSlots = append([]int(nil), t.AvailableSlots...)
		t.CourseIDs = append([]string(nil), t.CourseIDs...)
		out.Teachers[i] = t
	}
	for i, c := range s.Courses {
		if c.MinPopulation != nil {
			v := *c.MinPopulation
			c.MinPopulation = &v
		}
		if c.MaxPopulation != nil {
			v := *c.MaxPopulation
			c.MaxPopulation = &v
		}
		out.Courses[i] = c
	}
	for i, g := range s.Groups {
		g.AllowedDays = append([]int(nil), g.AllowedDays...)
		g.CourseIDs = append([]string(nil), g.CourseIDs...)
		out.Groups[i] = g
	}
	return out
}

// Normalize sorts every collection by identifier so occurrence indexing is stable
// regardless of the order the store returned rows in.
func (s *Snapshot) Normalize() {
	sort.SliceStable(s.Teachers, func(i, j int) bool { return s.Teachers[i].ID < s.Teachers[j].ID })
	sort.SliceStable(s.Courses, func(i, j int) bool { return s.Courses[i].ID < s.Courses[j].ID })
	sort.SliceStable(s.Classrooms, func(i, j int) bool { return s.Classrooms[i].ID < s.Classrooms[j].ID })
	sort.SliceStable(s.Groups, func(i, j int) bool { return s.Groups[i].ID < s.Groups[j].ID })
	for i := range s.Teachers {
		sort.Ints(s.Teachers[i].AvailableSlots)
		sort.Strings(s.Teachers[i].CourseIDs)
	}
	for i := range s.Groups {
		sort.Ints(s.Groups[i].AllowedDays)
		sort.Strings(s.Groups[i].CourseIDs)
	}
	sort.Ints(s.Term.Closed)
}

// Validate reports structural problems that make the snapshot unusable. Missing
// resources are only an error when some lesson needs them.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if s.Term.Days <= 0 || s.Term.PeriodsPerDay <= 0 {
		return fmt.Errorf("term %q has an empty slot grid", s.Term.ID)
	}
	courses := make(map[string]Course, len(s.Courses))
	for _, c := range s.Courses {
		if c.ID == "" {
			return fmt.Errorf("course with empty id")
		}
		if _, dup := courses[c.ID]; dup {
			return fmt.Errorf("duplicate course %s", c.ID)
		}
		if c.Units <= 0 {
			return fmt.Errorf("course %s must have a positive unit count", c.ID)
		}
		if c.SessionSlots < 0 || c.SessionSlots > s.Term.PeriodsPerDay {
			return fmt.Errorf("course %s session length %d does not fit a day of %d periods", c.ID, c.SessionSlots, s.Term.PeriodsPerDay)
		}
		if c.MinPopulation != nil && c.MaxPopulation != nil && *c.MinPopulation > *c.MaxPopulation {
			return fmt.Errorf("course %s has min population above max population", c.ID)
		}
		courses[c.ID] = c
	}
	for _, r := range s.Classrooms {
		if r.Capacity < 0 {
			return fmt.Errorf("classroom %s has negative capacity", r.ID)
		}
	}
	slots := s.Term.SlotCount()
	for _, t := range s.Teachers {
		for _, slot := range t.AvailableSlots {
			if slot < 0 || slot >= slots {
				return fmt.Errorf("teacher %s availability slot %d outside term grid", t.ID, slot)
			}
		}
	}

	lessons := 0
	for _, g := range s.Groups {
		if g.Population < 0 {
			return fmt.Errorf("student group %s has negative population", g.ID)
		}
		for _, day := range g.AllowedDays {
			if day < 0 || day >= s.Term.Days {
				return fmt.Errorf("student group %s allowed day %d outside term grid", g.ID, day)
			}
		}
		for _, cid := range g.CourseIDs {
			if _, ok := courses[cid]; !ok {
				return fmt.Errorf("student group %s references unknown course %s", g.ID, cid)
			}
			lessons++
		}
	}
	if lessons == 0 {
		return nil
	}
	if len(s.Teachers) == 0 {
		return fmt.Errorf("lessons require teachers but the project has none")
	}
	if len(s.Classrooms) == 0 {
		return fmt.Errorf("lessons require classrooms but the project has none")
	}
	return nil
}

// Occurrences expands every group/course pairing into lesson occurrences.
// Units are weekly slots split into sessions of SessionSlots, the last one
// carrying the remainder. Call Normalize first for stable indexing.
func (s *Snapshot) Occurrences() []Occurrence {
	courseIdx := make(map[string]int, len(s.Courses))
	for i, c := range s.Courses {
		courseIdx[c.ID] = i
	}
	var out []Occurrence
	for gi, g := range s.Groups {
		for _, cid := range g.CourseIDs {
			ci, ok := courseIdx[cid]
			if !ok {
				continue
			}
			for n, d := range sessionDurations(s.Courses[ci]) {
				out = append(out, Occurrence{
					Index:    len(out),
					ID:       fmt.Sprintf("%s/%s/%d", g.ID, cid, n+1),
					Course:   ci,
					Group:    gi,
					Session:  n + 1,
					Duration: d,
				})
			}
		}
	}
	return out
}

func sessionDurations(c Course) []int {
	session := c.SessionSlots
	if session <= 0 {
		session = 1
	}
	var out []int
	for remaining := c.Units; remaining > 0; remaining -= session {
		if remaining < session {
			out = append(out, remaining)
			break
		}
		out = append(out, session)
	}
	return out
}
