package solver

import (
	"fmt"
	"sort"
)

// Reason explains why an occurrence ended up without an assignment.
type Reason string

const (
	ReasonInfeasible      Reason = "INFEASIBLE_BY_CONSTRUCTION"
	ReasonBudgetExhausted Reason = "BUDGET_EXHAUSTED"
)

// Candidate is one feasible (start slot, classroom, teacher) triple. Room and
// Teacher index into the snapshot slices.
type Candidate struct {
	Start   int
	Room    int
	Teacher int
}

// Variable is the decision variable of one lesson occurrence.
type Variable struct {
	Occurrence Occurrence
	Domain     []Candidate
	// Detail names the first filter that emptied the domain.
	Detail string
}

// Infeasible reports whether the domain was empty before search.
func (v Variable) Infeasible() bool {
	return len(v.Domain) == 0
}

// Model is the compiled constraint-satisfaction form of a snapshot.
type Model struct {
	Snapshot  *Snapshot
	Variables []Variable
	// Neighbors connects variables that share a group or could share a
	// teacher or classroom. Lists are sorted ascending.
	Neighbors [][]int
	open      []bool
}

// Build compiles the snapshot into variables with hard-feasible domains. An
// empty domain is recorded on the variable, never returned as an error.
func Build(s *Snapshot) *Model {
	m := &Model{Snapshot: s}
	m.open = make([]bool, s.Term.SlotCount())
	for i := range m.open {
		m.open[i] = true
	}
	for _, slot := range s.Term.Closed {
		if slot >= 0 && slot < len(m.open) {
			m.open[slot] = false
		}
	}

	available := make([][]bool, len(s.Teachers))
	qualified := make(map[string][]int)
	for ti, t := range s.Teachers {
		available[ti] = make([]bool, len(m.open))
		for _, slot := range t.AvailableSlots {
			if slot >= 0 && slot < len(m.open) {
				available[ti][slot] = true
			}
		}
		for _, cid := range t.CourseIDs {
			qualified[cid] = append(qualified[cid], ti)
		}
	}

	occurrences := s.Occurrences()
	m.Variables = make([]Variable, len(occurrences))
	for i, occ := range occurrences {
		domain, detail := m.domainFor(occ, qualified[s.Courses[occ.Course].ID], available)
		m.Variables[i] = Variable{Occurrence: occ, Domain: domain, Detail: detail}
	}
	m.Neighbors = buildNeighbors(m.Variables)
	return m
}

func (m *Model) domainFor(occ Occurrence, teachers []int, available [][]bool) ([]Candidate, string) {
	s := m.Snapshot
	course := s.Courses[occ.Course]
	group := s.Groups[occ.Group]

	if course.MinPopulation != nil && group.Population < *course.MinPopulation {
		return nil, fmt.Sprintf("group population %d below course minimum %d", group.Population, *course.MinPopulation)
	}
	if course.MaxPopulation != nil && group.Population > *course.MaxPopulation {
		return nil, fmt.Sprintf("group population %d above course maximum %d", group.Population, *course.MaxPopulation)
	}

	var rooms []int
	for ri, r := range s.Classrooms {
		if r.Type == course.RequiredRoomType && r.Capacity >= group.Population {
			rooms = append(rooms, ri)
		}
	}
	if len(rooms) == 0 {
		return nil, fmt.Sprintf("no classroom of type %s with capacity %d", course.RequiredRoomType, group.Population)
	}
	if len(teachers) == 0 {
		return nil, fmt.Sprintf("no teacher qualified for course %s", course.ID)
	}

	starts := m.startsFor(occ.Duration, group.AllowedDays)
	if len(starts) == 0 {
		return nil, "no open slot range on the group's allowed days"
	}

	var domain []Candidate
	for _, start := range starts {
		for _, room := range rooms {
			for _, teacher := range teachers {
				if coversAvailable(available[teacher], start, occ.Duration) {
					domain = append(domain, Candidate{Start: start, Room: room, Teacher: teacher})
				}
			}
		}
	}
	if len(domain) == 0 {
		return nil, "no qualified teacher is available for any open slot range"
	}
	return domain, ""
}

func (m *Model) startsFor(duration int, allowedDays []int) []int {
	term := m.Snapshot.Term
	days := allowedDays
	if len(days) == 0 {
		days = make([]int, term.Days)
		for d := range days {
			days[d] = d
		}
	}
	var starts []int
	for _, day := range days {
		for period := 0; period+duration <= term.PeriodsPerDay; period++ {
			start := term.Slot(day, period)
			ok := true
			for k := 0; k < duration; k++ {
				if !m.open[start+k] {
					ok = false
					break
				}
			}
			if ok {
				starts = append(starts, start)
			}
		}
	}
	sort.Ints(starts)
	return starts
}

func coversAvailable(available []bool, start, duration int) bool {
	for k := 0; k < duration; k++ {
		if !available[start+k] {
			return false
		}
	}
	return true
}

func buildNeighbors(vars []Variable) [][]int {
	byGroup := make(map[int][]int)
	byRoom := make(map[int][]int)
	byTeacher := make(map[int][]int)
	for i, v := range vars {
		if v.Infeasible() {
			continue
		}
		byGroup[v.Occurrence.Group] = append(byGroup[v.Occurrence.Group], i)
		rooms := make(map[int]bool)
		teachers := make(map[int]bool)
		for _, c := range v.Domain {
			rooms[c.Room] = true
			teachers[c.Teacher] = true
		}
		for r := range rooms {
			byRoom[r] = append(byRoom[r], i)
		}
		for t := range teachers {
			byTeacher[t] = append(byTeacher[t], i)
		}
	}

	sets := make([]map[int]bool, len(vars))
	link := func(members []int) {
		for _, a := range members {
			for _, b := range members {
				if a == b {
					continue
				}
				if sets[a] == nil {
					sets[a] = make(map[int]bool)
				}
				sets[a][b] = true
			}
		}
	}
	for _, members := range byGroup {
		link(members)
	}
	for _, members := range byRoom {
		link(members)
	}
	for _, members := range byTeacher {
		link(members)
	}

	out := make([][]int, len(vars))
	for i, set := range sets {
		for j := range set {
			out[i] = append(out[i], j)
		}
		sort.Ints(out[i])
	}
	return out
}

// InfeasibleVariables returns the indices of variables with empty domains.
func (m *Model) InfeasibleVariables() []int {
	var out []int
	for i, v := range m.Variables {
		if v.Infeasible() {
			out = append(out, i)
		}
	}
	return out
}

// Edges returns the number of undirected constraint-graph edges.
func (m *Model) Edges() int {
	total := 0
	for _, n := range m.Neighbors {
		total += len(n)
	}
	return total / 2
}
