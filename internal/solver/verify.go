package solver

import "fmt"

// Verify audits an assignment against the hard constraints, re-derived from
// the snapshot rather than from the model's domains: grid bounds, closed
// slots, allowed days, teacher qualification and availability, room type,
// capacity, population bounds, and no double booking of a classroom, teacher
// or group.
func Verify(m *Model, assign []int) error {
	if len(assign) != len(m.Variables) {
		return fmt.Errorf("solver: assignment covers %d of %d occurrences", len(assign), len(m.Variables))
	}
	s := m.Snapshot
	slots := s.Term.SlotCount()
	closed := make(map[int]bool, len(s.Term.Closed))
	for _, slot := range s.Term.Closed {
		closed[slot] = true
	}
	type cell struct {
		kind   byte
		entity int
		slot   int
	}
	booked := make(map[cell]int)
	for v, ci := range assign {
		if ci < 0 {
			continue
		}
		variable := m.Variables[v]
		if ci >= len(variable.Domain) {
			return fmt.Errorf("solver: occurrence %s assigned outside its domain", variable.Occurrence.ID)
		}
		c := variable.Domain[ci]
		if c.Start+variable.Occurrence.Duration > slots {
			return fmt.Errorf("solver: occurrence %s runs past the term grid", variable.Occurrence.ID)
		}
		if c.Start < 0 || s.Term.DayOf(c.Start) != s.Term.DayOf(c.Start+variable.Occurrence.Duration-1) {
			return fmt.Errorf("solver: occurrence %s crosses a day boundary", variable.Occurrence.ID)
		}
		if err := checkPlacement(s, variable.Occurrence, c); err != nil {
			return fmt.Errorf("solver: occurrence %s %w", variable.Occurrence.ID, err)
		}
		for k := 0; k < variable.Occurrence.Duration; k++ {
			slot := c.Start + k
			if closed[slot] {
				return fmt.Errorf("solver: occurrence %s uses closed slot %d", variable.Occurrence.ID, slot)
			}
			for _, key := range []cell{
				{kind: 'r', entity: c.Room, slot: slot},
				{kind: 't', entity: c.Teacher, slot: slot},
				{kind: 'g', entity: variable.Occurrence.Group, slot: slot},
			} {
				if other, taken := booked[key]; taken {
					return fmt.Errorf("solver: occurrences %s and %s overlap at slot %d",
						m.Variables[other].Occurrence.ID, variable.Occurrence.ID, slot)
				}
				booked[key] = v
			}
		}
	}
	return nil
}

func checkPlacement(s *Snapshot, occ Occurrence, c Candidate) error {
	if c.Room < 0 || c.Room >= len(s.Classrooms) || c.Teacher < 0 || c.Teacher >= len(s.Teachers) {
		return fmt.Errorf("references an unknown classroom or teacher")
	}
	course := s.Courses[occ.Course]
	group := s.Groups[occ.Group]
	room := s.Classrooms[c.Room]
	teacher := s.Teachers[c.Teacher]

	if room.Type != course.RequiredRoomType {
		return fmt.Errorf("placed in %s room %s, needs %s", room.Type, room.ID, course.RequiredRoomType)
	}
	if room.Capacity < group.Population {
		return fmt.Errorf("placed in room %s with capacity %d for %d students", room.ID, room.Capacity, group.Population)
	}
	if course.MinPopulation != nil && group.Population < *course.MinPopulation {
		return fmt.Errorf("group population %d below course minimum", group.Population)
	}
	if course.MaxPopulation != nil && group.Population > *course.MaxPopulation {
		return fmt.Errorf("group population %d above course maximum", group.Population)
	}
	if len(group.AllowedDays) > 0 {
		day := s.Term.DayOf(c.Start)
		allowed := false
		for _, d := range group.AllowedDays {
			if d == day {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("placed on day %d outside the group's allowed days", day)
		}
	}
	qualified := false
	for _, id := range teacher.CourseIDs {
		if id == course.ID {
			qualified = true
			break
		}
	}
	if !qualified {
		return fmt.Errorf("taught by %s who is not qualified for course %s", teacher.ID, course.ID)
	}
	available := make(map[int]bool, len(teacher.AvailableSlots))
	for _, slot := range teacher.AvailableSlots {
		available[slot] = true
	}
	for k := 0; k < occ.Duration; k++ {
		if !available[c.Start+k] {
			return fmt.Errorf("taught by %s outside their availability at slot %d", teacher.ID, c.Start+k)
		}
	}
	return nil
}
