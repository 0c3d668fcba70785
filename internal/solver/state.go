package solver

// state is the in-progress assignment buffer of one run. Occupancy grids hold
// occupant index + 1 so the zero value means free.
type state struct {
	m       *Model
	slots   int
	periods int

	assign []int
	frozen []bool

	room    []int32
	teacher []int32
	group   []int32

	teacherIdle  []float64
	groupIdle    []float64
	groupCompact []float64
	waste        []float64

	raw        [numObjectives]float64
	unassigned int

	// lookup maps a (start, room, teacher) key to its domain position.
	lookup []map[int]int
}

func newState(m *Model) *state {
	s := m.Snapshot
	slots := s.Term.SlotCount()
	st := &state{
		m:            m,
		slots:        slots,
		periods:      s.Term.PeriodsPerDay,
		assign:       make([]int, len(m.Variables)),
		frozen:       make([]bool, len(m.Variables)),
		room:         make([]int32, len(s.Classrooms)*slots),
		teacher:      make([]int32, len(s.Teachers)*slots),
		group:        make([]int32, len(s.Groups)*slots),
		teacherIdle:  make([]float64, len(s.Teachers)),
		groupIdle:    make([]float64, len(s.Groups)),
		groupCompact: make([]float64, len(s.Groups)),
		waste:        make([]float64, len(m.Variables)),
		lookup:       make([]map[int]int, len(m.Variables)),
	}
	for i, v := range m.Variables {
		st.assign[i] = -1
		if !v.Infeasible() {
			st.unassigned++
		}
	}
	return st
}

func (st *state) key(c Candidate) int {
	rooms := len(st.m.Snapshot.Classrooms)
	teachers := len(st.m.Snapshot.Teachers)
	return (c.Start*rooms+c.Room)*teachers + c.Teacher
}

func (st *state) indexOf(v int, c Candidate) (int, bool) {
	if st.lookup[v] == nil {
		domain := st.m.Variables[v].Domain
		st.lookup[v] = make(map[int]int, len(domain))
		for i, cand := range domain {
			st.lookup[v][st.key(cand)] = i
		}
	}
	idx, ok := st.lookup[v][st.key(c)]
	return idx, ok
}

func (st *state) candidate(v int) (Candidate, bool) {
	if st.assign[v] < 0 {
		return Candidate{}, false
	}
	return st.m.Variables[v].Domain[st.assign[v]], true
}

// canPlace reports whether v fits candidate ci given every other placement.
func (st *state) canPlace(v, ci int) bool {
	variable := &st.m.Variables[v]
	c := variable.Domain[ci]
	g := variable.Occurrence.Group
	self := int32(v + 1)
	for k := 0; k < variable.Occurrence.Duration; k++ {
		slot := c.Start + k
		if o := st.room[c.Room*st.slots+slot]; o != 0 && o != self {
			return false
		}
		if o := st.teacher[c.Teacher*st.slots+slot]; o != 0 && o != self {
			return false
		}
		if o := st.group[g*st.slots+slot]; o != 0 && o != self {
			return false
		}
	}
	return true
}

func (st *state) place(v, ci int) {
	if st.assign[v] >= 0 {
		st.remove(v)
	}
	variable := &st.m.Variables[v]
	c := variable.Domain[ci]
	g := variable.Occurrence.Group
	mark := int32(v + 1)
	for k := 0; k < variable.Occurrence.Duration; k++ {
		slot := c.Start + k
		st.room[c.Room*st.slots+slot] = mark
		st.teacher[c.Teacher*st.slots+slot] = mark
		st.group[g*st.slots+slot] = mark
	}
	st.assign[v] = ci
	st.unassigned--
	st.refresh(v, c)
}

func (st *state) remove(v int) {
	c, ok := st.candidate(v)
	if !ok {
		return
	}
	variable := &st.m.Variables[v]
	g := variable.Occurrence.Group
	for k := 0; k < variable.Occurrence.Duration; k++ {
		slot := c.Start + k
		st.room[c.Room*st.slots+slot] = 0
		st.teacher[c.Teacher*st.slots+slot] = 0
		st.group[g*st.slots+slot] = 0
	}
	st.assign[v] = -1
	st.unassigned++
	st.refresh(v, c)
}

// refresh recomputes the cached penalties touched by v placed at c.
func (st *state) refresh(v int, c Candidate) {
	s := st.m.Snapshot
	occ := st.m.Variables[v].Occurrence

	idle := st.entityIdle(st.teacher, c.Teacher)
	st.raw[0] += idle - st.teacherIdle[c.Teacher]
	st.teacherIdle[c.Teacher] = idle

	idle = st.entityIdle(st.group, occ.Group)
	st.raw[1] += idle - st.groupIdle[occ.Group]
	st.groupIdle[occ.Group] = idle

	compact := st.groupCompactness(occ.Group)
	st.raw[2] += compact - st.groupCompact[occ.Group]
	st.groupCompact[occ.Group] = compact

	waste := 0.0
	if st.assign[v] >= 0 {
		waste = roomWaste(s.Classrooms[c.Room].Capacity, s.Groups[occ.Group].Population, occ.Duration)
	}
	st.raw[3] += waste - st.waste[v]
	st.waste[v] = waste
}

func (st *state) entityIdle(grid []int32, entity int) float64 {
	base := entity * st.slots
	total := 0.0
	for day := 0; day < st.slots/st.periods; day++ {
		offset := base + day*st.periods
		total += idleWithin(func(p int) bool { return grid[offset+p] != 0 }, st.periods)
	}
	return total
}

func (st *state) groupCompactness(g int) float64 {
	base := g * st.slots
	days, busy := 0, 0
	for day := 0; day < st.slots/st.periods; day++ {
		used := false
		for p := 0; p < st.periods; p++ {
			if st.group[base+day*st.periods+p] != 0 {
				busy++
				used = true
			}
		}
		if used {
			days++
		}
	}
	minimum := (busy + st.periods - 1) / st.periods
	return float64(days - minimum)
}

func (st *state) penalty(w Weights) float64 {
	return weighted(st.raw, w)
}

// liveCount counts placeable candidates of v, stopping once limit is reached.
func (st *state) liveCount(v, limit int) int {
	count := 0
	for ci := range st.m.Variables[v].Domain {
		if st.canPlace(v, ci) {
			count++
			if limit > 0 && count >= limit {
				return count
			}
		}
	}
	return count
}

func (st *state) snapshotAssign() []int {
	return append([]int(nil), st.assign...)
}

// restore rebuilds occupancy and penalties from a saved assignment.
func (st *state) restore(assign []int) {
	for v := range st.assign {
		st.remove(v)
	}
	st.raw = [numObjectives]float64{}
	for i := range st.teacherIdle {
		st.teacherIdle[i] = 0
	}
	for i := range st.groupIdle {
		st.groupIdle[i] = 0
		st.groupCompact[i] = 0
	}
	for i := range st.waste {
		st.waste[i] = 0
	}
	for v, ci := range assign {
		if ci >= 0 {
			st.place(v, ci)
		}
	}
}

// recompute evaluates every objective from scratch.
func (st *state) recompute() [numObjectives]float64 {
	s := st.m.Snapshot
	var raw [numObjectives]float64
	for t := range s.Teachers {
		raw[0] += st.entityIdle(st.teacher, t)
	}
	for g := range s.Groups {
		raw[1] += st.entityIdle(st.group, g)
		raw[2] += st.groupCompactness(g)
	}
	for v, ci := range st.assign {
		if ci < 0 {
			continue
		}
		occ := st.m.Variables[v].Occurrence
		c := st.m.Variables[v].Domain[ci]
		raw[3] += roomWaste(s.Classrooms[c.Room].Capacity, s.Groups[occ.Group].Population, occ.Duration)
	}
	return raw
}
