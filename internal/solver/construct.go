package solver

import (
	"context"
	"sort"
	"time"
)

type constructor struct {
	ctx       context.Context
	st        *state
	weights   Weights
	budget    int
	deadline  time.Time
	nodes     int
	exhausted bool
	// doomed holds variables with no live candidate once singletons are frozen.
	doomed map[int]bool
}

func (c *constructor) markDoomed() {
	c.doomed = make(map[int]bool)
	for v, variable := range c.st.m.Variables {
		if variable.Infeasible() || c.st.assign[v] >= 0 {
			continue
		}
		if c.st.liveCount(v, 1) == 0 {
			c.doomed[v] = true
		}
	}
}

// freezeSingletons assigns every single-candidate variable up front and keeps
// it out of the search. A singleton that collides with an earlier one stays
// searchable and will end up unassigned.
func freezeSingletons(st *state) int {
	frozen := 0
	for v, variable := range st.m.Variables {
		if len(variable.Domain) != 1 {
			continue
		}
		if st.canPlace(v, 0) {
			st.place(v, 0)
			st.frozen[v] = true
			frozen++
		}
	}
	return frozen
}

func (c *constructor) pastDeadline() bool {
	return !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// backtrack runs depth-first search with forward checking until every
// searchable variable is placed or the node or time budget runs out.
func (c *constructor) backtrack() (bool, error) {
	if err := c.ctx.Err(); err != nil {
		return false, err
	}
	v := c.selectVariable(c.doomed)
	if v < 0 {
		return true, nil
	}
	for _, ci := range c.orderValues(v) {
		if c.nodes >= c.budget || c.pastDeadline() {
			c.exhausted = true
			return false, nil
		}
		c.nodes++
		c.st.place(v, ci)
		if c.forwardCheck(v) {
			ok, err := c.backtrack()
			if err != nil || ok {
				return ok, err
			}
			if c.exhausted {
				c.st.remove(v)
				return false, nil
			}
		}
		c.st.remove(v)
	}
	return false, nil
}

// greedy places what it can in most-constrained order without undoing work.
// It stops early once the time budget has passed.
func (c *constructor) greedy() error {
	skipped := make(map[int]bool)
	for {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		if c.pastDeadline() {
			return nil
		}
		v := c.selectVariable(skipped)
		if v < 0 {
			return nil
		}
		values := c.orderValues(v)
		if len(values) == 0 {
			skipped[v] = true
			continue
		}
		c.st.place(v, values[0])
	}
}

// selectVariable picks the unassigned variable with the fewest live
// candidates; ties go to the lower occurrence index.
func (c *constructor) selectVariable(skip map[int]bool) int {
	best, bestCount := -1, 0
	for v, variable := range c.st.m.Variables {
		if variable.Infeasible() || c.st.assign[v] >= 0 || skip[v] {
			continue
		}
		limit := 0
		if best >= 0 {
			limit = bestCount
		}
		count := c.st.liveCount(v, limit)
		if best < 0 || count < bestCount {
			best, bestCount = v, count
			if count == 0 {
				break
			}
		}
	}
	return best
}

// orderValues returns v's live candidates cheapest first by incremental penalty.
func (c *constructor) orderValues(v int) []int {
	type scored struct {
		ci   int
		cost float64
	}
	base := c.st.penalty(c.weights)
	var values []scored
	for ci := range c.st.m.Variables[v].Domain {
		if !c.st.canPlace(v, ci) {
			continue
		}
		c.st.place(v, ci)
		values = append(values, scored{ci: ci, cost: c.st.penalty(c.weights) - base})
		c.st.remove(v)
	}
	sort.SliceStable(values, func(i, j int) bool {
		if values[i].cost == values[j].cost {
			return values[i].ci < values[j].ci
		}
		return values[i].cost < values[j].cost
	})
	out := make([]int, len(values))
	for i, s := range values {
		out[i] = s.ci
	}
	return out
}

// forwardCheck rejects a placement that leaves an unassigned neighbour of v
// without any live candidate.
func (c *constructor) forwardCheck(v int) bool {
	for _, n := range c.st.m.Neighbors[v] {
		if c.st.assign[n] >= 0 || c.doomed[n] {
			continue
		}
		if c.st.liveCount(n, 1) == 0 {
			return false
		}
	}
	return true
}
