package solver

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type moveKind int

const (
	moveReassign moveKind = iota
	moveSwap
)

// move changes one or two variables; prev* hold the positions to revert to.
type move struct {
	kind   moveKind
	a, b   int
	ca, cb int
	prevA  int
	prevB  int
}

func (mv move) lowest() int {
	if mv.kind == moveSwap && mv.b < mv.a {
		return mv.b
	}
	return mv.a
}

type annealer struct {
	ctx     context.Context
	st      *state
	weights Weights
	opts    Options
	rng     *rand.Rand

	movable  []int
	deadline time.Time

	bestAssign     []int
	bestPenalty    float64
	bestUnassigned int
	checkpoints    []Checkpoint

	iterations   int
	accepted     int
	improvements int
}

// newAnnealer shares the run's deadline so construction and improvement
// together stay within the time budget. A zero deadline means no limit.
func newAnnealer(ctx context.Context, st *state, w Weights, opts Options, rng *rand.Rand, deadline time.Time) *annealer {
	a := &annealer{ctx: ctx, st: st, weights: w, opts: opts, rng: rng, deadline: deadline}
	for v, variable := range st.m.Variables {
		if variable.Infeasible() || st.frozen[v] {
			continue
		}
		a.movable = append(a.movable, v)
	}
	a.bestAssign = st.snapshotAssign()
	a.bestPenalty = st.penalty(w)
	a.bestUnassigned = st.unassigned
	return a
}

func (a *annealer) perfect() bool {
	return a.bestUnassigned == 0 && a.bestPenalty <= epsilon
}

// run anneals until a budget, the stall window or a perfect score stops it.
func (a *annealer) run() (StopReason, error) {
	if a.perfect() {
		return StopPerfect, nil
	}
	if len(a.movable) == 0 {
		return StopNoMoves, nil
	}
	temperature := a.opts.InitialTemperature
	currentPenalty := a.bestPenalty
	sinceBest := 0

	for a.iterations < a.opts.MaxIterations {
		if err := a.ctx.Err(); err != nil {
			return "", err
		}
		if !a.deadline.IsZero() && time.Now().After(a.deadline) {
			return StopTimeBudget, nil
		}
		a.iterations++

		mv, dUnassigned, dPenalty, ok := a.bestSampledMove()
		if ok && a.accept(dUnassigned, dPenalty, temperature) {
			a.apply(mv)
			currentPenalty += dPenalty
			a.accepted++
		}

		if a.st.unassigned < a.bestUnassigned ||
			(a.st.unassigned == a.bestUnassigned && currentPenalty < a.bestPenalty-epsilon) {
			currentPenalty = a.st.penalty(a.weights)
			a.bestAssign = a.st.snapshotAssign()
			a.bestPenalty = currentPenalty
			a.bestUnassigned = a.st.unassigned
			a.improvements++
			sinceBest = 0
		} else {
			sinceBest++
		}

		if a.opts.CheckpointEvery > 0 && a.iterations%a.opts.CheckpointEvery == 0 {
			a.checkpoint()
		}
		if a.perfect() {
			return StopPerfect, nil
		}
		if a.opts.StallIterations > 0 && sinceBest >= a.opts.StallIterations {
			return StopStalled, nil
		}
		temperature = math.Max(temperature*a.opts.CoolingRate, minTemperature)
	}
	return StopIterationBudget, nil
}

func (a *annealer) checkpoint() {
	a.checkpoints = append(a.checkpoints, Checkpoint{
		Iteration:  a.iterations,
		Unassigned: a.bestUnassigned,
		Penalty:    a.bestPenalty,
	})
}

func (a *annealer) accept(dUnassigned int, dPenalty, temperature float64) bool {
	draw := a.rng.Float64()
	if dUnassigned < 0 {
		return true
	}
	if dUnassigned > 0 {
		return false
	}
	if dPenalty <= 0 {
		return true
	}
	return draw < math.Exp(-dPenalty/temperature)
}

// bestSampledMove draws SampleSize hard-feasible moves and keeps the one with
// the best (unassigned, penalty) delta. Equal deltas prefer the move touching
// the lower occurrence index.
func (a *annealer) bestSampledMove() (move, int, float64, bool) {
	var (
		best        move
		bestDU      int
		bestDP      float64
		found       bool
		basePenalty = a.st.penalty(a.weights)
		baseUnassig = a.st.unassigned
	)
	for i := 0; i < a.opts.SampleSize; i++ {
		mv, ok := a.propose()
		if !ok {
			continue
		}
		a.apply(mv)
		dU := a.st.unassigned - baseUnassig
		dP := a.st.penalty(a.weights) - basePenalty
		a.revert(mv)

		better := !found ||
			dU < bestDU ||
			(dU == bestDU && dP < bestDP-epsilon) ||
			(dU == bestDU && math.Abs(dP-bestDP) <= epsilon && mv.lowest() < best.lowest())
		if better {
			best, bestDU, bestDP, found = mv, dU, dP, true
		}
	}
	return best, bestDU, bestDP, found
}

// propose draws a random reassignment, or with probability 1/3 a swap of the
// start and classroom of two placed occurrences of equal duration.
func (a *annealer) propose() (move, bool) {
	st := a.st
	v := a.movable[a.rng.Intn(len(a.movable))]
	if st.assign[v] >= 0 && len(a.movable) > 1 && a.rng.Intn(3) == 0 {
		u := a.movable[a.rng.Intn(len(a.movable))]
		if mv, ok := a.proposeSwap(v, u); ok {
			return mv, true
		}
		return move{}, false
	}

	domain := st.m.Variables[v].Domain
	ci := a.rng.Intn(len(domain))
	if ci == st.assign[v] {
		return move{}, false
	}
	prev := st.assign[v]
	st.remove(v)
	ok := st.canPlace(v, ci)
	if prev >= 0 {
		st.place(v, prev)
	}
	if !ok {
		return move{}, false
	}
	return move{kind: moveReassign, a: v, ca: ci, prevA: prev, b: -1, prevB: -1}, true
}

func (a *annealer) proposeSwap(v, u int) (move, bool) {
	st := a.st
	if u == v || st.assign[u] < 0 {
		return move{}, false
	}
	va, vb := st.m.Variables[v], st.m.Variables[u]
	if va.Occurrence.Duration != vb.Occurrence.Duration {
		return move{}, false
	}
	candA, _ := st.candidate(v)
	candB, _ := st.candidate(u)
	if candA.Start == candB.Start && candA.Room == candB.Room {
		return move{}, false
	}
	ca, okA := st.indexOf(v, Candidate{Start: candB.Start, Room: candB.Room, Teacher: candA.Teacher})
	cb, okB := st.indexOf(u, Candidate{Start: candA.Start, Room: candA.Room, Teacher: candB.Teacher})
	if !okA || !okB {
		return move{}, false
	}
	mv := move{kind: moveSwap, a: v, b: u, ca: ca, cb: cb, prevA: st.assign[v], prevB: st.assign[u]}
	st.remove(v)
	st.remove(u)
	ok := st.canPlace(v, ca)
	if ok {
		st.place(v, ca)
		ok = st.canPlace(u, cb)
		st.remove(v)
	}
	st.place(v, mv.prevA)
	st.place(u, mv.prevB)
	return mv, ok
}

func (a *annealer) apply(mv move) {
	if mv.kind == moveSwap {
		a.st.remove(mv.a)
		a.st.remove(mv.b)
		a.st.place(mv.a, mv.ca)
		a.st.place(mv.b, mv.cb)
		return
	}
	a.st.place(mv.a, mv.ca)
}

func (a *annealer) revert(mv move) {
	if mv.kind == moveSwap {
		a.st.remove(mv.a)
		a.st.remove(mv.b)
		a.st.place(mv.a, mv.prevA)
		a.st.place(mv.b, mv.prevB)
		return
	}
	a.st.remove(mv.a)
	if mv.prevA >= 0 {
		a.st.place(mv.a, mv.prevA)
	}
}
