package solver

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ObjectiveVersion identifies the closed objective set below.
const ObjectiveVersion = "v1"

// Objective names a soft, weighted quality criterion.
type Objective string

const (
	ObjectiveTeacherIdle        Objective = "teacher_idle"
	ObjectiveStudentIdle        Objective = "student_idle"
	ObjectiveStudentCompactness Objective = "student_compactness"
	ObjectiveRoomUtilization    Objective = "room_utilization"
)

const numObjectives = 4

// Objectives lists the supported objectives in reporting order.
var Objectives = [numObjectives]Objective{
	ObjectiveTeacherIdle,
	ObjectiveStudentIdle,
	ObjectiveStudentCompactness,
	ObjectiveRoomUtilization,
}

// DefaultWeight applies to objectives the caller leaves out.
const DefaultWeight = 1.0

// Weights holds one non-negative multiplier per objective.
type Weights [numObjectives]float64

// ParseWeights validates a caller-supplied weight map. Unknown names, negative
// or non-finite values and an empty map are rejected.
func ParseWeights(raw map[string]float64) (Weights, error) {
	var w Weights
	if len(raw) == 0 {
		return w, fmt.Errorf("weight vector is empty")
	}
	for i := range w {
		w[i] = DefaultWeight
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		idx := objectiveIndex(Objective(k))
		if idx < 0 {
			return w, fmt.Errorf("unknown objective %q (supported: %s)", k, supportedObjectives())
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return w, fmt.Errorf("objective %q weight must be a non-negative finite number", k)
		}
		w[idx] = v
	}
	return w, nil
}

// Map returns the weights keyed by objective name.
func (w Weights) Map() map[string]float64 {
	out := make(map[string]float64, numObjectives)
	for i, o := range Objectives {
		out[string(o)] = w[i]
	}
	return out
}

func objectiveIndex(o Objective) int {
	for i, known := range Objectives {
		if known == o {
			return i
		}
	}
	return -1
}

func supportedObjectives() string {
	names := make([]string, 0, numObjectives)
	for _, o := range Objectives {
		names = append(names, string(o))
	}
	return strings.Join(names, ", ")
}

// ObjectiveScore is the contribution of one objective.
type ObjectiveScore struct {
	Penalty  float64 `json:"penalty"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Breakdown is the weighted score of a schedule.
type Breakdown struct {
	Total        float64                      `json:"total"`
	Satisfaction float64                      `json:"satisfaction"`
	Objectives   map[Objective]ObjectiveScore `json:"objectives"`
}

func newBreakdown(raw [numObjectives]float64, w Weights) Breakdown {
	b := Breakdown{Objectives: make(map[Objective]ObjectiveScore, numObjectives)}
	for i, o := range Objectives {
		weighted := raw[i] * w[i]
		b.Objectives[o] = ObjectiveScore{Penalty: raw[i], Weight: w[i], Weighted: weighted}
		b.Total += weighted
	}
	b.Satisfaction = 100 * math.Exp(-b.Total/1000)
	return b
}

func weighted(raw [numObjectives]float64, w Weights) float64 {
	total := 0.0
	for i := range raw {
		total += raw[i] * w[i]
	}
	return total
}

// idleWithin counts free periods between the first and last busy period.
func idleWithin(busy func(period int) bool, periods int) float64 {
	first, last, count := -1, -1, 0
	for p := 0; p < periods; p++ {
		if !busy(p) {
			continue
		}
		if first < 0 {
			first = p
		}
		last = p
		count++
	}
	if count == 0 {
		return 0
	}
	return float64(last - first + 1 - count)
}

func roomWaste(capacity, population, duration int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(capacity-population) / float64(capacity) * float64(duration)
}
