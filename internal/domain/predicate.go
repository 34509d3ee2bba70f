package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PredicateType is the sleep metric a market is about.
type PredicateType string

const (
	PredicateDuration   PredicateType = "sleep-duration"
	PredicateREM        PredicateType = "rem-percentage"
	PredicateDeepSleep  PredicateType = "deep-sleep"
	PredicateEfficiency PredicateType = "sleep-efficiency"
	PredicateWakeTime   PredicateType = "wake-time"
	PredicateLatency    PredicateType = "sleep-latency"
)

// Comparator is the fixed comparison for a predicate type.
type Comparator string

const (
	AtLeast Comparator = ">="
	AtMost  Comparator = "<="
)

type predicateSpec struct {
	unit       string
	comparator Comparator
	max        float64 // upper bound of a sensible target
}

// Wake time and latency are "earlier/faster is better": the market asks
// whether the metric stays at or below the target.
var predicateSpecs = map[PredicateType]predicateSpec{
	PredicateDuration:   {unit: "h", comparator: AtLeast, max: 24},
	PredicateREM:        {unit: "%", comparator: AtLeast, max: 100},
	PredicateDeepSleep:  {unit: "h", comparator: AtLeast, max: 24},
	PredicateEfficiency: {unit: "%", comparator: AtLeast, max: 100},
	PredicateWakeTime:   {unit: "min-of-day", comparator: AtMost, max: minutesPerDay - 1},
	PredicateLatency:    {unit: "min", comparator: AtMost, max: minutesPerDay},
}

// Valid reports whether p is a known predicate type.
func (p PredicateType) Valid() bool {
	_, ok := predicateSpecs[p]
	return ok
}

// Unit devuelve la unidad en la que se expresa el target.
func (p PredicateType) Unit() string { return predicateSpecs[p].unit }

// Comparator returns the fixed comparator for p.
func (p PredicateType) Comparator() Comparator { return predicateSpecs[p].comparator }

// ValidateTarget checks that target is finite and inside the predicate's domain.
func ValidateTarget(p PredicateType, target float64) error {
	spec, ok := predicateSpecs[p]
	if !ok {
		return fmt.Errorf("%w: unknown predicate type %q", ErrInvalidPredicate, p)
	}
	if math.IsNaN(target) || math.IsInf(target, 0) || target < 0 || target > spec.max {
		return fmt.Errorf("%w: target %v out of range for %s", ErrInvalidPredicate, target, p)
	}
	return nil
}

// ParseTarget parses a target as written by a market creator. Wake-time
// targets are "HH:MM" and become minutes after midnight; every other type is
// a plain number in the predicate's unit.
func ParseTarget(p PredicateType, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	var target float64
	if p == PredicateWakeTime {
		hh, mm, ok := strings.Cut(raw, ":")
		if !ok {
			return 0, fmt.Errorf("%w: wake-time target %q is not HH:MM", ErrInvalidPredicate, raw)
		}
		h, errH := strconv.Atoi(hh)
		m, errM := strconv.Atoi(mm)
		if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return 0, fmt.Errorf("%w: wake-time target %q is not HH:MM", ErrInvalidPredicate, raw)
		}
		target = float64(h*60 + m)
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: target %q: %v", ErrInvalidPredicate, raw, err)
		}
		target = v
	}
	if err := ValidateTarget(p, target); err != nil {
		return 0, err
	}
	return target, nil
}

// FormatTarget is the inverse of ParseTarget, used in reports.
func FormatTarget(p PredicateType, target float64) string {
	if p == PredicateWakeTime {
		m := int(target)
		return fmt.Sprintf("%02d:%02d", m/60, m%60)
	}
	return strconv.FormatFloat(target, 'f', -1, 64) + p.Unit()
}

// Measure extracts the metric a predicate compares, in the predicate's unit.
func Measure(p PredicateType, t Telemetry) (float64, error) {
	switch p {
	case PredicateDuration:
		return t.TotalHours(), nil
	case PredicateREM:
		return t.REMPercent(), nil
	case PredicateDeepSleep:
		return t.DeepHours(), nil
	case PredicateEfficiency:
		return nonNegative(t.Efficiency), nil
	case PredicateWakeTime:
		return t.WakeMinuteOfDay(), nil
	case PredicateLatency:
		return nonNegative(t.LatencyMinutes), nil
	}
	return 0, fmt.Errorf("%w: unknown predicate type %q", ErrInvalidPredicate, p)
}

// Evaluate decides the outcome of m against a scored record: Yes when the
// measured metric satisfies the predicate's comparator, No otherwise.
// It also returns the measured value for logging and receipts.
func Evaluate(m Market, rec SleepRecord) (Direction, float64, error) {
	actual, err := Measure(m.Predicate, rec.Telemetry)
	if err != nil {
		return "", 0, err
	}
	var holds bool
	switch m.Predicate.Comparator() {
	case AtLeast:
		holds = actual >= m.Target
	case AtMost:
		holds = actual <= m.Target
	}
	if holds {
		return Yes, actual, nil
	}
	return No, actual, nil
}
