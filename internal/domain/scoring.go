package domain

import "math"

// ScoringWeights are the composite weights of one scoring policy. They sum to 1.
type ScoringWeights struct {
	REM        float64
	Deep       float64
	Efficiency float64
	Duration   float64
	Latency    float64
	Wake       float64
}

// ScoringPolicy is a named, versioned set of composite weights. Markets are
// resolved against the record's stored scores, so a new policy never changes
// the outcome of a market that already targeted an older night.
type ScoringPolicy struct {
	Version string
	Weights ScoringWeights
}

// PolicyV1 es la política original: REM pesa más porque es lo que se apuesta.
var PolicyV1 = ScoringPolicy{
	Version: "v1",
	Weights: ScoringWeights{
		REM:        0.25,
		Deep:       0.20,
		Efficiency: 0.20,
		Duration:   0.15,
		Latency:    0.10,
		Wake:       0.10,
	},
}

// CurrentPolicy is the policy used to score newly ingested records.
var CurrentPolicy = PolicyV1

var policies = map[string]ScoringPolicy{
	PolicyV1.Version: PolicyV1,
}

// PolicyByVersion returns the registered policy for version.
func PolicyByVersion(version string) (ScoringPolicy, bool) {
	p, ok := policies[version]
	return p, ok
}

// Score calcula el score con la política vigente.
func Score(t Telemetry) ScoreResult {
	return ScoreWith(CurrentPolicy, t)
}

// ScoreWith computes all sub-scores and the weighted composite for t.
// It never fails: zero, negative or non-finite telemetry degrades to 0.
//
//	composite = round(Σ weight_i × subscore_i), clamped to [0,100]
//
// The composite uses the unrounded sub-scores; the returned sub-scores are
// rounded for display and storage.
func ScoreWith(p ScoringPolicy, t Telemetry) ScoreResult {
	rem := REMScore(t.REMPercent())
	deep := DeepSleepScore(t.DeepPercent())
	eff := EfficiencyScore(t.Efficiency)
	dur := DurationScore(t.TotalHours())
	lat := LatencyScore(t.LatencyMinutes)
	wake := WakeScore(t.WakeAfterOnsetMin)

	w := p.Weights
	composite := rem*w.REM + deep*w.Deep + eff*w.Efficiency +
		dur*w.Duration + lat*w.Latency + wake*w.Wake

	return ScoreResult{
		PolicyVersion: p.Version,
		Composite:     roundScore(composite),
		REM:           roundScore(rem),
		Deep:          roundScore(deep),
		Efficiency:    roundScore(eff),
		Duration:      roundScore(dur),
		Latency:       roundScore(lat),
		Wake:          roundScore(wake),
	}
}

// REMScore: óptimo 20–25% del sueño total.
// Por debajo escala lineal desde 0; por encima penaliza 4 puntos por punto porcentual.
func REMScore(pct float64) float64 {
	return plateau(nonNegative(pct), 20, 25, 4)
}

// DeepSleepScore: óptimo 15–20%, penaliza 3 puntos por punto porcentual por encima.
func DeepSleepScore(pct float64) float64 {
	return plateau(nonNegative(pct), 15, 20, 3)
}

// EfficiencyScore uses a step table above 70% and scales down from 40 below it.
func EfficiencyScore(eff float64) float64 {
	eff = nonNegative(eff)
	switch {
	case eff >= 85:
		return 100
	case eff >= 80:
		return 80
	case eff >= 75:
		return 60
	case eff >= 70:
		return 40
	}
	return clampScore(eff / 70 * 40)
}

// DurationScore: óptimo 7–9h.
//   - 6–7h: rampa lineal 60 → 80
//   - 9–10h: decae 100 → 80
//   - <6h: escala desde 60 como máximo
//   - >10h: sigue decayendo 10/h desde 80, con piso 0
func DurationScore(hours float64) float64 {
	h := nonNegative(hours)
	switch {
	case h >= 7 && h <= 9:
		return 100
	case h >= 6 && h < 7:
		return 80 - (7-h)*20
	case h > 9 && h <= 10:
		return 100 - (h-9)*20
	case h < 6:
		return clampScore(h / 6 * 60)
	}
	return clampScore(80 - (h-10)*10)
}

// LatencyScore: óptimo 10–20 min para dormirse, penaliza 2 puntos por minuto de más.
func LatencyScore(minutes float64) float64 {
	return plateau(nonNegative(minutes), 10, 20, 2)
}

// WakeScore scores minutes awake after sleep onset.
func WakeScore(minutes float64) float64 {
	m := nonNegative(minutes)
	switch {
	case m <= 5:
		return 100
	case m <= 10:
		return 80
	case m <= 20:
		return 60
	case m <= 30:
		return 40
	}
	return clampScore(40 - (m - 30))
}

// ConsistencyScore mide la regularidad de las últimas 7 noches.
// Con menos de 7 registros devuelve 50 (datos insuficientes).
// Fórmula: max(0, 100 − 2σ) sobre los composites.
func ConsistencyScore(records []SleepRecord) int {
	const window = 7
	if len(records) < window {
		return 50
	}
	recent := records[len(records)-window:]

	mean := 0.0
	for _, r := range recent {
		mean += float64(r.Scores.Composite)
	}
	mean /= window

	variance := 0.0
	for _, r := range recent {
		d := float64(r.Scores.Composite) - mean
		variance += d * d
	}
	variance /= window

	return roundScore(100 - math.Sqrt(variance)*2)
}

// plateau is the shared shape of the ratio-based sub-scores: linear from 0 up
// to lo, flat at 100 between lo and hi, then a linear penalty above hi.
func plateau(v, lo, hi, penaltyPerUnit float64) float64 {
	switch {
	case v >= lo && v <= hi:
		return 100
	case v < lo:
		return clampScore(v / lo * 100)
	}
	return clampScore(100 - (v-hi)*penaltyPerUnit)
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func roundScore(v float64) int {
	return int(math.Round(clampScore(v)))
}

// nonNegative maps negative, NaN and infinite inputs to 0.
func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
