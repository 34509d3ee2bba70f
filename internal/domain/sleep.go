package domain

import "time"

// RecordSource identifica de dónde vino la telemetría.
type RecordSource string

const (
	SourceGarmin RecordSource = "garmin"
	SourceCudis  RecordSource = "cudis"
	SourceWhoop  RecordSource = "whoop"
	SourceManual RecordSource = "manual"
)

// Valid reports whether s is a known record source.
func (s RecordSource) Valid() bool {
	switch s {
	case SourceGarmin, SourceCudis, SourceWhoop, SourceManual:
		return true
	}
	return false
}

// Telemetry is one night of raw wearable data. Durations are in minutes,
// efficiency is a percentage.
type Telemetry struct {
	TotalMinutes      float64 `json:"total_sleep_time"`
	REMMinutes        float64 `json:"rem_sleep_time"`
	DeepMinutes       float64 `json:"deep_sleep_time"`
	LightMinutes      float64 `json:"light_sleep_time"`
	Efficiency        float64 `json:"sleep_efficiency"`
	LatencyMinutes    float64 `json:"sleep_latency"`
	WakeAfterOnsetMin float64 `json:"wake_after_sleep_onset"`

	// Optional. When WakeAt is zero the wake time is derived from latency
	// and total sleep (see WakeMinuteOfDay).
	SleepOnset time.Time `json:"sleep_onset,omitempty"`
	WakeAt     time.Time `json:"wake_at,omitempty"`
}

// TotalHours devuelve el sueño total en horas.
func (t Telemetry) TotalHours() float64 { return nonNegative(t.TotalMinutes) / 60 }

// DeepHours devuelve el sueño profundo en horas.
func (t Telemetry) DeepHours() float64 { return nonNegative(t.DeepMinutes) / 60 }

// REMPercent devuelve el REM como porcentaje del sueño total. 0 si no hubo sueño.
func (t Telemetry) REMPercent() float64 {
	return percentOf(t.REMMinutes, t.TotalMinutes)
}

// DeepPercent devuelve el sueño profundo como porcentaje del sueño total.
func (t Telemetry) DeepPercent() float64 {
	return percentOf(t.DeepMinutes, t.TotalMinutes)
}

// defaultBedtimeMinute is 23:00, the bedtime assumed when a record carries
// no wake timestamp.
const defaultBedtimeMinute = 23 * 60

const minutesPerDay = 24 * 60

// WakeMinuteOfDay returns the wake-up time as minutes after midnight.
// Without WakeAt it assumes sleep started at 23:00 and adds latency and total
// sleep, wrapping at midnight.
func (t Telemetry) WakeMinuteOfDay() float64 {
	if !t.WakeAt.IsZero() {
		return float64(t.WakeAt.Hour()*60 + t.WakeAt.Minute())
	}
	wake := defaultBedtimeMinute + nonNegative(t.LatencyMinutes) + nonNegative(t.TotalMinutes)
	for wake >= minutesPerDay {
		wake -= minutesPerDay
	}
	return wake
}

// ScoreResult holds the composite and per-component scores, all in [0,100].
type ScoreResult struct {
	PolicyVersion string `json:"policy_version"`
	Composite     int    `json:"daily_proof_of_rem_score"`
	REM           int    `json:"rem_score"`
	Deep          int    `json:"deep_sleep_score"`
	Efficiency    int    `json:"efficiency_score"`
	Duration      int    `json:"duration_score"`
	Latency       int    `json:"latency_score"`
	Wake          int    `json:"wake_score"`
}

// SleepRecord is a scored night for one subject. Immutable once scored.
type SleepRecord struct {
	ID         string
	Subject    string
	RecordedAt time.Time
	Telemetry  Telemetry
	Scores     ScoreResult
	Source     RecordSource
	SourceID   string
}

func percentOf(part, total float64) float64 {
	part, total = nonNegative(part), nonNegative(total)
	if total == 0 {
		return 0
	}
	return part / total * 100
}
