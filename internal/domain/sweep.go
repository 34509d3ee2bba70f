package domain

import "time"

// ResolveAction is what one resolution attempt did to a market.
type ResolveAction string

const (
	ActionNoop     ResolveAction = "noop"    // ya terminal, nada que hacer
	ActionPending  ResolveAction = "pending" // retry next tick
	ActionResolved ResolveAction = "resolved"
	ActionVoided   ResolveAction = "voided"
	ActionFailed   ResolveAction = "failed"
	ActionHalted   ResolveAction = "halted"
)

// MarketOutcome is the per-market line of a sweep report.
type MarketOutcome struct {
	MarketID   string
	Subject    string
	Predicate  PredicateType
	Action     ResolveAction
	Outcome    Direction
	VoidReason VoidReason
	Measured   float64
	Err        string
}

// SweepReport summarises one scheduler sweep.
type SweepReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Markets   []MarketOutcome

	TransfersSent   int
	TransfersFailed int
	TransfersParked int
	Archived        int
}

// Count devuelve cuántos mercados terminaron con la acción dada.
func (r SweepReport) Count(a ResolveAction) int {
	n := 0
	for _, m := range r.Markets {
		if m.Action == a {
			n++
		}
	}
	return n
}

// Alert is raised when a market is halted on an invariant violation.
type Alert struct {
	MarketID string
	Reason   string
	At       time.Time
}
