package domain

import (
	"fmt"
	"time"
)

// MarketState is the lifecycle of a market. Transitions are monotonic:
// open → resolved | voided.
type MarketState string

const (
	StateOpen     MarketState = "open"
	StateResolved MarketState = "resolved"
	StateVoided   MarketState = "voided"
)

// Terminal reports whether no further transition is possible.
func (s MarketState) Terminal() bool {
	return s == StateResolved || s == StateVoided
}

// Direction is the side of a bet, and also the outcome of a resolved market.
type Direction string

const (
	Yes Direction = "yes"
	No  Direction = "no"
)

// Valid reports whether d is Yes or No.
func (d Direction) Valid() bool { return d == Yes || d == No }

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Yes {
		return No
	}
	return Yes
}

// VoidReason explains why a market was voided instead of resolved.
type VoidReason string

const (
	VoidNoData            VoidReason = "no_data"
	VoidSourceUnavailable VoidReason = "source_unavailable"
)

// Market is a binary prediction over one subject's sleep metric.
//
// Pools are integers in the smallest unit of account. The creator's stake is
// kept apart as HouseStake: it seeds the pool without taking a side.
type Market struct {
	ID          string
	Creator     string
	Subject     string
	Predicate   PredicateType
	Target      float64
	Description string
	CreatedAt   time.Time
	Deadline    time.Time

	State      MarketState
	Outcome    Direction // set only when State == StateResolved
	ResolvedAt time.Time
	VoidReason VoidReason

	TotalPool  int64
	YesPool    int64
	NoPool     int64
	HouseStake int64
	Dust       int64

	// Version is bumped on every write and used for compare-and-swap.
	Version int64
	// ResolutionEpoch is 0 while open and 1 once terminal; a settlement
	// commit expects 0, so replayed resolutions are rejected.
	ResolutionEpoch int64

	Halted     bool
	HaltReason string
}

// AcceptsBets reports whether a bet may be admitted at now.
func (m Market) AcceptsBets(now time.Time) bool {
	return m.State == StateOpen && !m.Halted && now.Before(m.Deadline)
}

// Expired reports whether the deadline has passed at now.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.Deadline)
}

// PoolFor devuelve el pool del lado dado.
func (m Market) PoolFor(d Direction) int64 {
	if d == Yes {
		return m.YesPool
	}
	return m.NoPool
}

// CheckPools verifies the pool invariant: non-negative pools and
// YesPool + NoPool + HouseStake == TotalPool.
func (m Market) CheckPools() error {
	if m.YesPool < 0 || m.NoPool < 0 || m.HouseStake < 0 || m.TotalPool < 0 || m.Dust < 0 {
		return fmt.Errorf("%w: negative pool in market %s", ErrInvariantViolation, m.ID)
	}
	if m.YesPool+m.NoPool+m.HouseStake != m.TotalPool {
		return fmt.Errorf("%w: market %s yes=%d no=%d house=%d total=%d",
			ErrInvariantViolation, m.ID, m.YesPool, m.NoPool, m.HouseStake, m.TotalPool)
	}
	return nil
}

// WithBet returns a copy of m with amount added to the side d.
func (m Market) WithBet(d Direction, amount int64) Market {
	if d == Yes {
		m.YesPool += amount
	} else {
		m.NoPool += amount
	}
	m.TotalPool += amount
	return m
}

// BetState is the settlement state of a bet. It changes at most once.
type BetState string

const (
	BetUnsettled BetState = "unsettled"
	BetPaid      BetState = "paid"
	BetForfeited BetState = "forfeited"
	BetRefunded  BetState = "refunded"
)

// Bet is one stake admitted into a market.
type Bet struct {
	ID        string
	MarketID  string
	Bettor    string
	Direction Direction
	Amount    int64
	PlacedAt  time.Time

	State     BetState
	Payout    int64
	SettledAt time.Time
}

// CheckBets verifies that the admitted bets add up to the market's side pools.
func CheckBets(m Market, bets []Bet) error {
	var yes, no int64
	for _, b := range bets {
		if b.MarketID != m.ID {
			return fmt.Errorf("%w: bet %s belongs to market %s, not %s",
				ErrInvariantViolation, b.ID, b.MarketID, m.ID)
		}
		if b.Amount <= 0 {
			return fmt.Errorf("%w: bet %s has amount %d", ErrInvariantViolation, b.ID, b.Amount)
		}
		switch b.Direction {
		case Yes:
			yes += b.Amount
		case No:
			no += b.Amount
		default:
			return fmt.Errorf("%w: bet %s has direction %q", ErrInvariantViolation, b.ID, b.Direction)
		}
	}
	if yes != m.YesPool || no != m.NoPool {
		return fmt.Errorf("%w: market %s bets sum yes=%d no=%d, pools yes=%d no=%d",
			ErrInvariantViolation, m.ID, yes, no, m.YesPool, m.NoPool)
	}
	return nil
}
