package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payout is one amount owed to an account after settlement.
type Payout struct {
	BetID   string // empty for the creator's house stake
	Account string
	Amount  int64
	Kind    TransferKind // TransferPayout or TransferRefund
}

// Payouts is the output of the payout calculator for one market.
type Payouts struct {
	Lines []Payout
	// Dust is the truncation remainder kept at market level so that
	// Total() + Dust == TotalPool exactly.
	Dust int64
	// Refunded is true when every stake went back to its owner.
	Refunded bool
}

// Total suma todos los montos a pagar.
func (p Payouts) Total() int64 {
	var sum int64
	for _, l := range p.Lines {
		sum += l.Amount
	}
	return sum
}

// ComputePayouts splits a resolved market's pool among the bets on outcome:
//
//	payout(bet) = amount + floor(amount × losingPool / winningPool)
//
// Truncation remainders go to Dust. When nobody bet on the winning side,
// every bet is refunded instead. The creator's house stake is always
// refunded to the creator. Pure: it reads m and bets and mutates neither.
func ComputePayouts(m Market, bets []Bet, outcome Direction) (Payouts, error) {
	if !outcome.Valid() {
		return Payouts{}, fmt.Errorf("domain.ComputePayouts: %w: outcome %q", ErrInvalidDirection, outcome)
	}
	if err := checkSettleable(m, bets); err != nil {
		return Payouts{}, err
	}

	winningPool := m.PoolFor(outcome)
	losingPool := m.PoolFor(outcome.Opposite())
	if winningPool == 0 {
		return ComputeRefunds(m, bets)
	}

	out := Payouts{Lines: make([]Payout, 0, len(bets)+1)}
	losing := decimal.NewFromInt(losingPool)
	winning := decimal.NewFromInt(winningPool)

	var distributed int64
	for _, b := range bets {
		if b.Direction != outcome {
			continue
		}
		share, _ := decimal.NewFromInt(b.Amount).Mul(losing).QuoRem(winning, 0)
		s := share.IntPart()
		distributed += s
		out.Lines = append(out.Lines, Payout{
			BetID:   b.ID,
			Account: b.Bettor,
			Amount:  b.Amount + s,
			Kind:    TransferPayout,
		})
	}
	out.Dust = losingPool - distributed
	out.Lines = appendHouseRefund(out.Lines, m)

	if err := checkConservation(m, out); err != nil {
		return Payouts{}, err
	}
	return out, nil
}

// ComputeRefunds returns every stake, house stake included, to its owner.
// Used for voided markets and for resolved markets with an empty winning side.
func ComputeRefunds(m Market, bets []Bet) (Payouts, error) {
	if err := checkSettleable(m, bets); err != nil {
		return Payouts{}, err
	}
	out := Payouts{Lines: make([]Payout, 0, len(bets)+1), Refunded: true}
	for _, b := range bets {
		out.Lines = append(out.Lines, Payout{
			BetID:   b.ID,
			Account: b.Bettor,
			Amount:  b.Amount,
			Kind:    TransferRefund,
		})
	}
	out.Lines = appendHouseRefund(out.Lines, m)

	if err := checkConservation(m, out); err != nil {
		return Payouts{}, err
	}
	return out, nil
}

// ComputeSettlement runs the payout calculator and builds the terminal write
// in one step. An empty outcome voids the market with reason; otherwise the
// market resolves to outcome.
func ComputeSettlement(m Market, bets []Bet, outcome Direction, reason VoidReason, now time.Time) (Settlement, error) {
	var (
		payouts Payouts
		err     error
	)
	if outcome == "" {
		payouts, err = ComputeRefunds(m, bets)
	} else {
		payouts, err = ComputePayouts(m, bets, outcome)
	}
	if err != nil {
		return Settlement{}, err
	}
	return Settle(m, bets, payouts, outcome, reason, now), nil
}

// Settle builds the terminal write for m from computed payouts. outcome is
// empty for a voided market. Instruction IDs are derived from market, bet and
// kind, so recomputing the same settlement yields the same IDs.
func Settle(m Market, bets []Bet, payouts Payouts, outcome Direction, reason VoidReason, now time.Time) Settlement {
	terminal := m
	terminal.ResolvedAt = now
	terminal.Dust = payouts.Dust
	terminal.ResolutionEpoch = m.ResolutionEpoch + 1
	terminal.Version = m.Version + 1
	if outcome.Valid() {
		terminal.State = StateResolved
		terminal.Outcome = outcome
	} else {
		terminal.State = StateVoided
		terminal.VoidReason = reason
	}

	paid := make(map[string]Payout, len(payouts.Lines))
	for _, l := range payouts.Lines {
		if l.BetID != "" {
			paid[l.BetID] = l
		}
	}

	settled := make([]Bet, 0, len(bets))
	for _, b := range bets {
		b.SettledAt = now
		if l, ok := paid[b.ID]; ok {
			b.Payout = l.Amount
			if l.Kind == TransferRefund {
				b.State = BetRefunded
			} else {
				b.State = BetPaid
			}
		} else {
			b.Payout = 0
			b.State = BetForfeited
		}
		settled = append(settled, b)
	}

	instructions := make([]TransferInstruction, 0, len(payouts.Lines))
	for _, l := range payouts.Lines {
		if l.Amount <= 0 {
			continue
		}
		instructions = append(instructions, TransferInstruction{
			ID:        InstructionID(m.ID, l.BetID, l.Kind),
			MarketID:  m.ID,
			BetID:     l.BetID,
			Kind:      l.Kind,
			Account:   l.Account,
			Amount:    l.Amount,
			Memo:      Memo(m.ID, l.Kind, l.BetID),
			Status:    TransferPending,
			CreatedAt: now,
		})
	}

	return Settlement{Market: terminal, Bets: settled, Instructions: instructions}
}

// instructionNamespace scopes the name-based UUIDs of transfer instructions.
var instructionNamespace = uuid.MustParse("6f1c2a52-3d0e-4b8e-9a57-2c4b1f0e9d11")

// InstructionID derives a stable instruction ID. The same (market, bet, kind)
// always maps to the same ID, which the collaborator uses to deduplicate.
func InstructionID(marketID, betID string, kind TransferKind) string {
	return uuid.NewSHA1(instructionNamespace, []byte(marketID+"/"+betID+"/"+string(kind))).String()
}

// Memo is the human-readable transfer memo.
func Memo(marketID string, kind TransferKind, betID string) string {
	if betID == "" {
		return fmt.Sprintf("remsettle:%s:%s:house", marketID, kind)
	}
	return fmt.Sprintf("remsettle:%s:%s:%s", marketID, kind, betID)
}

func appendHouseRefund(lines []Payout, m Market) []Payout {
	if m.HouseStake <= 0 {
		return lines
	}
	return append(lines, Payout{
		Account: m.Creator,
		Amount:  m.HouseStake,
		Kind:    TransferRefund,
	})
}

func checkSettleable(m Market, bets []Bet) error {
	if err := m.CheckPools(); err != nil {
		return err
	}
	return CheckBets(m, bets)
}

func checkConservation(m Market, p Payouts) error {
	if p.Dust < 0 || p.Total()+p.Dust != m.TotalPool {
		return fmt.Errorf("%w: market %s payouts=%d dust=%d total=%d",
			ErrInvariantViolation, m.ID, p.Total(), p.Dust, m.TotalPool)
	}
	return nil
}
