// Package ledger is the single writer of market pools and bets.
//
// Every mutation of a market runs under that market's entry in a keyed lock
// table and is committed through a version compare-and-swap in the store, so
// two writers never lose each other's updates, not even across processes
// sharing one database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
	"github.com/google/uuid"
)

// maxCASAttempts bounds retries when another process wins the version race.
const maxCASAttempts = 5

// CreateMarketRequest describe un mercado nuevo.
type CreateMarketRequest struct {
	Creator     string
	Subject     string
	Predicate   domain.PredicateType
	Target      float64
	Description string
	Deadline    time.Time
	Stake       int64
}

// Ledger implements the market ledger on top of a ports.LedgerStore.
type Ledger struct {
	store ports.LedgerStore
	clock ports.Clock
	locks *KeyedMutex
	newID func() string
}

// New crea un Ledger. clock may be nil, in which case the wall clock is used.
func New(store ports.LedgerStore, clock ports.Clock) *Ledger {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Ledger{
		store: store,
		clock: clock,
		locks: NewKeyedMutex(),
		newID: func() string { return uuid.New().String() },
	}
}

// Lock takes the per-market lock. The resolution engine holds it for the
// whole read-evaluate-commit of a market.
func (l *Ledger) Lock(marketID string) func() {
	return l.locks.Lock(marketID)
}

// CreateMarket validates req and stores a new open market. The creator's
// stake becomes the house stake, outside both side pools.
func (l *Ledger) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	now := l.clock.Now()
	if !req.Deadline.After(now) {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w: deadline %s is not after %s",
			domain.ErrInvalidDeadline, req.Deadline.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if req.Stake <= 0 {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w: %d", domain.ErrInvalidStake, req.Stake)
	}
	if err := domain.ValidateTarget(req.Predicate, req.Target); err != nil {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w", err)
	}
	if strings.TrimSpace(req.Creator) == "" || strings.TrimSpace(req.Subject) == "" {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: %w: creator and subject are required",
			domain.ErrInvalidAccount)
	}

	m := domain.Market{
		ID:          l.newID(),
		Creator:     req.Creator,
		Subject:     req.Subject,
		Predicate:   req.Predicate,
		Target:      req.Target,
		Description: req.Description,
		CreatedAt:   now,
		Deadline:    req.Deadline.UTC(),
		State:       domain.StateOpen,
		TotalPool:   req.Stake,
		HouseStake:  req.Stake,
		Version:     1,
	}
	escrow := escrowInstruction(m.ID, "", m.Creator, req.Stake, now)

	if err := l.store.InsertMarket(ctx, m, escrow); err != nil {
		return domain.Market{}, fmt.Errorf("ledger.CreateMarket: insert: %w", err)
	}
	slog.Info("market created",
		"market_id", m.ID,
		"subject", m.Subject,
		"predicate", m.Predicate,
		"target", domain.FormatTarget(m.Predicate, m.Target),
		"deadline", m.Deadline.Format(time.RFC3339),
		"stake", req.Stake,
	)
	return m, nil
}

// PlaceBet admits a bet on an open market before its deadline.
func (l *Ledger) PlaceBet(ctx context.Context, marketID, bettor string, amount int64, direction domain.Direction) (domain.Bet, error) {
	if amount <= 0 {
		return domain.Bet{}, fmt.Errorf("ledger.PlaceBet: %w: %d", domain.ErrInvalidAmount, amount)
	}
	if !direction.Valid() {
		return domain.Bet{}, fmt.Errorf("ledger.PlaceBet: %w: %q", domain.ErrInvalidDirection, direction)
	}
	if strings.TrimSpace(bettor) == "" {
		return domain.Bet{}, fmt.Errorf("ledger.PlaceBet: %w: empty bettor", domain.ErrInvalidAccount)
	}

	unlock := l.locks.Lock(marketID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		bet, err := l.admit(ctx, marketID, bettor, amount, direction)
		if err == nil {
			slog.Debug("bet admitted",
				"market_id", marketID,
				"bet_id", bet.ID,
				"direction", direction,
				"amount", amount,
			)
			return bet, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= maxCASAttempts {
			return domain.Bet{}, fmt.Errorf("ledger.PlaceBet: %w", err)
		}
		slog.Warn("bet lost version race, retrying", "market_id", marketID, "attempt", attempt)
	}
}

func (l *Ledger) admit(ctx context.Context, marketID, bettor string, amount int64, direction domain.Direction) (domain.Bet, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Bet{}, err
	}
	now := l.clock.Now()
	if !m.AcceptsBets(now) {
		return domain.Bet{}, fmt.Errorf("%w: market %s state=%s halted=%t deadline=%s",
			domain.ErrMarketClosed, m.ID, m.State, m.Halted, m.Deadline.Format(time.RFC3339))
	}
	if m.TotalPool > math.MaxInt64-amount {
		return domain.Bet{}, fmt.Errorf("%w: pool overflow", domain.ErrInvalidAmount)
	}

	bet := domain.Bet{
		ID:        l.newID(),
		MarketID:  m.ID,
		Bettor:    bettor,
		Direction: direction,
		Amount:    amount,
		PlacedAt:  now,
		State:     domain.BetUnsettled,
	}
	updated := m.WithBet(direction, amount)
	updated.Version = m.Version + 1
	if err := updated.CheckPools(); err != nil {
		return domain.Bet{}, err
	}

	escrow := escrowInstruction(m.ID, bet.ID, bettor, amount, now)
	if err := l.store.AdmitBet(ctx, updated, bet, escrow); err != nil {
		return domain.Bet{}, err
	}
	return bet, nil
}

// GetMarket devuelve un snapshot del mercado.
func (l *Ledger) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger.GetMarket: %w", err)
	}
	return m, nil
}

// ListMarkets devuelve todos los mercados, abiertos y terminales.
func (l *Ledger) ListMarkets(ctx context.Context) ([]domain.Market, error) {
	ms, err := l.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListMarkets: %w", err)
	}
	return ms, nil
}

// ListOpenMarkets returns open, non-halted markets.
func (l *Ledger) ListOpenMarkets(ctx context.Context) ([]domain.Market, error) {
	ms, err := l.store.ListOpenMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListOpenMarkets: %w", err)
	}
	return ms, nil
}

// ListExpiredUnresolved returns the markets the scheduler has to resolve.
func (l *Ledger) ListExpiredUnresolved(ctx context.Context) ([]domain.Market, error) {
	ms, err := l.store.ListExpiredUnresolved(ctx, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("ledger.ListExpiredUnresolved: %w", err)
	}
	return ms, nil
}

// ListBets devuelve las apuestas del mercado.
func (l *Ledger) ListBets(ctx context.Context, marketID string) ([]domain.Bet, error) {
	bets, err := l.store.ListBets(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListBets: %w", err)
	}
	return bets, nil
}

// CommitSettlement writes a terminal settlement. The caller must hold the
// market's lock (see Lock).
func (l *Ledger) CommitSettlement(ctx context.Context, s domain.Settlement) error {
	if err := s.Market.CheckPools(); err != nil {
		return fmt.Errorf("ledger.CommitSettlement: %w", err)
	}
	if err := l.store.CommitSettlement(ctx, s); err != nil {
		return fmt.Errorf("ledger.CommitSettlement: %w", err)
	}
	return nil
}

// Halt quarantines a market after an invariant violation. The ledger is
// never repaired automatically.
func (l *Ledger) Halt(ctx context.Context, marketID, reason string) error {
	if err := l.store.HaltMarket(ctx, marketID, reason); err != nil {
		return fmt.Errorf("ledger.Halt: %w", err)
	}
	slog.Error("market halted", "market_id", marketID, "reason", reason, "alert", true)
	return nil
}

func escrowInstruction(marketID, betID, account string, amount int64, now time.Time) domain.TransferInstruction {
	return domain.TransferInstruction{
		ID:        domain.InstructionID(marketID, betID, domain.TransferEscrow),
		MarketID:  marketID,
		BetID:     betID,
		Kind:      domain.TransferEscrow,
		Account:   account,
		Amount:    amount,
		Memo:      domain.Memo(marketID, domain.TransferEscrow, betID),
		Status:    domain.TransferPending,
		CreatedAt: now,
	}
}
