// Package resolution decides the outcome of expired markets from sleep data
// and commits the resulting settlement exactly once.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ledger"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// recordWindow is how far before the deadline a sleep record still counts.
const recordWindow = 24 * time.Hour

// Config controla los tiempos de la resolución.
type Config struct {
	// GraceWindow is how long after the deadline a missing record is
	// waited for before the market is voided with no_data.
	GraceWindow time.Duration
	// MaxRetryAge is how long after the deadline transient source errors
	// are retried before the market is voided with source_unavailable.
	MaxRetryAge time.Duration
	// FetchTimeout bounds each call to the sleep source.
	FetchTimeout time.Duration
}

// DefaultConfig devuelve los valores por defecto.
func DefaultConfig() Config {
	return Config{
		GraceWindow:  12 * time.Hour,
		MaxRetryAge:  72 * time.Hour,
		FetchTimeout: 30 * time.Second,
	}
}

// Result describes one resolution attempt.
type Result struct {
	MarketID   string
	Action     domain.ResolveAction
	Outcome    domain.Direction
	VoidReason domain.VoidReason
	RecordID   string
	Measured   float64
	// Settlement is set when Action is resolved or voided.
	Settlement *domain.Settlement
}

// Engine resolves markets. Safe for concurrent use: each market is
// serialised through the ledger's per-market lock.
type Engine struct {
	ledger  *ledger.Ledger
	source  ports.SleepSource
	clock   ports.Clock
	alerter ports.Alerter
	cfg     Config
}

// NewEngine crea un Engine. alerter may be nil.
func NewEngine(l *ledger.Ledger, source ports.SleepSource, clock ports.Clock, alerter ports.Alerter, cfg Config) *Engine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	def := DefaultConfig()
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	if cfg.MaxRetryAge <= 0 {
		cfg.MaxRetryAge = def.MaxRetryAge
	}
	if cfg.MaxRetryAge < cfg.GraceWindow {
		cfg.MaxRetryAge = cfg.GraceWindow
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Engine{ledger: l, source: source, clock: clock, alerter: alerter, cfg: cfg}
}

// Resolve attempts to move one market to a terminal state.
//
// Terminal markets are a no-op. A market whose data is not available yet
// stays open and Resolve returns ActionPending, or an error wrapping
// domain.ErrTransient when the source failed. Invariant violations halt the
// market and return domain.ErrInvariantViolation.
func (e *Engine) Resolve(ctx context.Context, marketID string) (Result, error) {
	unlock := e.ledger.Lock(marketID)
	defer unlock()

	res := Result{MarketID: marketID}

	m, err := e.ledger.GetMarket(ctx, marketID)
	if err != nil {
		return res, fmt.Errorf("resolution.Resolve: %w", err)
	}
	if m.State.Terminal() {
		res.Action = domain.ActionNoop
		res.Outcome, res.VoidReason = m.Outcome, m.VoidReason
		return res, nil
	}
	if m.Halted {
		return res, fmt.Errorf("resolution.Resolve: %w: %s", domain.ErrMarketHalted, m.ID)
	}
	now := e.clock.Now()
	if !m.Expired(now) {
		res.Action = domain.ActionPending
		return res, nil
	}
	sinceDeadline := now.Sub(m.Deadline)

	rec, err := e.fetch(ctx, m)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		if sinceDeadline < e.cfg.GraceWindow {
			slog.Debug("no sleep record yet",
				"market_id", m.ID, "subject", m.Subject, "since_deadline", sinceDeadline.Round(time.Minute))
			res.Action = domain.ActionPending
			return res, nil
		}
		return e.void(ctx, m, domain.VoidNoData)

	case err != nil:
		if ctx.Err() != nil {
			return res, fmt.Errorf("resolution.Resolve: %w", ctx.Err())
		}
		if sinceDeadline >= e.cfg.MaxRetryAge {
			slog.Warn("sleep source unavailable past retry age, voiding",
				"market_id", m.ID, "err", err)
			return e.void(ctx, m, domain.VoidSourceUnavailable)
		}
		return res, fmt.Errorf("resolution.Resolve: fetch %s: %w: %w", m.Subject, domain.ErrTransient, err)
	}

	outcome, measured, err := domain.Evaluate(m, rec)
	if err != nil {
		return e.halt(ctx, m, err)
	}
	res, err = e.commit(ctx, m, outcome, "", rec.ID, measured)
	if err == nil {
		slog.Info("market resolved",
			"market_id", m.ID,
			"predicate", m.Predicate,
			"target", domain.FormatTarget(m.Predicate, m.Target),
			"measured", measured,
			"outcome", outcome,
			"record_id", rec.ID,
		)
	}
	return res, err
}

func (e *Engine) fetch(ctx context.Context, m domain.Market) (domain.SleepRecord, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	return e.source.FetchSleepRecord(fctx, m.Subject, m.Deadline.Add(-recordWindow), m.Deadline)
}

func (e *Engine) void(ctx context.Context, m domain.Market, reason domain.VoidReason) (Result, error) {
	res, err := e.commit(ctx, m, "", reason, "", 0)
	if err == nil {
		slog.Info("market voided", "market_id", m.ID, "reason", reason)
	}
	return res, err
}

// commit computes and writes the settlement. Caller holds the market lock.
func (e *Engine) commit(ctx context.Context, m domain.Market, outcome domain.Direction, reason domain.VoidReason, recordID string, measured float64) (Result, error) {
	res := Result{MarketID: m.ID}

	bets, err := e.ledger.ListBets(ctx, m.ID)
	if err != nil {
		return res, fmt.Errorf("resolution.Resolve: %w: %w", domain.ErrTransient, err)
	}
	st, err := domain.ComputeSettlement(m, bets, outcome, reason, e.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			return e.halt(ctx, m, err)
		}
		return res, fmt.Errorf("resolution.Resolve: %w", err)
	}
	st.RecordID, st.Measured = recordID, measured

	if err := e.ledger.CommitSettlement(ctx, st); err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyTerminal):
			res.Action = domain.ActionNoop
			return res, nil
		case errors.Is(err, domain.ErrInvariantViolation):
			return e.halt(ctx, m, err)
		}
		// conflicto de versión o fallo del store: el próximo tick lo reintenta
		return res, fmt.Errorf("resolution.Resolve: %w: %w", domain.ErrTransient, err)
	}

	res.Outcome, res.VoidReason = st.Market.Outcome, st.Market.VoidReason
	res.RecordID, res.Measured = recordID, measured
	res.Settlement = &st
	if st.Market.State == domain.StateVoided {
		res.Action = domain.ActionVoided
	} else {
		res.Action = domain.ActionResolved
	}
	return res, nil
}

// halt quarantines m and raises an alert. Nothing else is written.
func (e *Engine) halt(ctx context.Context, m domain.Market, cause error) (Result, error) {
	res := Result{MarketID: m.ID, Action: domain.ActionHalted}
	reason := cause.Error()
	if err := e.ledger.Halt(ctx, m.ID, reason); err != nil {
		slog.Error("halt failed", "market_id", m.ID, "err", err)
	}
	if e.alerter != nil {
		a := domain.Alert{MarketID: m.ID, Reason: reason, At: e.clock.Now()}
		if err := e.alerter.Alert(ctx, a); err != nil {
			slog.Error("alert failed", "market_id", m.ID, "err", err)
		}
	}
	if !errors.Is(cause, domain.ErrInvariantViolation) {
		cause = fmt.Errorf("%w: %w", domain.ErrInvariantViolation, cause)
	}
	return res, fmt.Errorf("resolution.Resolve: %w", cause)
}
