// Package settlement drives resolution on a fixed cadence and dispatches
// the resulting transfer instructions.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ledger"
	"github.com/alejandrodnm/remsettle/internal/ports"
	"github.com/alejandrodnm/remsettle/internal/resolution"
	"golang.org/x/sync/errgroup"
)

// ErrSweepSkipped is returned by RunOnce when another sweep, in this process
// or in another one holding the sweep lock, is still running.
var ErrSweepSkipped = errors.New("sweep skipped")

// Config contiene la configuración del scheduler.
type Config struct {
	Interval        time.Duration
	Workers         int // mercados resueltos en paralelo (0 = 4)
	DispatchBatch   int // instrucciones enviadas por sweep (0 = 100)
	TransferTimeout time.Duration
	LockKey         string
	LockTTL         time.Duration

	// Backoff de instrucciones fallidas: RetryBase, 2×, 4×... hasta RetryMax.
	// Tras MaxAttempts fallos la instrucción se aparca y se alerta.
	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxAttempts int
}

// Resolver is the part of resolution.Engine the scheduler needs.
type Resolver interface {
	Resolve(ctx context.Context, marketID string) (resolution.Result, error)
}

// Outbox is the transfer and receipt half of ports.LedgerStore.
type Outbox interface {
	PendingTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferInstruction, error)
	MarkTransferSent(ctx context.Context, id, reference string, at time.Time) error
	MarkTransferFailed(ctx context.Context, id, lastErr string, retryAt time.Time) error
	ParkTransfer(ctx context.Context, id, lastErr string) error
	PendingReceipts(ctx context.Context, limit int) ([]domain.Receipt, error)
	MarkReceiptArchived(ctx context.Context, marketID string, at time.Time) error
}

// Deps agrupa las dependencias del scheduler. Archive, Notifier, Alerter
// and Lock are optional.
type Deps struct {
	Ledger   *ledger.Ledger
	Resolver Resolver
	Outbox   Outbox
	Transfer ports.AssetTransfer
	Archive  ports.ReceiptArchive
	Notifier ports.Notifier
	Alerter  ports.Alerter
	Lock     ports.SweepLock
	Clock    ports.Clock
}

// Scheduler runs sweeps. A sweep resolves every expired market and then
// dispatches pending instructions.
type Scheduler struct {
	cfg  Config
	deps Deps

	running atomic.Bool
	wg      sync.WaitGroup
}

// New crea un Scheduler con todas las dependencias inyectadas.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 100
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "remsettle:sweep"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Minute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	return &Scheduler{cfg: cfg, deps: deps}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
// A tick that fires while a sweep is still running is skipped, not queued.
// On shutdown Run waits for the in-flight sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("settlement scheduler starting",
		"interval", s.cfg.Interval,
		"workers", s.cfg.Workers,
		"dispatch_batch", s.cfg.DispatchBatch,
	)

	s.spawn(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("settlement scheduler stopped")
			return nil
		case <-ticker.C:
			s.spawn(ctx)
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrSweepSkipped) {
				slog.Info("sweep skipped", "reason", err)
				return
			}
			slog.Error("sweep failed", "err", err)
		}
	}()
}

// RunOnce ejecuta exactamente un sweep y devuelve su resumen.
func (s *Scheduler) RunOnce(ctx context.Context) (domain.SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return domain.SweepReport{}, fmt.Errorf("%w: previous sweep still running", ErrSweepSkipped)
	}
	defer s.running.Store(false)

	if s.deps.Lock != nil {
		release, err := s.deps.Lock.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.SweepReport{}, fmt.Errorf("%w: %w", ErrSweepSkipped, err)
		}
		if err != nil {
			return domain.SweepReport{}, fmt.Errorf("settlement.RunOnce: acquire lock: %w", err)
		}
		defer release()
	}

	return s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) (domain.SweepReport, error) {
	report := domain.SweepReport{StartedAt: s.deps.Clock.Now()}
	start := time.Now()

	markets, err := s.deps.Ledger.ListExpiredUnresolved(ctx)
	if err != nil {
		return report, fmt.Errorf("settlement.sweep: %w", err)
	}

	outcomes := make([]domain.MarketOutcome, len(markets))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, m := range markets {
		i, m := i, m
		g.Go(func() error {
			outcomes[i] = s.resolveOne(ctx, m)
			return nil
		})
	}
	_ = g.Wait() // resolveOne nunca devuelve error: cada mercado está aislado
	report.Markets = outcomes

	report.Archived = s.archive(ctx)
	report.TransfersSent, report.TransfersFailed, report.TransfersParked = s.dispatch(ctx)
	report.Duration = time.Since(start)

	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.NotifySweep(ctx, report); err != nil {
			slog.Warn("notifier error", "err", err)
		}
	}

	slog.Info("sweep complete",
		"markets", len(markets),
		"resolved", report.Count(domain.ActionResolved),
		"voided", report.Count(domain.ActionVoided),
		"pending", report.Count(domain.ActionPending),
		"failed", report.Count(domain.ActionFailed),
		"halted", report.Count(domain.ActionHalted),
		"transfers_sent", report.TransfersSent,
		"transfers_failed", report.TransfersFailed,
		"transfers_parked", report.TransfersParked,
		"archived", report.Archived,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

// resolveOne resolves a single market. Errors and panics are recorded in
// the outcome and never escape.
func (s *Scheduler) resolveOne(ctx context.Context, m domain.Market) (out domain.MarketOutcome) {
	out = domain.MarketOutcome{MarketID: m.ID, Subject: m.Subject, Predicate: m.Predicate}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic resolving market",
				"market_id", m.ID, "panic", r, "stack", string(debug.Stack()))
			out.Action = domain.ActionFailed
			out.Err = fmt.Sprintf("panic: %v", r)
		}
	}()

	res, err := s.deps.Resolver.Resolve(ctx, m.ID)
	out.Outcome, out.VoidReason, out.Measured = res.Outcome, res.VoidReason, res.Measured
	switch {
	case err == nil:
		out.Action = res.Action
		return out
	case errors.Is(err, domain.ErrInvariantViolation):
		out.Action = domain.ActionHalted
	case errors.Is(err, domain.ErrTransient):
		slog.Warn("market resolution deferred", "market_id", m.ID, "err", err)
		out.Action = domain.ActionFailed
	default:
		slog.Error("market resolution failed", "market_id", m.ID, "err", err)
		out.Action = domain.ActionFailed
	}
	out.Err = err.Error()
	return out
}

// archive uploads receipts queued by CommitSettlement. A receipt that fails
// stays queued for the next sweep.
func (s *Scheduler) archive(ctx context.Context) int {
	if s.deps.Archive == nil || s.deps.Outbox == nil {
		return 0
	}
	receipts, err := s.deps.Outbox.PendingReceipts(ctx, s.cfg.DispatchBatch)
	if err != nil {
		slog.Error("load pending receipts failed", "err", err)
		return 0
	}
	n := 0
	for _, r := range receipts {
		if ctx.Err() != nil {
			break
		}
		if err := s.deps.Archive.PutReceipt(ctx, r); err != nil {
			slog.Warn("receipt archive failed", "market_id", r.MarketID, "err", err)
			continue
		}
		if err := s.deps.Outbox.MarkReceiptArchived(ctx, r.MarketID, s.deps.Clock.Now()); err != nil {
			// volver a subir el mismo recibo sobrescribe el mismo objeto
			slog.Error("mark receipt archived", "market_id", r.MarketID, "err", err)
			continue
		}
		n++
	}
	return n
}
