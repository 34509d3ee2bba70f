package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
)

// dispatch sends up to DispatchBatch due instructions, oldest first, so a
// market's escrows always go out before its payouts. A failed instruction
// stays pending and backs off exponentially; when an escrow fails, the rest
// of that market's instructions wait for it. A rejected instruction, or one
// that ran out of attempts, is parked and raises an alert: it no longer
// takes a slot in the batch.
func (s *Scheduler) dispatch(ctx context.Context) (sent, failed, parked int) {
	if s.deps.Outbox == nil || s.deps.Transfer == nil {
		return 0, 0, 0
	}
	pending, err := s.deps.Outbox.PendingTransfers(ctx, s.deps.Clock.Now(), s.cfg.DispatchBatch)
	if err != nil {
		slog.Error("load pending transfers failed", "err", err)
		return 0, 0, 0
	}

	blocked := make(map[string]bool)
	for _, in := range pending {
		if ctx.Err() != nil {
			break
		}
		if blocked[in.MarketID] {
			continue
		}
		ref, err := s.send(ctx, in)
		if err != nil {
			if in.Kind == domain.TransferEscrow {
				blocked[in.MarketID] = true
			}
			if s.fail(ctx, in, err) {
				parked++
			} else {
				failed++
			}
			continue
		}
		if err := s.deps.Outbox.MarkTransferSent(ctx, in.ID, ref, s.deps.Clock.Now()); err != nil {
			// el colaborador deduplica por idempotency key: reenviar es seguro
			slog.Error("mark transfer sent", "instruction_id", in.ID, "err", err)
			failed++
			continue
		}
		sent++
		slog.Debug("transfer sent",
			"instruction_id", in.ID,
			"kind", in.Kind,
			"account", in.Account,
			"amount", in.Amount,
			"reference", ref,
		)
	}
	return sent, failed, parked
}

// fail records a failed send and reports whether the instruction was parked.
func (s *Scheduler) fail(ctx context.Context, in domain.TransferInstruction, cause error) bool {
	attempt := in.Attempts + 1
	if errors.Is(cause, domain.ErrTransferRejected) || attempt >= s.cfg.MaxAttempts {
		slog.Error("transfer parked",
			"instruction_id", in.ID,
			"market_id", in.MarketID,
			"kind", in.Kind,
			"attempt", attempt,
			"err", cause,
		)
		if err := s.deps.Outbox.ParkTransfer(ctx, in.ID, cause.Error()); err != nil {
			slog.Error("park transfer", "instruction_id", in.ID, "err", err)
			return false
		}
		s.alert(ctx, in, cause)
		return true
	}

	retryAt := s.deps.Clock.Now().Add(s.backoff(in.Attempts))
	slog.Warn("transfer failed",
		"instruction_id", in.ID,
		"market_id", in.MarketID,
		"kind", in.Kind,
		"attempt", attempt,
		"retry_at", retryAt,
		"err", cause,
	)
	if err := s.deps.Outbox.MarkTransferFailed(ctx, in.ID, cause.Error(), retryAt); err != nil {
		slog.Error("mark transfer failed", "instruction_id", in.ID, "err", err)
	}
	return false
}

// backoff devuelve RetryBase·2^attempts acotado a RetryMax.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 0; i < attempts && d < s.cfg.RetryMax; i++ {
		d *= 2
	}
	return min(d, s.cfg.RetryMax)
}

func (s *Scheduler) alert(ctx context.Context, in domain.TransferInstruction, cause error) {
	if s.deps.Alerter == nil {
		return
	}
	a := domain.Alert{
		MarketID: in.MarketID,
		Reason:   fmt.Sprintf("%s %s parked for %s: %v", in.Kind, in.ID, in.Account, cause),
		At:       s.deps.Clock.Now(),
	}
	if err := s.deps.Alerter.Alert(ctx, a); err != nil {
		slog.Warn("alerter error", "market_id", in.MarketID, "err", err)
	}
}

func (s *Scheduler) send(ctx context.Context, in domain.TransferInstruction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()

	switch in.Kind {
	case domain.TransferEscrow:
		return s.deps.Transfer.Escrow(ctx, in.Account, in.Amount, in.Memo, in.ID)
	case domain.TransferPayout, domain.TransferRefund:
		return s.deps.Transfer.Transfer(ctx, in.Account, in.Amount, in.Memo, in.ID)
	}
	return "", fmt.Errorf("settlement.send: unknown transfer kind %q", in.Kind)
}
