package transfer

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/remsettle/internal/ports"
)

// LogOnly logs instructions instead of moving funds. Used with -dry-run.
// The reference is derived from the idempotency key, so it is stable.
type LogOnly struct{}

var _ ports.AssetTransfer = LogOnly{}

func (LogOnly) Escrow(_ context.Context, from string, amount int64, memo, idempotencyKey string) (string, error) {
	slog.Info("dry-run escrow", "from", from, "amount", amount, "memo", memo, "key", idempotencyKey)
	return "dry-run:" + idempotencyKey, nil
}

func (LogOnly) Transfer(_ context.Context, to string, amount int64, memo, idempotencyKey string) (string, error) {
	slog.Info("dry-run transfer", "to", to, "amount", amount, "memo", memo, "key", idempotencyKey)
	return "dry-run:" + idempotencyKey, nil
}
