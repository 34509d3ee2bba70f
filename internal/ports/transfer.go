package ports

import "context"

// AssetTransfer moves funds on the external asset ledger. The idempotency
// key is the instruction ID: sending the same key twice must not move funds
// twice.
type AssetTransfer interface {
	// Escrow pulls amount from an account into custody and returns the
	// escrow reference.
	Escrow(ctx context.Context, from string, amount int64, memo, idempotencyKey string) (string, error)

	// Transfer pays amount from custody to an account and returns the
	// transaction reference.
	Transfer(ctx context.Context, to string, amount int64, memo, idempotencyKey string) (string, error)
}
