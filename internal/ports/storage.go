package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
)

// LedgerStore persiste mercados, apuestas y el outbox de transferencias.
// Every method that writes is a single transaction: either all of it lands
// or none of it does.
type LedgerStore interface {
	// InsertMarket stores a new market together with the creator's escrow
	// instruction.
	InsertMarket(ctx context.Context, m domain.Market, escrow domain.TransferInstruction) error

	// GetMarket returns domain.ErrMarketNotFound when id is unknown.
	GetMarket(ctx context.Context, id string) (domain.Market, error)

	// ListMarkets devuelve todos los mercados ordenados por deadline.
	ListMarkets(ctx context.Context) ([]domain.Market, error)

	// ListOpenMarkets returns open, non-halted markets.
	ListOpenMarkets(ctx context.Context) ([]domain.Market, error)

	// ListExpiredUnresolved returns open, non-halted markets whose deadline
	// is at or before now.
	ListExpiredUnresolved(ctx context.Context, now time.Time) ([]domain.Market, error)

	// AdmitBet writes the bet, the updated pools and the escrow instruction.
	// m carries the new pools and m.Version already bumped; the write only
	// applies if the stored version is m.Version-1, otherwise it returns
	// domain.ErrVersionConflict.
	AdmitBet(ctx context.Context, m domain.Market, bet domain.Bet, escrow domain.TransferInstruction) error

	// ListBets devuelve las apuestas de un mercado en orden de llegada.
	ListBets(ctx context.Context, marketID string) ([]domain.Bet, error)

	// CommitSettlement applies a terminal write and queues the market's
	// receipt for archiving in the same transaction. It returns
	// domain.ErrAlreadyTerminal when the market already left the open state
	// and domain.ErrVersionConflict when it changed since it was read.
	CommitSettlement(ctx context.Context, s domain.Settlement) error

	// HaltMarket quarantines a market. Halted markets are excluded from
	// automatic processing.
	HaltMarket(ctx context.Context, id, reason string) error

	// PendingTransfers returns up to limit pending instructions that are due
	// at now, oldest first. Rows still backing off are skipped, and so is
	// every instruction of a market whose escrow is parked or waiting on an
	// older retry: payouts never leave before the funds they pay out of.
	PendingTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferInstruction, error)

	MarkTransferSent(ctx context.Context, id, reference string, at time.Time) error

	// MarkTransferFailed keeps the instruction pending, counts the attempt
	// and holds it back until retryAt.
	MarkTransferFailed(ctx context.Context, id, lastErr string, retryAt time.Time) error

	// ParkTransfer moves the instruction to domain.TransferFailed. It is
	// never returned by PendingTransfers again.
	ParkTransfer(ctx context.Context, id, lastErr string) error

	// PendingReceipts returns up to limit receipts written by
	// CommitSettlement that have not been archived yet, oldest first.
	PendingReceipts(ctx context.Context, limit int) ([]domain.Receipt, error)

	MarkReceiptArchived(ctx context.Context, marketID string, at time.Time) error

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}

// SleepRecordStore guarda noches ya puntuadas.
type SleepRecordStore interface {
	// SaveSleepRecord stores rec. Saving the same (source, source ID) twice
	// keeps the first copy: records are immutable once scored.
	SaveSleepRecord(ctx context.Context, rec domain.SleepRecord) error

	// RecentSleepRecords returns up to n records for subject, oldest first.
	RecentSleepRecords(ctx context.Context, subject string, n int) ([]domain.SleepRecord, error)
}
