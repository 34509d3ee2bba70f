package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// MemoryStorage is an in-process store with the same semantics as
// SQLiteStorage. Used for dry runs and tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	markets   map[string]domain.Market
	bets      map[string][]domain.Bet // marketID → apuestas en orden de llegada
	transfers []domain.TransferInstruction
	sent      map[string]bool // instruction IDs ya vistos
	receipts  []queuedReceipt
	records   []domain.SleepRecord
}

type queuedReceipt struct {
	receipt    domain.Receipt
	archivedAt time.Time
}

var (
	_ ports.LedgerStore      = (*MemoryStorage)(nil)
	_ ports.SleepRecordStore = (*MemoryStorage)(nil)
	_ ports.SleepSource      = (*MemoryStorage)(nil)
)

// NewMemoryStorage crea un store vacío.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		markets: make(map[string]domain.Market),
		bets:    make(map[string][]domain.Bet),
		sent:    make(map[string]bool),
	}
}

func (s *MemoryStorage) InsertMarket(_ context.Context, m domain.Market, escrow domain.TransferInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("storage.InsertMarket: market %s already exists", m.ID)
	}
	s.markets[m.ID] = m
	s.appendTransfers(escrow)
	return nil
}

func (s *MemoryStorage) GetMarket(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("storage.GetMarket: %w: %s", domain.ErrMarketNotFound, id)
	}
	return m, nil
}

func (s *MemoryStorage) ListMarkets(_ context.Context) ([]domain.Market, error) {
	return s.filterMarkets(func(domain.Market) bool { return true }), nil
}

func (s *MemoryStorage) ListOpenMarkets(_ context.Context) ([]domain.Market, error) {
	return s.filterMarkets(func(m domain.Market) bool {
		return m.State == domain.StateOpen && !m.Halted
	}), nil
}

func (s *MemoryStorage) ListExpiredUnresolved(_ context.Context, now time.Time) ([]domain.Market, error) {
	return s.filterMarkets(func(m domain.Market) bool {
		return m.State == domain.StateOpen && !m.Halted && m.Expired(now)
	}), nil
}

func (s *MemoryStorage) AdmitBet(_ context.Context, m domain.Market, bet domain.Bet, escrow domain.TransferInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.markets[m.ID]
	if err := casCheck(cur, ok, m); err != nil {
		return fmt.Errorf("storage.AdmitBet: %w", err)
	}
	cur.TotalPool, cur.YesPool, cur.NoPool, cur.Version = m.TotalPool, m.YesPool, m.NoPool, m.Version
	s.markets[m.ID] = cur
	s.bets[m.ID] = append(s.bets[m.ID], bet)
	s.appendTransfers(escrow)
	return nil
}

func (s *MemoryStorage) ListBets(_ context.Context, marketID string) ([]domain.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Bet(nil), s.bets[marketID]...), nil
}

func (s *MemoryStorage) CommitSettlement(_ context.Context, st domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := st.Market
	cur, ok := s.markets[m.ID]
	if err := casCheck(cur, ok, m); err != nil {
		return fmt.Errorf("storage.CommitSettlement: %w", err)
	}
	if cur.ResolutionEpoch != m.ResolutionEpoch-1 {
		return fmt.Errorf("storage.CommitSettlement: %w: %s epoch %d", domain.ErrAlreadyTerminal, m.ID, cur.ResolutionEpoch)
	}

	// validar todo antes de escribir nada
	bets := append([]domain.Bet(nil), s.bets[m.ID]...)
	idx := make(map[string]int, len(bets))
	for i, b := range bets {
		idx[b.ID] = i
	}
	for _, b := range st.Bets {
		i, ok := idx[b.ID]
		if !ok || bets[i].State != domain.BetUnsettled {
			return fmt.Errorf("storage.CommitSettlement: %w: bet %s is not unsettled",
				domain.ErrInvariantViolation, b.ID)
		}
		bets[i].State, bets[i].Payout, bets[i].SettledAt = b.State, b.Payout, b.SettledAt
	}

	cur.State, cur.Outcome, cur.ResolvedAt, cur.VoidReason = m.State, m.Outcome, m.ResolvedAt, m.VoidReason
	cur.Dust, cur.Version, cur.ResolutionEpoch = m.Dust, m.Version, m.ResolutionEpoch
	s.markets[m.ID] = cur
	s.bets[m.ID] = bets
	s.appendTransfers(st.Instructions...)
	s.receipts = append(s.receipts, queuedReceipt{receipt: domain.NewReceipt(st)})
	return nil
}

func (s *MemoryStorage) HaltMarket(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("storage.HaltMarket: %w: %s", domain.ErrMarketNotFound, id)
	}
	m.Halted, m.HaltReason = true, reason
	m.Version++
	s.markets[id] = m
	return nil
}

func (s *MemoryStorage) PendingTransfers(_ context.Context, now time.Time, limit int) ([]domain.TransferInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TransferInstruction
	held := make(map[string]bool) // mercados con un escrow aparcado o pospuesto
	for _, in := range s.transfers {
		if len(out) >= limit {
			break
		}
		due := in.Status == domain.TransferPending && !in.NextAttemptAt.After(now)
		if due && !held[in.MarketID] {
			out = append(out, in)
		}
		if in.Kind == domain.TransferEscrow &&
			(in.Status == domain.TransferFailed || (in.Status == domain.TransferPending && !due)) {
			held[in.MarketID] = true
		}
	}
	return out, nil
}

func (s *MemoryStorage) MarkTransferSent(_ context.Context, id, reference string, at time.Time) error {
	s.updateTransfer(id, func(in *domain.TransferInstruction) {
		in.Status, in.Reference, in.SentAt, in.LastError = domain.TransferSent, reference, at, ""
		in.Attempts++
	})
	return nil
}

func (s *MemoryStorage) MarkTransferFailed(_ context.Context, id, lastErr string, retryAt time.Time) error {
	s.updateTransfer(id, func(in *domain.TransferInstruction) {
		if in.Status == domain.TransferPending {
			in.LastError, in.NextAttemptAt = lastErr, retryAt
			in.Attempts++
		}
	})
	return nil
}

func (s *MemoryStorage) ParkTransfer(_ context.Context, id, lastErr string) error {
	s.updateTransfer(id, func(in *domain.TransferInstruction) {
		if in.Status == domain.TransferPending {
			in.Status, in.LastError = domain.TransferFailed, lastErr
			in.Attempts++
		}
	})
	return nil
}

func (s *MemoryStorage) PendingReceipts(_ context.Context, limit int) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Receipt
	for _, q := range s.receipts {
		if len(out) >= limit {
			break
		}
		if q.archivedAt.IsZero() {
			out = append(out, q.receipt)
		}
	}
	return out, nil
}

func (s *MemoryStorage) MarkReceiptArchived(_ context.Context, marketID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.receipts {
		if s.receipts[i].receipt.MarketID == marketID {
			s.receipts[i].archivedAt = at
		}
	}
	return nil
}

// Transfers devuelve una copia del outbox completo (para tests e informes).
func (s *MemoryStorage) Transfers() []domain.TransferInstruction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.TransferInstruction(nil), s.transfers...)
}

func (s *MemoryStorage) SaveSleepRecord(_ context.Context, rec domain.SleepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == rec.ID || (rec.SourceID != "" && r.Source == rec.Source && r.SourceID == rec.SourceID) {
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStorage) FetchSleepRecord(_ context.Context, subject string, from, to time.Time) (domain.SleepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  domain.SleepRecord
		found bool
	)
	for _, r := range s.records {
		if r.Subject != subject || !r.RecordedAt.After(from) || r.RecordedAt.After(to) {
			continue
		}
		if !found || r.RecordedAt.After(best.RecordedAt) {
			best, found = r, true
		}
	}
	if !found {
		return domain.SleepRecord{}, fmt.Errorf("storage.FetchSleepRecord: %w: subject %s", domain.ErrRecordNotFound, subject)
	}
	return best, nil
}

func (s *MemoryStorage) RecentSleepRecords(_ context.Context, subject string, n int) ([]domain.SleepRecord, error) {
	s.mu.RLock()
	var recs []domain.SleepRecord
	for _, r := range s.records {
		if r.Subject == subject {
			recs = append(recs, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].RecordedAt.Before(recs[j].RecordedAt) })
	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}

func (s *MemoryStorage) Close() error { return nil }

// --- helpers internos ---

func (s *MemoryStorage) filterMarkets(keep func(domain.Market) bool) []domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Market
	for _, m := range s.markets {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// appendTransfers ignora IDs repetidos. Caller holds s.mu.
func (s *MemoryStorage) appendTransfers(ins ...domain.TransferInstruction) {
	for _, in := range ins {
		if s.sent[in.ID] {
			continue
		}
		s.sent[in.ID] = true
		s.transfers = append(s.transfers, in)
	}
}

func (s *MemoryStorage) updateTransfer(id string, fn func(*domain.TransferInstruction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.transfers {
		if s.transfers[i].ID == id {
			fn(&s.transfers[i])
			return
		}
	}
}

// casCheck reproduce la cláusula WHERE del UPDATE condicionado de SQLite.
func casCheck(cur domain.Market, ok bool, next domain.Market) error {
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", domain.ErrMarketNotFound, next.ID)
	case cur.State.Terminal():
		return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, cur.ID, cur.State)
	case cur.Halted:
		return fmt.Errorf("%w: %s", domain.ErrMarketHalted, cur.ID)
	case cur.Version != next.Version-1:
		return fmt.Errorf("%w: %s", domain.ErrVersionConflict, cur.ID)
	}
	return nil
}
