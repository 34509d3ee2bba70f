package domain

import "time"

// TransferKind says why funds move.
type TransferKind string

const (
	TransferEscrow TransferKind = "escrow" // bettor/creator → custody
	TransferPayout TransferKind = "payout" // custody → winner
	TransferRefund TransferKind = "refund" // custody → original staker
)

// TransferStatus is the dispatch state of an instruction.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSent    TransferStatus = "sent"
	// TransferFailed is parked: the collaborator rejected it or it ran out
	// of attempts. Only an operator moves it again.
	TransferFailed TransferStatus = "failed"
)

// TransferInstruction is an outbox row: a fund movement the ledger has
// committed to and that still has to reach the asset-transfer collaborator.
// The ID doubles as the idempotency key sent to the collaborator.
type TransferInstruction struct {
	ID        string
	MarketID  string
	BetID     string // empty for the creator's house stake
	Kind      TransferKind
	Account   string
	Amount    int64
	Memo      string
	Status    TransferStatus
	Attempts  int
	LastError string
	Reference string // escrow/transaction ref returned by the collaborator
	CreatedAt time.Time
	SentAt    time.Time
	// NextAttemptAt is zero until the first failure; the dispatcher skips the
	// row until then.
	NextAttemptAt time.Time
}

// Settlement is the all-or-nothing terminal write for one market: the
// terminal market, every bet's final state and the resulting instructions.
type Settlement struct {
	Market       Market
	Bets         []Bet
	Instructions []TransferInstruction

	// Evidence, kept for receipts. Empty/zero for voided markets.
	RecordID string
	Measured float64
}

// Receipt is the archived summary of a settled market.
type Receipt struct {
	MarketID   string        `json:"market_id"`
	Subject    string        `json:"subject"`
	Predicate  PredicateType `json:"predicate"`
	Target     float64       `json:"target"`
	State      MarketState   `json:"state"`
	Outcome    Direction     `json:"outcome,omitempty"`
	VoidReason VoidReason    `json:"void_reason,omitempty"`
	RecordID   string        `json:"record_id,omitempty"`
	Measured   float64       `json:"measured"`
	TotalPool  int64         `json:"total_pool"`
	YesPool    int64         `json:"yes_pool"`
	NoPool     int64         `json:"no_pool"`
	HouseStake int64         `json:"house_stake"`
	Dust       int64         `json:"dust"`
	ResolvedAt time.Time     `json:"resolved_at"`
	Transfers  []ReceiptLine `json:"transfers"`
}

// ReceiptLine is one transfer in a Receipt.
type ReceiptLine struct {
	InstructionID string       `json:"instruction_id"`
	BetID         string       `json:"bet_id,omitempty"`
	Kind          TransferKind `json:"kind"`
	Account       string       `json:"account"`
	Amount        int64        `json:"amount"`
}

// NewReceipt builds the archive view of s.
func NewReceipt(s Settlement) Receipt {
	m := s.Market
	r := Receipt{
		MarketID:   m.ID,
		Subject:    m.Subject,
		Predicate:  m.Predicate,
		Target:     m.Target,
		State:      m.State,
		Outcome:    m.Outcome,
		VoidReason: m.VoidReason,
		RecordID:   s.RecordID,
		Measured:   s.Measured,
		TotalPool:  m.TotalPool,
		YesPool:    m.YesPool,
		NoPool:     m.NoPool,
		HouseStake: m.HouseStake,
		Dust:       m.Dust,
		ResolvedAt: m.ResolvedAt,
		Transfers:  make([]ReceiptLine, 0, len(s.Instructions)),
	}
	for _, in := range s.Instructions {
		r.Transfers = append(r.Transfers, ReceiptLine{
			InstructionID: in.ID,
			BetID:         in.BetID,
			Kind:          in.Kind,
			Account:       in.Account,
			Amount:        in.Amount,
		})
	}
	return r
}
