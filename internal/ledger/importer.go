package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
)

// maxImportLine acota cada línea JSON del archivo de import.
const maxImportLine = 1 << 20

// Import line ops.
const (
	OpCreateMarket = "create_market"
	OpBet          = "bet"
)

// ImportLine is one ledger mutation in an import file (JSON lines).
//
//	{"op":"create_market","ref":"m1","creator":"acct-1","subject":"alice",
//	 "predicate":"wake-time","target":"07:30","deadline":"2026-05-02T09:00:00Z","stake":100}
//	{"op":"bet","market":"m1","bettor":"acct-2","amount":25,"direction":"yes"}
//
// A bet's market is either a ref declared earlier in the same file or a
// market ID already in the ledger.
type ImportLine struct {
	Op string `json:"op"`

	Ref         string          `json:"ref,omitempty"`
	Creator     string          `json:"creator,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	Predicate   string          `json:"predicate,omitempty"`
	Target      json.RawMessage `json:"target,omitempty"` // número, o "HH:MM" para wake-time
	Description string          `json:"description,omitempty"`
	Deadline    time.Time       `json:"deadline,omitempty"`
	Stake       int64           `json:"stake,omitempty"`

	Market    string `json:"market,omitempty"`
	Bettor    string `json:"bettor,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// ImportStats resume un import.
type ImportStats struct {
	Read    int
	Markets int
	Bets    int
	Skipped int
	// Refs maps each ref to the market ID the ledger assigned.
	Refs map[string]string
}

// Import replays create_market and bet lines from r through CreateMarket and
// PlaceBet, so imported data gets the same validation, locking and escrow
// instructions as any other writer. Malformed lines and lines the ledger
// rejects (past deadline, closed market, bad amount) are logged and skipped;
// a storage failure aborts. Every line is a new mutation: importing the same
// file twice creates its markets twice.
func (l *Ledger) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	st := ImportStats{Refs: make(map[string]string)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxImportLine)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		st.Read++

		var line ImportLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			slog.Warn("skipping import line", "line", lineNo, "err", err)
			st.Skipped++
			continue
		}

		var err error
		switch line.Op {
		case OpCreateMarket:
			err = l.importMarket(ctx, line, &st)
		case OpBet:
			err = l.importBet(ctx, line, &st)
		default:
			err = fmt.Errorf("%w: unknown op %q", errSkipLine, line.Op)
		}
		if err == nil {
			continue
		}
		if !skippable(err) {
			return st, fmt.Errorf("ledger.Import: line %d: %w", lineNo, err)
		}
		slog.Warn("skipping import line", "line", lineNo, "op", line.Op, "err", err)
		st.Skipped++
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("ledger.Import: read: %w", err)
	}
	return st, nil
}

// errSkipLine marca líneas mal formadas que no llegan al ledger.
var errSkipLine = errors.New("invalid import line")

func (l *Ledger) importMarket(ctx context.Context, line ImportLine, st *ImportStats) error {
	if line.Ref != "" {
		if _, dup := st.Refs[line.Ref]; dup {
			return fmt.Errorf("%w: duplicate ref %q", errSkipLine, line.Ref)
		}
	}
	p := domain.PredicateType(line.Predicate)
	if !p.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPredicate, line.Predicate)
	}
	target, err := domain.ParseTarget(p, strings.Trim(string(line.Target), `"`))
	if err != nil {
		return err
	}

	m, err := l.CreateMarket(ctx, CreateMarketRequest{
		Creator:     line.Creator,
		Subject:     line.Subject,
		Predicate:   p,
		Target:      target,
		Description: line.Description,
		Deadline:    line.Deadline,
		Stake:       line.Stake,
	})
	if err != nil {
		return err
	}
	if line.Ref != "" {
		st.Refs[line.Ref] = m.ID
	}
	st.Markets++
	return nil
}

func (l *Ledger) importBet(ctx context.Context, line ImportLine, st *ImportStats) error {
	marketID := line.Market
	if id, ok := st.Refs[line.Market]; ok {
		marketID = id
	}
	if marketID == "" {
		return fmt.Errorf("%w: bet without market", errSkipLine)
	}
	d := domain.Direction(strings.ToLower(line.Direction))
	if _, err := l.PlaceBet(ctx, marketID, line.Bettor, line.Amount, d); err != nil {
		return err
	}
	st.Bets++
	return nil
}

// skippable separa los rechazos de una línea de los fallos del store.
func skippable(err error) bool {
	for _, target := range []error{
		errSkipLine,
		domain.ErrInvalidDeadline,
		domain.ErrInvalidStake,
		domain.ErrInvalidAmount,
		domain.ErrInvalidDirection,
		domain.ErrInvalidPredicate,
		domain.ErrInvalidAccount,
		domain.ErrMarketNotFound,
		domain.ErrMarketClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
