package storage

// sqlite.go: ledger, outbox y noches puntuadas en un solo fichero SQLite.
//
// Estrategia:
//   - `markets`: una fila por mercado. Toda escritura compara `version`
//     (CAS); la liquidación compara además `resolution_epoch`.
//   - `bets`: append-only hasta la liquidación; el estado cambia una vez,
//     solo desde 'unsettled'.
//   - `transfers`: outbox. Se escribe en la misma transacción que el cambio
//     del ledger y se despacha después. El id es determinista, así que
//     reintentar una liquidación no duplica filas. Un fallo pospone la fila
//     (`next_attempt_at`); un rechazo la aparca en 'failed'.
//   - `receipts`: recibos pendientes de archivar, escritos con la liquidación.
//   - `sleep_records`: noches ya puntuadas para la fuente local de datos.
//   - Prune al arrancar: transfers enviados hace > 90d.
//   - Tiempos en INTEGER (unix nanos UTC) para comparar deadlines en SQL.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id               TEXT PRIMARY KEY,
    creator          TEXT    NOT NULL,
    subject          TEXT    NOT NULL,
    predicate        TEXT    NOT NULL,
    target           REAL    NOT NULL,
    description      TEXT    NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    deadline         INTEGER NOT NULL,
    state            TEXT    NOT NULL,
    outcome          TEXT    NOT NULL DEFAULT '',
    resolved_at      INTEGER NOT NULL DEFAULT 0,
    void_reason      TEXT    NOT NULL DEFAULT '',
    total_pool       INTEGER NOT NULL,
    yes_pool         INTEGER NOT NULL DEFAULT 0,
    no_pool          INTEGER NOT NULL DEFAULT 0,
    house_stake      INTEGER NOT NULL DEFAULT 0,
    dust             INTEGER NOT NULL DEFAULT 0,
    version          INTEGER NOT NULL,
    resolution_epoch INTEGER NOT NULL DEFAULT 0,
    halted           INTEGER NOT NULL DEFAULT 0,
    halt_reason      TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bets (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    market_id  TEXT    NOT NULL REFERENCES markets(id),
    bettor     TEXT    NOT NULL,
    direction  TEXT    NOT NULL,
    amount     INTEGER NOT NULL,
    placed_at  INTEGER NOT NULL,
    state      TEXT    NOT NULL,
    payout     INTEGER NOT NULL DEFAULT 0,
    settled_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transfers (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    market_id  TEXT    NOT NULL,
    bet_id     TEXT    NOT NULL DEFAULT '',
    kind       TEXT    NOT NULL,
    account    TEXT    NOT NULL,
    amount     INTEGER NOT NULL,
    memo       TEXT    NOT NULL,
    status     TEXT    NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT    NOT NULL DEFAULT '',
    reference  TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    sent_at    INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS receipts (
    market_id   TEXT PRIMARY KEY,
    body        TEXT    NOT NULL,
    created_at  INTEGER NOT NULL,
    archived_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sleep_records (
    id          TEXT PRIMARY KEY,
    subject     TEXT    NOT NULL,
    recorded_at INTEGER NOT NULL,
    source      TEXT    NOT NULL,
    source_id   TEXT    NOT NULL,
    telemetry   TEXT    NOT NULL,
    scores      TEXT    NOT NULL,
    composite   INTEGER NOT NULL,
    UNIQUE(source, source_id)
);

CREATE INDEX IF NOT EXISTS idx_markets_open  ON markets(state, halted, deadline);
CREATE INDEX IF NOT EXISTS idx_bets_market   ON bets(market_id, seq);
CREATE INDEX IF NOT EXISTS idx_transfers_pnd ON transfers(status, seq);
CREATE INDEX IF NOT EXISTS idx_transfers_mkt ON transfers(market_id, kind, seq);
CREATE INDEX IF NOT EXISTS idx_receipts_pnd  ON receipts(archived_at, created_at);
CREATE INDEX IF NOT EXISTS idx_sleep_subject ON sleep_records(subject, recorded_at DESC);
`

// retentionTransfers: transfers ya enviados se borran pasado este tiempo
// (el recibo archivado conserva el detalle).
const retentionTransfers = 90 * 24 * time.Hour

const marketColumns = `id, creator, subject, predicate, target, description, created_at, deadline,
	state, outcome, resolved_at, void_reason, total_pool, yes_pool, no_pool, house_stake, dust,
	version, resolution_epoch, halted, halt_reason`

const betColumns = `id, market_id, bettor, direction, amount, placed_at, state, payout, settled_at`

const transferColumns = `id, market_id, bet_id, kind, account, amount, memo, status, attempts,
	last_error, reference, created_at, sent_at, next_attempt_at`

// migrations añade columnas que no existen en bases creadas por versiones
// anteriores. Fallan si la columna ya existe, lo cual está bien.
var migrations = []string{
	"ALTER TABLE transfers ADD COLUMN next_attempt_at INTEGER NOT NULL DEFAULT 0",
}

// SQLiteStorage implementa ports.LedgerStore, ports.SleepRecordStore y
// ports.SleepSource usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

var (
	_ ports.LedgerStore      = (*SQLiteStorage)(nil)
	_ ports.SleepRecordStore = (*SQLiteStorage)(nil)
	_ ports.SleepSource      = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema y limpia transfers antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	// las migraciones van antes que los índices nuevos que las usan
	for _, stmt := range migrations {
		db.Exec(stmt) // ignore errors (table missing or column already exists)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// InsertMarket guarda el mercado y la instrucción de escrow del creador.
func (s *SQLiteStorage) InsertMarket(ctx context.Context, m domain.Market, escrow domain.TransferInstruction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.InsertMarket: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO markets (`+marketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		marketArgs(m)...,
	); err != nil {
		return fmt.Errorf("storage.InsertMarket: insert market %s: %w", m.ID, err)
	}
	if err := insertTransfers(ctx, tx, escrow); err != nil {
		return fmt.Errorf("storage.InsertMarket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.InsertMarket: commit: %w", err)
	}
	return nil
}

// GetMarket devuelve domain.ErrMarketNotFound si el id no existe.
func (s *SQLiteStorage) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("storage.GetMarket: %w: %s", domain.ErrMarketNotFound, id)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.GetMarket: scan %s: %w", id, err)
	}
	return m, nil
}

// ListMarkets devuelve todos los mercados ordenados por deadline.
func (s *SQLiteStorage) ListMarkets(ctx context.Context) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "storage.ListMarkets",
		`SELECT `+marketColumns+` FROM markets ORDER BY deadline, id`)
}

// ListOpenMarkets devuelve los mercados abiertos y no detenidos.
func (s *SQLiteStorage) ListOpenMarkets(ctx context.Context) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "storage.ListOpenMarkets",
		`SELECT `+marketColumns+` FROM markets
		 WHERE state = ? AND halted = 0 ORDER BY deadline, id`, string(domain.StateOpen))
}

// ListExpiredUnresolved devuelve los mercados abiertos con deadline <= now.
// Los mercados detenidos quedan fuera.
func (s *SQLiteStorage) ListExpiredUnresolved(ctx context.Context, now time.Time) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "storage.ListExpiredUnresolved",
		`SELECT `+marketColumns+` FROM markets
		 WHERE state = ? AND halted = 0 AND deadline <= ? ORDER BY deadline, id`,
		string(domain.StateOpen), toUnix(now))
}

// AdmitBet escribe apuesta, pools y escrow si la versión guardada es m.Version-1.
func (s *SQLiteStorage) AdmitBet(ctx context.Context, m domain.Market, bet domain.Bet, escrow domain.TransferInstruction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.AdmitBet: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE markets SET total_pool = ?, yes_pool = ?, no_pool = ?, version = ?
		WHERE id = ? AND version = ? AND state = ? AND halted = 0`,
		m.TotalPool, m.YesPool, m.NoPool, m.Version,
		m.ID, m.Version-1, string(domain.StateOpen),
	)
	if err != nil {
		return fmt.Errorf("storage.AdmitBet: update market %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("storage.AdmitBet: %w", s.casFailure(ctx, tx, m.ID))
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO bets (`+betColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		betArgs(bet)...,
	); err != nil {
		return fmt.Errorf("storage.AdmitBet: insert bet %s: %w", bet.ID, err)
	}
	if err := insertTransfers(ctx, tx, escrow); err != nil {
		return fmt.Errorf("storage.AdmitBet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.AdmitBet: commit: %w", err)
	}
	return nil
}

// ListBets devuelve las apuestas del mercado en orden de llegada.
func (s *SQLiteStorage) ListBets(ctx context.Context, marketID string) ([]domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = ? ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListBets: query: %w", err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListBets: scan row: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// CommitSettlement aplica la escritura terminal de un mercado en una sola
// transacción: estado del mercado, estado de cada apuesta e instrucciones.
func (s *SQLiteStorage) CommitSettlement(ctx context.Context, st domain.Settlement) error {
	m := st.Market
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.CommitSettlement: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE markets SET state = ?, outcome = ?, resolved_at = ?, void_reason = ?,
		                   dust = ?, version = ?, resolution_epoch = ?
		WHERE id = ? AND state = ? AND halted = 0 AND version = ? AND resolution_epoch = ?`,
		string(m.State), string(m.Outcome), toUnix(m.ResolvedAt), string(m.VoidReason),
		m.Dust, m.Version, m.ResolutionEpoch,
		m.ID, string(domain.StateOpen), m.Version-1, m.ResolutionEpoch-1,
	)
	if err != nil {
		return fmt.Errorf("storage.CommitSettlement: update market %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("storage.CommitSettlement: %w", s.casFailure(ctx, tx, m.ID))
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE bets SET state = ?, payout = ?, settled_at = ?
		WHERE id = ? AND market_id = ? AND state = ?`)
	if err != nil {
		return fmt.Errorf("storage.CommitSettlement: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range st.Bets {
		res, err := stmt.ExecContext(ctx, string(b.State), b.Payout, toUnix(b.SettledAt),
			b.ID, m.ID, string(domain.BetUnsettled))
		if err != nil {
			return fmt.Errorf("storage.CommitSettlement: update bet %s: %w", b.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("storage.CommitSettlement: %w: bet %s is not unsettled",
				domain.ErrInvariantViolation, b.ID)
		}
	}
	if err := insertTransfers(ctx, tx, st.Instructions...); err != nil {
		return fmt.Errorf("storage.CommitSettlement: %w", err)
	}
	body, err := json.Marshal(domain.NewReceipt(st))
	if err != nil {
		return fmt.Errorf("storage.CommitSettlement: marshal receipt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO receipts (market_id, body, created_at) VALUES (?, ?, ?)
		ON CONFLICT(market_id) DO NOTHING`,
		m.ID, string(body), toUnix(m.ResolvedAt),
	); err != nil {
		return fmt.Errorf("storage.CommitSettlement: insert receipt %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.CommitSettlement: commit: %w", err)
	}
	return nil
}

// HaltMarket marca el mercado como detenido.
func (s *SQLiteStorage) HaltMarket(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET halted = 1, halt_reason = ?, version = version + 1 WHERE id = ?`,
		reason, id)
	if err != nil {
		return fmt.Errorf("storage.HaltMarket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.HaltMarket: %w: %s", domain.ErrMarketNotFound, id)
	}
	return nil
}

// PendingTransfers devuelve hasta limit instrucciones pendientes y vencidas,
// las más antiguas primero. Una instrucción espera mientras un escrow
// anterior del mismo mercado esté aparcado o pospuesto.
func (s *SQLiteStorage) PendingTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferInstruction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers t
		WHERE t.status = ? AND t.next_attempt_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM transfers e
		      WHERE e.market_id = t.market_id AND e.kind = ? AND e.seq < t.seq
		        AND (e.status = ? OR (e.status = ? AND e.next_attempt_at > ?)))
		ORDER BY t.seq LIMIT ?`,
		string(domain.TransferPending), toUnix(now),
		string(domain.TransferEscrow),
		string(domain.TransferFailed), string(domain.TransferPending), toUnix(now),
		limit)
	if err != nil {
		return nil, fmt.Errorf("storage.PendingTransfers: query: %w", err)
	}
	defer rows.Close()

	var out []domain.TransferInstruction
	for rows.Next() {
		in, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.PendingTransfers: scan row: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// MarkTransferSent marca la instrucción como enviada con su referencia.
func (s *SQLiteStorage) MarkTransferSent(ctx context.Context, id, reference string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET status = ?, reference = ?, sent_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ?`,
		string(domain.TransferSent), reference, toUnix(at), id,
	); err != nil {
		return fmt.Errorf("storage.MarkTransferSent: %w", err)
	}
	return nil
}

// MarkTransferFailed deja la instrucción pendiente, anota el error y la
// pospone hasta retryAt.
func (s *SQLiteStorage) MarkTransferFailed(ctx context.Context, id, lastErr string, retryAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ? AND status = ?`,
		lastErr, toUnix(retryAt), id, string(domain.TransferPending),
	); err != nil {
		return fmt.Errorf("storage.MarkTransferFailed: %w", err)
	}
	return nil
}

// ParkTransfer saca la instrucción del despacho automático.
func (s *SQLiteStorage) ParkTransfer(ctx context.Context, id, lastErr string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ? AND status = ?`,
		string(domain.TransferFailed), lastErr, id, string(domain.TransferPending),
	); err != nil {
		return fmt.Errorf("storage.ParkTransfer: %w", err)
	}
	return nil
}

// PendingReceipts devuelve hasta limit recibos sin archivar, los más antiguos primero.
func (s *SQLiteStorage) PendingReceipts(ctx context.Context, limit int) ([]domain.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, body FROM receipts WHERE archived_at = 0
		ORDER BY created_at, market_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.PendingReceipts: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Receipt
	for rows.Next() {
		var (
			id, body string
			r        domain.Receipt
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("storage.PendingReceipts: scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("storage.PendingReceipts: decode %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReceiptArchived marca el recibo del mercado como archivado.
func (s *SQLiteStorage) MarkReceiptArchived(ctx context.Context, marketID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET archived_at = ? WHERE market_id = ?`, toUnix(at), marketID,
	); err != nil {
		return fmt.Errorf("storage.MarkReceiptArchived: %w", err)
	}
	return nil
}

// SaveSleepRecord guarda una noche puntuada. Si (source, source_id) ya
// existe se conserva la primera copia.
func (s *SQLiteStorage) SaveSleepRecord(ctx context.Context, rec domain.SleepRecord) error {
	telemetry, err := json.Marshal(rec.Telemetry)
	if err != nil {
		return fmt.Errorf("storage.SaveSleepRecord: marshal telemetry: %w", err)
	}
	scores, err := json.Marshal(rec.Scores)
	if err != nil {
		return fmt.Errorf("storage.SaveSleepRecord: marshal scores: %w", err)
	}
	sourceID := rec.SourceID
	if sourceID == "" {
		sourceID = rec.ID
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sleep_records (id, subject, recorded_at, source, source_id, telemetry, scores, composite)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.Subject, toUnix(rec.RecordedAt), string(rec.Source), sourceID,
		string(telemetry), string(scores), rec.Scores.Composite,
	); err != nil {
		return fmt.Errorf("storage.SaveSleepRecord: insert %s: %w", rec.ID, err)
	}
	return nil
}

// FetchSleepRecord devuelve la noche más reciente del sujeto en (from, to].
func (s *SQLiteStorage) FetchSleepRecord(ctx context.Context, subject string, from, to time.Time) (domain.SleepRecord, error) {
	recs, err := s.querySleep(ctx, `
		SELECT id, subject, recorded_at, source, source_id, telemetry, scores
		FROM sleep_records
		WHERE subject = ? AND recorded_at > ? AND recorded_at <= ?
		ORDER BY recorded_at DESC LIMIT 1`,
		subject, toUnix(from), toUnix(to))
	if err != nil {
		return domain.SleepRecord{}, fmt.Errorf("storage.FetchSleepRecord: %w", err)
	}
	if len(recs) == 0 {
		return domain.SleepRecord{}, fmt.Errorf("storage.FetchSleepRecord: %w: subject %s", domain.ErrRecordNotFound, subject)
	}
	return recs[0], nil
}

// RecentSleepRecords devuelve hasta n noches del sujeto, la más antigua primero.
func (s *SQLiteStorage) RecentSleepRecords(ctx context.Context, subject string, n int) ([]domain.SleepRecord, error) {
	recs, err := s.querySleep(ctx, `
		SELECT id, subject, recorded_at, source, source_id, telemetry, scores
		FROM sleep_records WHERE subject = ?
		ORDER BY recorded_at DESC LIMIT ?`, subject, n)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentSleepRecords: %w", err)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// rowScanner es *sql.Row o *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStorage) queryMarkets(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: query: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", op, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) querySleep(ctx context.Context, query string, args ...any) ([]domain.SleepRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.SleepRecord
	for rows.Next() {
		var (
			rec               domain.SleepRecord
			recordedAt        int64
			telemetry, scores string
		)
		if err := rows.Scan(&rec.ID, &rec.Subject, &recordedAt, &rec.Source, &rec.SourceID,
			&telemetry, &scores); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(telemetry), &rec.Telemetry); err != nil {
			return nil, fmt.Errorf("decode telemetry %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(scores), &rec.Scores); err != nil {
			return nil, fmt.Errorf("decode scores %s: %w", rec.ID, err)
		}
		rec.RecordedAt = fromUnix(recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// casFailure explica por qué un UPDATE condicionado no tocó ninguna fila.
func (s *SQLiteStorage) casFailure(ctx context.Context, tx *sql.Tx, id string) error {
	var (
		state  domain.MarketState
		halted int
	)
	err := tx.QueryRowContext(ctx, `SELECT state, halted FROM markets WHERE id = ?`, id).Scan(&state, &halted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", domain.ErrMarketNotFound, id)
	case err != nil:
		return fmt.Errorf("reload %s: %w", id, err)
	case state.Terminal():
		return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, id, state)
	case halted == 1:
		return fmt.Errorf("%w: %s", domain.ErrMarketHalted, id)
	}
	return fmt.Errorf("%w: %s", domain.ErrVersionConflict, id)
}

func insertTransfers(ctx context.Context, tx *sql.Tx, ins ...domain.TransferInstruction) error {
	if len(ins) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare transfers: %w", err)
	}
	defer stmt.Close()

	for _, in := range ins {
		if _, err := stmt.ExecContext(ctx,
			in.ID, in.MarketID, in.BetID, string(in.Kind), in.Account, in.Amount, in.Memo,
			string(in.Status), in.Attempts, in.LastError, in.Reference,
			toUnix(in.CreatedAt), toUnix(in.SentAt), toUnix(in.NextAttemptAt),
		); err != nil {
			return fmt.Errorf("insert transfer %s: %w", in.ID, err)
		}
	}
	return nil
}

func scanTransfer(r rowScanner) (domain.TransferInstruction, error) {
	var (
		in                    domain.TransferInstruction
		created, sentAt, next int64
	)
	if err := r.Scan(&in.ID, &in.MarketID, &in.BetID, &in.Kind, &in.Account, &in.Amount,
		&in.Memo, &in.Status, &in.Attempts, &in.LastError, &in.Reference, &created, &sentAt, &next,
	); err != nil {
		return domain.TransferInstruction{}, err
	}
	in.CreatedAt = fromUnix(created)
	in.SentAt = fromUnix(sentAt)
	in.NextAttemptAt = fromUnix(next)
	return in, nil
}

func marketArgs(m domain.Market) []any {
	return []any{
		m.ID, m.Creator, m.Subject, string(m.Predicate), m.Target, m.Description,
		toUnix(m.CreatedAt), toUnix(m.Deadline),
		string(m.State), string(m.Outcome), toUnix(m.ResolvedAt), string(m.VoidReason),
		m.TotalPool, m.YesPool, m.NoPool, m.HouseStake, m.Dust,
		m.Version, m.ResolutionEpoch, boolInt(m.Halted), m.HaltReason,
	}
}

func scanMarket(r rowScanner) (domain.Market, error) {
	var (
		m                             domain.Market
		created, deadline, resolvedAt int64
		halted                        int
	)
	err := r.Scan(&m.ID, &m.Creator, &m.Subject, &m.Predicate, &m.Target, &m.Description,
		&created, &deadline,
		&m.State, &m.Outcome, &resolvedAt, &m.VoidReason,
		&m.TotalPool, &m.YesPool, &m.NoPool, &m.HouseStake, &m.Dust,
		&m.Version, &m.ResolutionEpoch, &halted, &m.HaltReason,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.CreatedAt = fromUnix(created)
	m.Deadline = fromUnix(deadline)
	m.ResolvedAt = fromUnix(resolvedAt)
	m.Halted = halted == 1
	return m, nil
}

func betArgs(b domain.Bet) []any {
	return []any{
		b.ID, b.MarketID, b.Bettor, string(b.Direction), b.Amount, toUnix(b.PlacedAt),
		string(b.State), b.Payout, toUnix(b.SettledAt),
	}
}

func scanBet(r rowScanner) (domain.Bet, error) {
	var (
		b                 domain.Bet
		placed, settledAt int64
	)
	if err := r.Scan(&b.ID, &b.MarketID, &b.Bettor, &b.Direction, &b.Amount, &placed,
		&b.State, &b.Payout, &settledAt); err != nil {
		return domain.Bet{}, err
	}
	b.PlacedAt = fromUnix(placed)
	b.SettledAt = fromUnix(settledAt)
	return b, nil
}

// pruneOld elimina transfers enviados y recibos archivados hace tiempo para
// mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := toUnix(time.Now().UTC().Add(-retentionTransfers))
	s.db.ExecContext(ctx, `DELETE FROM transfers WHERE status = ? AND sent_at < ?`,
		string(domain.TransferSent), cutoff)
	s.db.ExecContext(ctx, `DELETE FROM receipts WHERE archived_at > 0 AND archived_at < ?`, cutoff)
}

// toUnix convierte a unix nanos; el tiempo cero se guarda como 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
