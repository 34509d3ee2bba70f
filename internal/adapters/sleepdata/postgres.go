package sleepdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// PostgresConfig holds connection parameters for the sleep record database.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	// Table defaults to "sleep_records". Expected columns: id, subject,
	// recorded_at (timestamptz), source, source_id, telemetry (jsonb),
	// scores (jsonb, nullable).
	Table string
}

// PostgresSource reads scored nights written by the ingestion pipeline.
type PostgresSource struct {
	pool  *pgxpool.Pool
	query string
}

var _ ports.SleepSource = (*PostgresSource)(nil)

// NewPostgresSource abre un pool y verifica la conexión.
func NewPostgresSource(ctx context.Context, cfg PostgresConfig) (*PostgresSource, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sleepdata.NewPostgresSource: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sleepdata.NewPostgresSource: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("sleepdata.NewPostgresSource: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sleepdata.NewPostgresSource: ping: %w", err)
	}
	return &PostgresSource{pool: pool, query: recordQuery(cfg.Table)}, nil
}

func recordQuery(table string) string {
	if table == "" {
		table = "sleep_records"
	}
	return `
		SELECT id, subject, recorded_at, source, source_id, telemetry, scores
		FROM ` + pgx.Identifier(strings.Split(table, ".")).Sanitize() + `
		WHERE subject = $1 AND recorded_at > $2 AND recorded_at <= $3
		ORDER BY recorded_at DESC
		LIMIT 1`
}

// FetchSleepRecord devuelve la noche más reciente del sujeto en (from, to].
func (s *PostgresSource) FetchSleepRecord(ctx context.Context, subject string, from, to time.Time) (domain.SleepRecord, error) {
	var (
		rec       domain.SleepRecord
		source    string
		telemetry []byte
		scores    []byte
	)
	err := s.pool.QueryRow(ctx, s.query, subject, from.UTC(), to.UTC()).Scan(
		&rec.ID, &rec.Subject, &rec.RecordedAt, &source, &rec.SourceID, &telemetry, &scores,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: %w: subject %s", domain.ErrRecordNotFound, subject)
	}
	if err != nil {
		return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: query: %w", err)
	}

	if err := json.Unmarshal(telemetry, &rec.Telemetry); err != nil {
		return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: decode telemetry %s: %w", rec.ID, err)
	}
	rec.Source = domain.RecordSource(source)
	rec.RecordedAt = rec.RecordedAt.UTC()
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &rec.Scores); err != nil {
			return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: decode scores %s: %w", rec.ID, err)
		}
	}
	if rec.Scores.PolicyVersion == "" {
		rec.Scores = domain.Score(rec.Telemetry)
	}
	return rec, nil
}

// Close cierra el pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
