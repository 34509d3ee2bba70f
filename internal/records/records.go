// Package records loads wearable telemetry into the local sleep-record store
// and computes per-subject history metrics from it.
package records

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// consistencyNights es la ventana de ConsistencyScore.
const consistencyNights = 7

// maxLineBytes acota cada línea JSON del archivo de ingesta.
const maxLineBytes = 1 << 20

var recordNamespace = uuid.MustParse("0b7e4f2c-5a1d-4c39-8e62-9d3f7a1b2c40")

// Line is one night in an ingestion file (JSON lines).
type Line struct {
	Subject    string           `json:"subject"`
	RecordedAt time.Time        `json:"recorded_at"`
	Source     string           `json:"source"`
	SourceID   string           `json:"source_id"`
	Telemetry  domain.Telemetry `json:"telemetry"`
}

// Stats resume una ingesta.
type Stats struct {
	Read    int
	Saved   int
	Skipped int
}

// Ingest reads JSON lines from r, scores each night with the current policy
// and saves it. Malformed lines are logged and skipped; a store error aborts.
// Records without a source_id get a stable one derived from subject, source
// and timestamp, so ingesting the same file twice stores each night once.
func Ingest(ctx context.Context, r io.Reader, store ports.SleepRecordStore) (Stats, error) {
	var st Stats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		st.Read++

		rec, err := parseLine(raw)
		if err != nil {
			slog.Warn("skipping sleep record", "line", lineNo, "err", err)
			st.Skipped++
			continue
		}
		if err := store.SaveSleepRecord(ctx, rec); err != nil {
			return st, fmt.Errorf("records.Ingest: line %d: %w", lineNo, err)
		}
		st.Saved++
		slog.Debug("sleep record ingested",
			"subject", rec.Subject,
			"recorded_at", rec.RecordedAt,
			"composite", rec.Scores.Composite,
		)
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("records.Ingest: read: %w", err)
	}
	return st, nil
}

func parseLine(raw string) (domain.SleepRecord, error) {
	var l Line
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return domain.SleepRecord{}, fmt.Errorf("decode: %w", err)
	}
	if l.Subject == "" {
		return domain.SleepRecord{}, fmt.Errorf("%w: missing subject", domain.ErrInvalidAccount)
	}
	if l.RecordedAt.IsZero() {
		return domain.SleepRecord{}, fmt.Errorf("missing recorded_at")
	}
	source := domain.RecordSource(l.Source)
	if source == "" {
		source = domain.SourceManual
	}
	if !source.Valid() {
		return domain.SleepRecord{}, fmt.Errorf("unknown source %q", l.Source)
	}

	recordedAt := l.RecordedAt.UTC()
	key := l.Subject + "/" + string(source) + "/" + recordedAt.Format(time.RFC3339Nano)
	id := uuid.NewSHA1(recordNamespace, []byte(key)).String()
	sourceID := l.SourceID
	if sourceID == "" {
		sourceID = id
	}

	return domain.SleepRecord{
		ID:         id,
		Subject:    l.Subject,
		RecordedAt: recordedAt,
		Telemetry:  l.Telemetry,
		Scores:     domain.Score(l.Telemetry),
		Source:     source,
		SourceID:   sourceID,
	}, nil
}

// Consistency returns ConsistencyScore over the last seven nights of each
// subject.
func Consistency(ctx context.Context, store ports.SleepRecordStore, subjects []string) (map[string]int, error) {
	out := make(map[string]int, len(subjects))
	for _, s := range subjects {
		if _, ok := out[s]; ok {
			continue
		}
		recs, err := store.RecentSleepRecords(ctx, s, consistencyNights)
		if err != nil {
			return nil, fmt.Errorf("records.Consistency: %s: %w", s, err)
		}
		out[s] = domain.ConsistencyScore(recs)
	}
	return out, nil
}
