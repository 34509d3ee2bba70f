// Package sleepdata implements ports.SleepSource against remote sleep data
// services.
package sleepdata

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/alejandrodnm/remsettle/internal/adapters/apiclient"
	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// recordDTO es el formato JSON de una noche en la API.
type recordDTO struct {
	ID         string              `json:"id"`
	Subject    string              `json:"subject"`
	RecordedAt time.Time           `json:"recorded_at"`
	Source     string              `json:"source"`
	SourceID   string              `json:"source_id"`
	Telemetry  domain.Telemetry    `json:"telemetry"`
	Scores     *domain.ScoreResult `json:"scores,omitempty"`
}

type recordsResponse struct {
	Records []recordDTO `json:"records"`
}

// HTTPSource reads scored nights from the sleep data API:
//
//	GET /v1/subjects/{subject}/sleep-records?from=…&to=…&limit=…
type HTTPSource struct {
	client *apiclient.Client
}

var _ ports.SleepSource = (*HTTPSource)(nil)

// NewHTTPSource crea un HTTPSource sobre el client dado.
func NewHTTPSource(client *apiclient.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

// FetchSleepRecord returns the most recent record in (from, to]. Records
// that arrive without scores are scored locally with the current policy.
func (s *HTTPSource) FetchSleepRecord(ctx context.Context, subject string, from, to time.Time) (domain.SleepRecord, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(10))

	var resp recordsResponse
	path := "/v1/subjects/" + url.PathEscape(subject) + "/sleep-records"
	if err := s.client.Get(ctx, path, q, &resp); err != nil {
		if apiclient.IsNotFound(err) {
			return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: %w: subject %s", domain.ErrRecordNotFound, subject)
		}
		return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: %w", err)
	}

	var (
		best  recordDTO
		found bool
	)
	for _, r := range resp.Records {
		// la API filtra por rango, pero el borde (from, to] se comprueba aquí
		if r.Subject != subject || !r.RecordedAt.After(from) || r.RecordedAt.After(to) {
			continue
		}
		if !found || r.RecordedAt.After(best.RecordedAt) {
			best, found = r, true
		}
	}
	if !found {
		return domain.SleepRecord{}, fmt.Errorf("sleepdata.FetchSleepRecord: %w: subject %s", domain.ErrRecordNotFound, subject)
	}
	return toRecord(best), nil
}

func toRecord(r recordDTO) domain.SleepRecord {
	rec := domain.SleepRecord{
		ID:         r.ID,
		Subject:    r.Subject,
		RecordedAt: r.RecordedAt.UTC(),
		Telemetry:  r.Telemetry,
		Source:     domain.RecordSource(r.Source),
		SourceID:   r.SourceID,
	}
	if r.Scores != nil && r.Scores.PolicyVersion != "" {
		rec.Scores = *r.Scores
	} else {
		rec.Scores = domain.Score(r.Telemetry)
	}
	return rec
}
