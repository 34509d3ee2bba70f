package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/remsettle/internal/domain"
)

// SleepSource obtiene noches puntuadas de un sujeto.
type SleepSource interface {
	// FetchSleepRecord returns the most recent record for subject recorded
	// in (from, to]. It returns domain.ErrRecordNotFound when there is none;
	// any other error is treated as transient.
	FetchSleepRecord(ctx context.Context, subject string, from, to time.Time) (domain.SleepRecord, error)
}
