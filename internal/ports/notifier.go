package ports

import (
	"context"

	"github.com/alejandrodnm/remsettle/internal/domain"
)

// Notifier presenta el resultado de cada sweep al operador.
type Notifier interface {
	// NotifySweep recibe el resumen del sweep.
	// En la implementación de consola, imprime una tabla formateada.
	NotifySweep(ctx context.Context, report domain.SweepReport) error
}

// Alerter raises operator alerts for halted markets.
type Alerter interface {
	Alert(ctx context.Context, a domain.Alert) error
}
