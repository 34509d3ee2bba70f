package notify

import (
	"context"
	"errors"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// Alerters envía cada alerta a todos sus destinos. Un destino que falla no
// impide que lleguen los demás.
type Alerters []ports.Alerter

var _ ports.Alerter = Alerters(nil)

func (as Alerters) Alert(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, al := range as {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
