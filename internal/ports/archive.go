package ports

import (
	"context"

	"github.com/alejandrodnm/remsettle/internal/domain"
)

// ReceiptArchive guarda el recibo de cada mercado liquidado.
type ReceiptArchive interface {
	PutReceipt(ctx context.Context, r domain.Receipt) error
}
