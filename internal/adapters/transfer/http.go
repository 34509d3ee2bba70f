// Package transfer implements ports.AssetTransfer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/alejandrodnm/remsettle/internal/adapters/apiclient"
	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

type transferRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
	Memo    string `json:"memo"`
}

type transferResponse struct {
	Reference string `json:"reference"`
}

// HTTPCustody talks to the custody service that holds escrowed stakes:
//
//	POST /v1/escrows    pull funds from an account into custody
//	POST /v1/transfers  pay funds from custody to an account
//
// Every request carries the instruction ID as Idempotency-Key; the custody
// service returns the original reference for a repeated key. A 4xx answer
// is a permanent refusal and comes back wrapped in domain.ErrTransferRejected.
type HTTPCustody struct {
	client *apiclient.Client
}

var _ ports.AssetTransfer = (*HTTPCustody)(nil)

// NewHTTPCustody crea el adapter sobre el client dado.
func NewHTTPCustody(client *apiclient.Client) *HTTPCustody {
	return &HTTPCustody{client: client}
}

// Escrow retiene amount de la cuenta from.
func (c *HTTPCustody) Escrow(ctx context.Context, from string, amount int64, memo, idempotencyKey string) (string, error) {
	return c.post(ctx, "/v1/escrows", from, amount, memo, idempotencyKey)
}

// Transfer paga amount a la cuenta to.
func (c *HTTPCustody) Transfer(ctx context.Context, to string, amount int64, memo, idempotencyKey string) (string, error) {
	return c.post(ctx, "/v1/transfers", to, amount, memo, idempotencyKey)
}

func (c *HTTPCustody) post(ctx context.Context, path, account string, amount int64, memo, key string) (string, error) {
	var resp transferResponse
	err := c.client.Post(ctx, path,
		map[string]string{"Idempotency-Key": key},
		transferRequest{Account: account, Amount: amount, Memo: memo},
		&resp,
	)
	if rejected(err) {
		return "", fmt.Errorf("transfer.post %s: %w: %w", path, domain.ErrTransferRejected, err)
	}
	if err != nil {
		return "", fmt.Errorf("transfer.post %s: %w", path, err)
	}
	if resp.Reference == "" {
		return "", fmt.Errorf("transfer.post %s: empty reference in response", path)
	}
	return resp.Reference, nil
}

// rejected separa los 4xx definitivos de los que pueden resolverse solos
// (timeout, conflicto con una petición en curso, rate limit).
func rejected(err error) bool {
	var se *apiclient.StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}
