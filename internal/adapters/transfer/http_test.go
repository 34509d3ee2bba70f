package transfer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/remsettle/internal/adapters/apiclient"
	"github.com/alejandrodnm/remsettle/internal/adapters/transfer"
	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// custodyServer simula el servicio de custodia con deduplicación por clave.
type custodyServer struct {
	mu    sync.Mutex
	refs  map[string]string
	moves int
	fail  int // respuestas 503 antes de aceptar
}

func (s *custodyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	var body struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount <= 0 {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	ref, ok := s.refs[key]
	if !ok {
		ref = r.URL.Path + "#" + key
		s.refs[key] = ref
		s.moves++
	}
	json.NewEncoder(w).Encode(map[string]string{"reference": ref})
}

func newCustody(srv *httptest.Server) *transfer.HTTPCustody {
	return transfer.NewHTTPCustody(apiclient.New(apiclient.Config{
		BaseURL:   srv.URL,
		RetryWait: time.Millisecond,
	}))
}

func TestHTTPCustody_TransferIsIdempotent(t *testing.T) {
	cs := &custodyServer{refs: map[string]string{}}
	srv := httptest.NewServer(cs)
	defer srv.Close()
	c := newCustody(srv)
	ctx := context.Background()

	ref1, err := c.Transfer(ctx, "bob", 66, "remsettle:m:payout:b", "key-1")
	require.NoError(t, err)
	ref2, err := c.Transfer(ctx, "bob", 66, "remsettle:m:payout:b", "key-1")
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, "/v1/transfers#key-1", ref1)
	assert.Equal(t, 1, cs.moves)
}

func TestHTTPCustody_EscrowRetriesUnavailable(t *testing.T) {
	cs := &custodyServer{refs: map[string]string{}, fail: 2}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	ref, err := newCustody(srv).Escrow(context.Background(), "alice", 10, "memo", "key-2")
	require.NoError(t, err)
	assert.Equal(t, "/v1/escrows#key-2", ref)
	assert.Equal(t, 1, cs.moves)
}

func TestHTTPCustody_RejectedRequest(t *testing.T) {
	cs := &custodyServer{refs: map[string]string{}}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	_, err := newCustody(srv).Transfer(context.Background(), "bob", 0, "memo", "key-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.ErrorIs(t, err, domain.ErrTransferRejected)
}

func TestHTTPCustody_ClassifiesClientErrors(t *testing.T) {
	cases := []struct {
		code     int
		rejected bool
	}{
		{http.StatusPaymentRequired, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusConflict, false},
		{http.StatusRequestTimeout, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.code)
			}))
			defer srv.Close()

			_, err := newCustody(srv).Escrow(context.Background(), "alice", 10, "memo", "key-4")
			require.Error(t, err)
			assert.Equal(t, tc.rejected, errors.Is(err, domain.ErrTransferRejected))
		})
	}
}

func TestHTTPCustody_ServerErrorIsNotRejection(t *testing.T) {
	cs := &custodyServer{refs: map[string]string{}, fail: 100}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	_, err := newCustody(srv).Escrow(context.Background(), "alice", 10, "memo", "key-5")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTransferRejected)
}

func TestLogOnly_StableReference(t *testing.T) {
	ref, err := transfer.LogOnly{}.Transfer(context.Background(), "bob", 1, "m", "k")
	require.NoError(t, err)
	assert.Equal(t, "dry-run:k", ref)
}
