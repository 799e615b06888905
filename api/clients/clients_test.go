package clients

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/httpserver"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/registry"
)

func TestReleaseClient_DecodesStructuredErrors(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/units/{id}/collect", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bob", r.Header.Get(api.CallerIDHeader))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(api.NewErrorResponse(&interfaces.GateNotOpenError{
			Reason:         interfaces.ReasonOutOfRange,
			DistanceMeters: 310,
		}))
	})
	r.Post("/api/v1/units/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(api.NewErrorResponse(&interfaces.InsufficientSharesError{Gathered: 1, Required: 2, Retryable: true}))
	})
	r.Get("/api/v1/units/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Missing X-Caller-ID header", http.StatusBadRequest)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := NewReleaseClient(srv.URL, "bob", 5*time.Second)
	ctx := context.Background()

	_, err := client.Collect(ctx, "unit-1", api.CollectRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrGateNotOpen)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.StatusCode)
	gateErr := apiErr.GateError()
	require.NotNil(t, gateErr)
	assert.Equal(t, interfaces.ReasonOutOfRange, gateErr.Reason)
	assert.InDelta(t, 310, gateErr.DistanceMeters, 1e-9)

	_, err = client.Cancel(ctx, "unit-1")
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)
	assert.True(t, apiErr.Response.Retryable)
	assert.Nil(t, apiErr.GateError())

	_, err = client.Get(ctx, "unit-1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Missing X-Caller-ID header", apiErr.Response.Error)
	assert.Nil(t, errors.Unwrap(err))
}

func TestAdminClient_SignedRequestsAreAccepted(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	adminKeys := map[string][]byte{
		"ops-1": pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	admin := httpserver.NewAdminHandler(logger, adminKeys, registry.NewMemoryRegistry(logger), nil)
	r := chi.NewRouter()
	r.Mount("/admin", admin.AdminRouter())
	srv := httptest.NewServer(r)
	defer srv.Close()

	custodianKey, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	client := NewAdminClient(srv.URL+"/admin", "ops-1", key)
	node, err := client.RegisterNode(interfaces.CustodianNode{
		ID:            "lisbon-2",
		Endpoint:      "https://lisbon-2.example",
		PublicKey:     custodianKey,
		CapacityTotal: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.CustodianID("lisbon-2"), node.ID)

	require.NoError(t, client.SetNodeStatus("lisbon-2", interfaces.NodeOnline))

	nodes, err := client.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, interfaces.NodeOnline, nodes[0].Status)

	// A key that is not on the whitelist is refused.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	intruder := NewAdminClient(srv.URL+"/admin", "ops-1", otherKey)
	assert.Error(t, intruder.SetNodeStatus("lisbon-2", interfaces.NodeRetired))
}

func TestSignAdminRequest_RestoresBody(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "http://localhost/admin/sweep", nil)
	require.NoError(t, err)
	require.NoError(t, SignAdminRequest(req, "ops-1", key))
	assert.Equal(t, "ops-1", req.Header.Get("X-Admin-ID"))
	assert.NotEmpty(t, req.Header.Get("X-Admin-Signature"))

	assert.Error(t, SignAdminRequest(nil, "ops-1", key))
}
