package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/custodian"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/registry"
	"github.com/ruteri/gated-release/release"
	"github.com/ruteri/gated-release/storage"
	"github.com/ruteri/gated-release/store"
)

type testStack struct {
	service  *release.Service
	registry *registry.MemoryRegistry
	server   *Server
	ids      []interfaces.CustodianID
}

func newTestStack(t *testing.T, custodians int, adminKeys map[string][]byte) *testStack {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.NewMemoryRegistry(logger)
	client := custodian.NewLocalClient()
	stack := &testStack{registry: reg}

	for i := 0; i < custodians; i++ {
		id := interfaces.CustodianID(fmt.Sprintf("c%d", i+1))
		backend, err := storage.NewFileBackend(filepath.Join(t.TempDir(), string(id)), logger)
		require.NoError(t, err)
		_, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		node, err := custodian.NewNode(ctx, custodian.NodeConfig{ID: id, Endpoint: "local://" + string(id), Capacity: 10, PrivateKey: priv}, backend, logger)
		require.NoError(t, err)
		client.Add(node)
		require.NoError(t, reg.Register(ctx, node.Describe()))
		stack.ids = append(stack.ids, id)
	}

	cfg := release.DefaultConfig()
	cfg.SealingKey = bytes.Repeat([]byte{7}, 32)
	cfg.ModulusBits = 512
	cfg.SquaringsPerSecond = 1000
	svc, err := release.NewService(store.NewMemoryStore(), reg, client, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	stack.service = svc

	var admin *AdminHandler
	if adminKeys != nil {
		admin = NewAdminHandler(logger, adminKeys, reg, svc)
	}
	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, NewHandler(svc, logger), admin, nil)
	require.NoError(t, err)
	stack.server = srv
	return stack
}

func (s *testStack) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set(api.CallerIDHeader, caller)
	}
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testStack) createDeadDrop(t *testing.T, secret string) api.CreateUnitResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/units", "alice", api.CreateUnitRequest{
		Secret: []byte(secret),
		K:      2,
		N:      3,
		Gate: api.GateSpec{
			Type:               "proximity",
			Latitude:           48.8584,
			Longitude:          2.2945,
			RadiusMeters:       50,
			RequiredRadioPeers: 2,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[api.CreateUnitResponse](t, w)
}

func TestHandleCreate_Validation(t *testing.T) {
	stack := newTestStack(t, 3, nil)

	tests := []struct {
		name   string
		caller string
		body   any
		status int
		code   string
	}{
		{
			name:   "missing caller",
			body:   api.CreateUnitRequest{Secret: []byte("s"), K: 2, N: 3, Gate: api.GateSpec{Type: "puzzle", PuzzleDifficulty: api.Duration(time.Second)}},
			status: http.StatusBadRequest,
		},
		{
			name:   "k above n",
			caller: "alice",
			body:   api.CreateUnitRequest{Secret: []byte("s"), K: 4, N: 3, Gate: api.GateSpec{Type: "puzzle", PuzzleDifficulty: api.Duration(time.Second)}},
			status: http.StatusBadRequest,
			code:   "invalid_policy",
		},
		{
			name:   "unknown gate",
			caller: "alice",
			body:   api.CreateUnitRequest{Secret: []byte("s"), K: 2, N: 3, Gate: api.GateSpec{Type: "moon-phase"}},
			status: http.StatusBadRequest,
			code:   "invalid_gate",
		},
		{
			name:   "empty secret",
			caller: "alice",
			body:   api.CreateUnitRequest{K: 2, N: 3, Gate: api.GateSpec{Type: "time", UnlockAt: ptr(time.Now().Add(time.Hour))}},
			status: http.StatusBadRequest,
		},
		{
			name:   "not json",
			caller: "alice",
			body:   "definitely not a request",
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := stack.do(t, http.MethodPost, "/api/v1/units", tt.caller, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeBody[api.ErrorResponse](t, w).Code)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestDeadDropLifecycle(t *testing.T) {
	stack := newTestStack(t, 4, nil)
	created := stack.createDeadDrop(t, "meet at the tower")
	id := created.Unit.ID

	assert.Equal(t, interfaces.StatusActive, created.Unit.Status)
	assert.Equal(t, interfaces.KindDeadDrop, created.Unit.Kind)
	assert.Empty(t, created.DistributionError)
	require.NotNil(t, created.Unit.ExpiresAt)

	t.Run("status with distance", func(t *testing.T) {
		w := stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/status?lat=48.8594&lon=2.2945", id), "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		report := decodeBody[release.StatusReport](t, w)
		require.NotNil(t, report.DistanceMeters)
		assert.InDelta(t, 111, *report.DistanceMeters, 2)
	})

	t.Run("assignments are owner only", func(t *testing.T) {
		w := stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/assignments", id), "mallory", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/assignments", id), "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody[[]interfaces.CustodianAssignment](t, w), 3)
	})

	t.Run("out of range", func(t *testing.T) {
		w := stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/collect", id), "bob", api.CollectRequest{
			Location: &geo.Reading{Latitude: 48.8604, Longitude: 2.2945},
		})
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
		resp := decodeBody[api.ErrorResponse](t, w)
		assert.Equal(t, "gate_not_open", resp.Code)
		assert.Equal(t, interfaces.ReasonOutOfRange, resp.Reason)
		assert.InDelta(t, 222, resp.DistanceMeters, 3)
	})

	t.Run("too few fragments is retryable", func(t *testing.T) {
		w := stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/collect", id), "bob", api.CollectRequest{
			Location: &geo.Reading{Latitude: 48.8584, Longitude: 2.2945},
			Peers:    []interfaces.DiscoveredPeer{{CustodianID: "nobody"}, {CustodianID: "no-one"}},
		})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		resp := decodeBody[api.ErrorResponse](t, w)
		assert.Equal(t, "insufficient_shares", resp.Code)
		assert.True(t, resp.Retryable)
	})

	t.Run("collect", func(t *testing.T) {
		peers := make([]interfaces.DiscoveredPeer, 0, len(stack.ids))
		for _, cid := range stack.ids {
			peers = append(peers, interfaces.DiscoveredPeer{CustodianID: cid, RSSI: -60})
		}
		req := api.CollectRequest{Location: &geo.Reading{Latitude: 48.8585, Longitude: 2.2946}, Peers: peers}

		w := stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/collect", id), "bob", req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decodeBody[api.CollectResponse](t, w)
		assert.Equal(t, "meet at the tower", string(resp.Secret))
		assert.Equal(t, interfaces.StatusCollected, resp.Unit.Status)

		w = stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/collect", id), "carol", req)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "already_collected", decodeBody[api.ErrorResponse](t, w).Code)
	})

	t.Run("audit", func(t *testing.T) {
		w := stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/audit", id), "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		events := decodeBody[[]interfaces.AuditEvent](t, w)
		require.NotEmpty(t, events)
		assert.Equal(t, interfaces.StatusCollected, events[len(events)-1].To)
	})
}

func TestCapsuleOverHTTP(t *testing.T) {
	stack := newTestStack(t, 0, nil)

	w := stack.do(t, http.MethodPost, "/api/v1/units", "alice", api.CreateUnitRequest{
		Secret: []byte("patience"),
		K:      2,
		N:      2,
		Gate:   api.GateSpec{Type: "puzzle", PuzzleDifficulty: api.Duration(time.Second)},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[api.CreateUnitResponse](t, w)
	require.NotNil(t, created.Puzzle)
	assert.Equal(t, interfaces.StatusLocked, created.Unit.Status)
	assert.Equal(t, interfaces.SharesEmbedded, created.Unit.SharesLocation)
	id := created.Unit.ID

	w = stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/collect", id), "bob", api.CollectRequest{})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, interfaces.ReasonPuzzleUnsolved, decodeBody[api.ErrorResponse](t, w).Reason)

	w = stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/solver", id), "bob", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var progress release.SolverProgress
	require.Eventually(t, func() bool {
		w := stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/solver", id), "", nil)
		if w.Code != http.StatusOK {
			return false
		}
		progress = decodeBody[release.SolverProgress](t, w)
		return progress.State == release.SolverSolved
	}, 30*time.Second, 20*time.Millisecond)
	require.NotNil(t, progress.Solution)

	w = stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/collect", id), "bob", api.CollectRequest{Solution: progress.Solution})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "patience", string(decodeBody[api.CollectResponse](t, w).Secret))
}

func TestHandleCancel(t *testing.T) {
	stack := newTestStack(t, 3, nil)
	id := stack.createDeadDrop(t, "s3cr3t").Unit.ID

	w := stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/cancel", id), "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_owner", decodeBody[api.ErrorResponse](t, w).Code)

	w = stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/cancel", id), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, interfaces.StatusCancelled, decodeBody[api.CancelResponse](t, w).Status)

	w = stack.do(t, http.MethodPost, fmt.Sprintf("/api/v1/units/%s/cancel", id), "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_terminal", decodeBody[api.ErrorResponse](t, w).Code)

	w = stack.do(t, http.MethodPost, "/api/v1/units/unknown/cancel", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatus_BadQuery(t *testing.T) {
	stack := newTestStack(t, 3, nil)
	id := stack.createDeadDrop(t, "s3cr3t").Unit.ID

	w := stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/status?lat=north&lon=2", id), "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = stack.do(t, http.MethodGet, fmt.Sprintf("/api/v1/units/%s/status?lat=91&lon=2", id), "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	stack := newTestStack(t, 0, nil)

	w := stack.do(t, http.MethodGet, "/livez", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = stack.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = stack.do(t, http.MethodGet, "/drain", "", nil)
	assert.JSONEq(t, `{"status":"draining"}`, w.Body.String())
	w = stack.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = stack.do(t, http.MethodGet, "/drain", "", nil)
	assert.JSONEq(t, `{"status":"already draining"}`, w.Body.String())

	w = stack.do(t, http.MethodGet, "/undrain", "", nil)
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
	w = stack.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{interfaces.ErrReleaseUnitNotFound, http.StatusNotFound},
		{interfaces.ErrNotOwner, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", interfaces.ErrInvalidPolicy), http.StatusBadRequest},
		{interfaces.ErrAlreadyCollected, http.StatusConflict},
		{interfaces.ErrStatusConflict, http.StatusConflict},
		{&interfaces.GateNotOpenError{Reason: interfaces.ReasonTooEarly}, http.StatusPreconditionFailed},
		{&interfaces.InsufficientSharesError{Gathered: 1, Required: 3, Retryable: true}, http.StatusServiceUnavailable},
		{&interfaces.InsufficientSharesError{Gathered: 1, Required: 3}, http.StatusGone},
		{release.ErrSecretTooLarge, http.StatusRequestEntityTooLarge},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}
