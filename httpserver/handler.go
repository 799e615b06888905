package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/custodian"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/release"
	"github.com/ruteri/gated-release/shamir"
)

const (
	// maxBodySize bounds request bodies. Secrets are much smaller; the
	// bound leaves room for JSON and base64 overhead.
	maxBodySize = 1024 * 1024

	// insufficientRetryAfter is the Retry-After hint for a retryable
	// shortage of fragments.
	insufficientRetryAfter = 30 * time.Second
)

// Handler adapts release.Service to HTTP. It holds no state of its own.
type Handler struct {
	service *release.Service
	log     *slog.Logger
}

func NewHandler(service *release.Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// RegisterRoutes mounts the release API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/units", h.HandleCreate)
	r.Get("/api/v1/units/{id}", h.HandleGet)
	r.Get("/api/v1/units/{id}/status", h.HandleStatus)
	r.Get("/api/v1/units/{id}/audit", h.HandleAudit)
	r.Get("/api/v1/units/{id}/assignments", h.HandleAssignments)
	r.Post("/api/v1/units/{id}/collect", h.HandleCollect)
	r.Post("/api/v1/units/{id}/cancel", h.HandleCancel)
	r.Post("/api/v1/units/{id}/activate", h.HandleActivate)
	r.Post("/api/v1/units/{id}/redistribute", h.HandleRedistribute)
	r.Post("/api/v1/units/{id}/solving", h.HandleBeginSolving)
	r.Delete("/api/v1/units/{id}/solving", h.HandleAbandonSolving)
	r.Post("/api/v1/units/{id}/solver", h.HandleStartSolver)
	r.Get("/api/v1/units/{id}/solver", h.HandleSolverProgress)
}

// HandleCreate creates a capsule or a dead drop.
//
// URL format: POST /api/v1/units
// Request body: api.CreateUnitRequest. The X-Caller-ID header names the owner.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req api.CreateUnitRequest
	if !h.decode(w, r, &req) {
		return
	}
	gate, err := req.Gate.Gate()
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.service.Create(r.Context(), release.CreateRequest{
		OwnerID:          owner,
		Secret:           req.Secret,
		Policy:           interfaces.SplitPolicy{K: req.K, N: req.N},
		Gate:             gate,
		PuzzleDifficulty: time.Duration(req.Gate.PuzzleDifficulty),
		TTL:              time.Duration(req.TTL),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	unit, err := api.UnitFrom(res.Unit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := api.CreateUnitResponse{Unit: unit, Puzzle: res.Puzzle}
	if !res.UnlockAt.IsZero() {
		resp.UnlockAt = &res.UnlockAt
	}
	if res.DistributionErr != nil {
		resp.DistributionError = res.DistributionErr.Error()
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// HandleGet returns the public view of a unit.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	unit, err := h.service.Get(r.Context(), unitID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUnit(w, http.StatusOK, unit)
}

// HandleStatus reports the unit's status. Dead drops also report distance
// and bearing when the query carries lat and lon.
//
// URL format: GET /api/v1/units/{id}/status?lat=52.37&lon=4.90&accuracy=5
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	reading, err := readingFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.service.Status(r.Context(), unitID(r), reading)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Audit(r.Context(), unitID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleAssignments(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.caller(w, r)
	if !ok {
		return
	}
	assignments, err := h.service.Assignments(r.Context(), unitID(r), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, assignments)
}

// HandleCollect runs one collection attempt. The radio peers the device
// reported stand in for a scan; they are only looked at once the location
// check passed.
//
// URL format: POST /api/v1/units/{id}/collect
// Request body: api.CollectRequest
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	var req api.CollectRequest
	if !h.decode(w, r, &req) {
		return
	}

	peers := make([]interfaces.CustodianID, 0, len(req.Peers))
	for _, p := range req.Peers {
		peers = append(peers, p.CustodianID)
	}

	res, err := h.service.AttemptCollection(r.Context(), unitID(r), release.CollectorContext{
		CollectorID: r.Header.Get(api.CallerIDHeader),
		Location:    req.Location,
		Scanner:     custodian.NewStaticScanner(0, peers...),
		Solution:    req.Solution,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	unit, err := api.UnitFrom(res.Unit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.CollectResponse{
		Secret:   res.Secret,
		Unit:     unit,
		Gathered: len(res.Attempt.Gathered),
	})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.caller(w, r)
	if !ok {
		return
	}
	status, err := h.service.Cancel(r.Context(), unitID(r), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.CancelResponse{Status: status})
}

func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.caller(w, r)
	if !ok {
		return
	}
	unit, err := h.service.Activate(r.Context(), unitID(r), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUnit(w, http.StatusOK, unit)
}

// HandleRedistribute retries fragment placement of a PENDING dead drop.
//
// URL format: POST /api/v1/units/{id}/redistribute
// Request body: api.RedistributeRequest
func (h *Handler) HandleRedistribute(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req api.RedistributeRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit, err := h.service.RetryDistribution(r.Context(), unitID(r), owner, req.Secret)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUnit(w, http.StatusOK, unit)
}

func (h *Handler) HandleBeginSolving(w http.ResponseWriter, r *http.Request) {
	unit, err := h.service.BeginSolving(r.Context(), unitID(r), r.Header.Get(api.CallerIDHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUnit(w, http.StatusOK, unit)
}

func (h *Handler) HandleAbandonSolving(w http.ResponseWriter, r *http.Request) {
	unit, err := h.service.AbandonSolving(r.Context(), unitID(r), r.Header.Get(api.CallerIDHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUnit(w, http.StatusOK, unit)
}

// HandleStartSolver starts a server-side solver for a puzzle capsule and
// returns its progress. Calling it again returns the running job.
func (h *Handler) HandleStartSolver(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.StartSolver(r.Context(), unitID(r), r.Header.Get(api.CallerIDHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, job.Progress())
}

func (h *Handler) HandleSolverProgress(w http.ResponseWriter, r *http.Request) {
	progress, ok := h.service.SolverProgress(unitID(r))
	if !ok {
		http.Error(w, "no solver running for this unit", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

func unitID(r *http.Request) interfaces.ReleaseUnitID {
	return interfaces.ReleaseUnitID(chi.URLParam(r, "id"))
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(api.CallerIDHeader)
	if id == "" {
		http.Error(w, "Missing "+api.CallerIDHeader+" header", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}
	if len(body) > maxBodySize {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func readingFromQuery(r *http.Request) (*geo.Reading, error) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		return nil, nil
	}

	var reading geo.Reading
	var err error
	if reading.Latitude, err = strconv.ParseFloat(q.Get("lat"), 64); err != nil {
		return nil, fmt.Errorf("invalid lat: %w", err)
	}
	if reading.Longitude, err = strconv.ParseFloat(q.Get("lon"), 64); err != nil {
		return nil, fmt.Errorf("invalid lon: %w", err)
	}
	if acc := q.Get("accuracy"); acc != "" {
		if reading.AccuracyMeters, err = strconv.ParseFloat(acc, 64); err != nil {
			return nil, fmt.Errorf("invalid accuracy: %w", err)
		}
	}
	if err := reading.Validate(); err != nil {
		return nil, err
	}
	return &reading, nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var sharesErr *interfaces.InsufficientSharesError
	switch {
	case errors.Is(err, interfaces.ErrReleaseUnitNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, release.ErrSecretTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, interfaces.ErrInvalidPolicy),
		errors.Is(err, shamir.ErrEmptySecret),
		errors.Is(err, interfaces.ErrInvalidShareSet),
		errors.Is(err, interfaces.ErrInvalidGate),
		errors.Is(err, geo.ErrInvalidCoordinates):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrAlreadyCollected),
		errors.Is(err, interfaces.ErrAlreadyTerminal),
		errors.Is(err, interfaces.ErrStatusConflict),
		errors.Is(err, interfaces.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrGateNotOpen):
		return http.StatusPreconditionFailed
	case errors.As(err, &sharesErr):
		if sharesErr.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusGone
	case errors.Is(err, interfaces.ErrReconstructionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrDistributionIncomplete):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrPuzzleTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
	} else {
		h.log.Debug("Request rejected", slog.Int("status", status), "err", err)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(insufficientRetryAfter.Seconds())))
	}
	resp := api.NewErrorResponse(err)
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeUnit(w http.ResponseWriter, status int, unit *interfaces.ReleaseUnit) {
	out, err := api.UnitFrom(unit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, status, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
