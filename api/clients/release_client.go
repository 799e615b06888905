package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/release"
)

// APIError is a non-2xx response of the release API. It unwraps to the
// interfaces sentinel its code names, so callers can use errors.Is just as
// they would against the service in process.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Response   api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Error != "" {
		return fmt.Sprintf("release API returned %d: %s", e.StatusCode, e.Response.Error)
	}
	return fmt.Sprintf("release API returned %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return api.ErrorForCode(e.Response.Code)
}

// GateError rebuilds the structured gate error, or nil if the response was
// not a closed gate.
func (e *APIError) GateError() *interfaces.GateNotOpenError {
	if !errors.Is(e, interfaces.ErrGateNotOpen) {
		return nil
	}
	return &interfaces.GateNotOpenError{
		Reason:         e.Response.Reason,
		DistanceMeters: e.Response.DistanceMeters,
		PeersFound:     e.Response.PeersFound,
		PeersRequired:  e.Response.PeersRequired,
	}
}

// ReleaseClient talks to the release API on behalf of one caller.
type ReleaseClient struct {
	baseURL    string
	callerID   string
	httpClient *http.Client
}

// NewReleaseClient creates a client. callerID travels in the X-Caller-ID
// header of every request.
func NewReleaseClient(baseURL, callerID string, timeout ...time.Duration) *ReleaseClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &ReleaseClient{
		baseURL:    baseURL,
		callerID:   callerID,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func (c *ReleaseClient) Create(ctx context.Context, req api.CreateUnitRequest) (*api.CreateUnitResponse, error) {
	var resp api.CreateUnitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/units", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ReleaseClient) Get(ctx context.Context, id interfaces.ReleaseUnitID) (*api.Unit, error) {
	var unit api.Unit
	if err := c.do(ctx, http.MethodGet, unitPath(id, ""), nil, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

// Status reports the unit's status, with distance and bearing when reading
// is set.
func (c *ReleaseClient) Status(ctx context.Context, id interfaces.ReleaseUnitID, reading *geo.Reading) (*release.StatusReport, error) {
	path := unitPath(id, "/status")
	if reading != nil {
		q := url.Values{}
		q.Set("lat", strconv.FormatFloat(reading.Latitude, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(reading.Longitude, 'f', -1, 64))
		if reading.AccuracyMeters > 0 {
			q.Set("accuracy", strconv.FormatFloat(reading.AccuracyMeters, 'f', -1, 64))
		}
		path += "?" + q.Encode()
	}

	var report release.StatusReport
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *ReleaseClient) Collect(ctx context.Context, id interfaces.ReleaseUnitID, req api.CollectRequest) (*api.CollectResponse, error) {
	var resp api.CollectResponse
	if err := c.do(ctx, http.MethodPost, unitPath(id, "/collect"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ReleaseClient) Cancel(ctx context.Context, id interfaces.ReleaseUnitID) (interfaces.Status, error) {
	var resp api.CancelResponse
	if err := c.do(ctx, http.MethodPost, unitPath(id, "/cancel"), nil, &resp); err != nil {
		return interfaces.StatusUnknown, err
	}
	return resp.Status, nil
}

func (c *ReleaseClient) Activate(ctx context.Context, id interfaces.ReleaseUnitID) (*api.Unit, error) {
	var unit api.Unit
	if err := c.do(ctx, http.MethodPost, unitPath(id, "/activate"), nil, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

// Redistribute retries fragment placement of a PENDING dead drop. The
// secret is needed again because the server never keeps it.
func (c *ReleaseClient) Redistribute(ctx context.Context, id interfaces.ReleaseUnitID, secret []byte) (*api.Unit, error) {
	var unit api.Unit
	if err := c.do(ctx, http.MethodPost, unitPath(id, "/redistribute"), api.RedistributeRequest{Secret: secret}, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (c *ReleaseClient) Audit(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.AuditEvent, error) {
	var events []interfaces.AuditEvent
	if err := c.do(ctx, http.MethodGet, unitPath(id, "/audit"), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *ReleaseClient) Assignments(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.CustodianAssignment, error) {
	var assignments []interfaces.CustodianAssignment
	if err := c.do(ctx, http.MethodGet, unitPath(id, "/assignments"), nil, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (c *ReleaseClient) BeginSolving(ctx context.Context, id interfaces.ReleaseUnitID) (*api.Unit, error) {
	var unit api.Unit
	if err := c.do(ctx, http.MethodPost, unitPath(id, "/solving"), nil, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (c *ReleaseClient) AbandonSolving(ctx context.Context, id interfaces.ReleaseUnitID) (*api.Unit, error) {
	var unit api.Unit
	if err := c.do(ctx, http.MethodDelete, unitPath(id, "/solving"), nil, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (c *ReleaseClient) StartSolver(ctx context.Context, id interfaces.ReleaseUnitID) (*release.SolverProgress, error) {
	var progress release.SolverProgress
	if err := c.do(ctx, http.MethodPost, unitPath(id, "/solver"), nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (c *ReleaseClient) SolverProgress(ctx context.Context, id interfaces.ReleaseUnitID) (*release.SolverProgress, error) {
	var progress release.SolverProgress
	if err := c.do(ctx, http.MethodGet, unitPath(id, "/solver"), nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// WaitForSolution polls the server-side solver until it finishes or ctx is
// done.
func (c *ReleaseClient) WaitForSolution(ctx context.Context, id interfaces.ReleaseUnitID, interval time.Duration) (*release.SolverProgress, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		progress, err := c.SolverProgress(ctx, id)
		if err != nil {
			return nil, err
		}
		switch progress.State {
		case release.SolverSolved:
			return progress, nil
		case release.SolverCancelled, release.SolverFailed:
			return progress, fmt.Errorf("solver stopped: %s %s", progress.State, progress.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func unitPath(id interfaces.ReleaseUnitID, suffix string) string {
	return "/api/v1/units/" + url.PathEscape(string(id)) + suffix
}

func (c *ReleaseClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.callerID != "" {
		req.Header.Set(api.CallerIDHeader, c.callerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response of %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &apiErr.Response); err != nil || apiErr.Response.Code == "" {
		// Plain text from http.Error.
		apiErr.Response = api.ErrorResponse{Error: string(bytes.TrimSpace(body))}
	}
	return apiErr
}
