package clients

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/interfaces"
)

// AdminClient provides methods for interacting with the admin API.
// It handles authentication, request signing, and response parsing.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminClient creates a new admin client for interacting with the admin API.
//
// Parameters:
//   - baseURL: The base URL of the admin API (e.g., "http://localhost:8080/admin")
//   - adminID: The administrator's ID
//   - privateKey: The administrator's ECDSA private key
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// ListNodes returns every registered custodian. Reads are not signed.
func (c *AdminClient) ListNodes() ([]interfaces.CustodianNode, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/nodes", nil)
	if err != nil {
		return nil, err
	}

	var nodes []interfaces.CustodianNode
	if err := c.send(req, "list nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// RegisterNode adds a custodian or updates its endpoint, key, capacity and
// location, and returns the node as the registry now holds it.
func (c *AdminClient) RegisterNode(node interfaces.CustodianNode) (*interfaces.CustodianNode, error) {
	reqJSON, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/nodes", reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	var stored interfaces.CustodianNode
	if err := c.send(req, "register node", &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// SetNodeStatus takes a custodian offline, back online or retires it.
func (c *AdminClient) SetNodeStatus(id interfaces.CustodianID, status interfaces.NodeStatus) error {
	reqJSON, err := json.Marshal(api.NodeStatusRequest{Status: status})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	reqURL := fmt.Sprintf("%s/nodes/%s/status", c.baseURL, url.PathEscape(string(id)))
	req, err := CreateSignedAdminRequest(http.MethodPost, reqURL, reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return err
	}
	return c.send(req, "set node status", nil)
}

// Sweep expires overdue dead drops and returns how many it expired.
func (c *AdminClient) Sweep() (int, error) {
	req, err := CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/sweep", nil, c.adminID, c.privateKey)
	if err != nil {
		return 0, err
	}

	var resp api.SweepResponse
	if err := c.send(req, "sweep", &resp); err != nil {
		return 0, err
	}
	return resp.Expired, nil
}

func (c *AdminClient) send(req *http.Request, what string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with code %d: %s", what, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", what, err)
	}
	return nil
}

// CreateSignedAdminRequest creates a new HTTP request with admin authentication headers.
//
// The signature is created by:
//  1. Concatenating the request path with the request body (if any)
//  2. Computing the SHA-256 hash of this message
//  3. Signing the hash with the admin's private key using ECDSA
//  4. Base64-encoding the signature
func CreateSignedAdminRequest(method, reqUrl string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, reqUrl, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := signRequest(req, body, adminID, privateKey); err != nil {
		return nil, err
	}
	return req, nil
}

// SignAdminRequest adds authentication headers to an existing HTTP request.
// The body, if any, is read and restored.
func SignAdminRequest(req *http.Request, adminID string, privateKey *ecdsa.PrivateKey) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	return signRequest(req, bodyBytes, adminID, privateKey)
}

func signRequest(req *http.Request, body []byte, adminID string, privateKey *ecdsa.PrivateKey) error {
	req.Header.Set("X-Admin-ID", adminID)

	hash := sha256.Sum256(append([]byte(req.URL.Path), body...))
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))
	return nil
}
