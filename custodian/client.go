package custodian

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/shamir"
)

// HTTPClient reaches custodian nodes at their registered endpoints and
// signs fragment requests with the release server key.
// It also describes nodes for DNS seeding of the registry, which needs no key.
type HTTPClient struct {
	Client *http.Client
	signer *ecdsa.PrivateKey
}

func NewHTTPClient(client *http.Client, signer *ecdsa.PrivateKey) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{Client: client, signer: signer}
}

func (c *HTTPClient) fragmentURL(node interfaces.CustodianNode, id interfaces.ReleaseUnitID) string {
	return strings.TrimSuffix(node.Endpoint, "/") + "/fragments/" + url.PathEscape(string(id))
}

// do sends the request, signed for custodian when it is set.
func (c *HTTPClient) do(ctx context.Context, custodian interfaces.CustodianID, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if custodian != "" {
		if c.signer == nil {
			return 0, nil, fmt.Errorf("no signing key for custodian %s", custodian)
		}
		if err := SignRequest(req, custodian, c.signer, time.Now()); err != nil {
			return 0, nil, err
		}
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("could not reach custodian: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFragmentSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("could not read custodian response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *HTTPClient) StoreFragment(ctx context.Context, node interfaces.CustodianNode, f interfaces.Fragment) (interfaces.ContentID, error) {
	encoded, err := shamir.EncodeFragment(f)
	if err != nil {
		return interfaces.ContentID{}, err
	}

	status, body, err := c.do(ctx, node.ID, http.MethodPut, c.fragmentURL(node, f.ReleaseUnitID), encoded)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusInsufficientStorage:
		return interfaces.ContentID{}, interfaces.ErrCapacityExhausted
	default:
		return interfaces.ContentID{}, fmt.Errorf("custodian %s returned %d: %s", node.ID, status, strings.TrimSpace(string(body)))
	}

	var resp storeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return interfaces.ContentID{}, fmt.Errorf("could not parse custodian response: %w", err)
	}
	return resp.ContentID, nil
}

func (c *HTTPClient) FetchFragment(ctx context.Context, node interfaces.CustodianNode, id interfaces.ReleaseUnitID) (*interfaces.Fragment, error) {
	status, body, err := c.do(ctx, node.ID, http.MethodGet, c.fragmentURL(node, id), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, interfaces.ErrFragmentNotFound
	default:
		return nil, fmt.Errorf("custodian %s returned %d: %s", node.ID, status, strings.TrimSpace(string(body)))
	}
	return shamir.DecodeFragment(body)
}

func (c *HTTPClient) DeleteFragment(ctx context.Context, node interfaces.CustodianNode, id interfaces.ReleaseUnitID) error {
	status, body, err := c.do(ctx, node.ID, http.MethodDelete, c.fragmentURL(node, id), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("custodian %s returned %d: %s", node.ID, status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Describe fetches /info from endpoint.
func (c *HTTPClient) Describe(ctx context.Context, endpoint string) (interfaces.CustodianNode, error) {
	status, body, err := c.do(ctx, "", http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/info", nil)
	if err != nil {
		return interfaces.CustodianNode{}, err
	}
	if status != http.StatusOK {
		return interfaces.CustodianNode{}, fmt.Errorf("custodian at %s returned %d", endpoint, status)
	}

	var node interfaces.CustodianNode
	if err := json.Unmarshal(body, &node); err != nil {
		return interfaces.CustodianNode{}, fmt.Errorf("could not parse custodian info: %w", err)
	}
	// The address we reached it on wins over what it reports.
	node.Endpoint = endpoint
	return node, nil
}

// LocalClient routes calls to in-process nodes by custodian id.
type LocalClient struct {
	mu    sync.RWMutex
	nodes map[interfaces.CustodianID]*Node
}

func NewLocalClient(nodes ...*Node) *LocalClient {
	c := &LocalClient{nodes: make(map[interfaces.CustodianID]*Node, len(nodes))}
	for _, n := range nodes {
		c.nodes[n.ID()] = n
	}
	return c
}

func (c *LocalClient) Add(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.ID()] = n
}

func (c *LocalClient) node(id interfaces.CustodianID) (*Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCustodianNotFound, id)
	}
	return n, nil
}

func (c *LocalClient) StoreFragment(ctx context.Context, node interfaces.CustodianNode, f interfaces.Fragment) (interfaces.ContentID, error) {
	n, err := c.node(node.ID)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	return n.Store(ctx, f)
}

func (c *LocalClient) FetchFragment(ctx context.Context, node interfaces.CustodianNode, id interfaces.ReleaseUnitID) (*interfaces.Fragment, error) {
	n, err := c.node(node.ID)
	if err != nil {
		return nil, err
	}
	return n.Fetch(ctx, id)
}

func (c *LocalClient) DeleteFragment(ctx context.Context, node interfaces.CustodianNode, id interfaces.ReleaseUnitID) error {
	n, err := c.node(node.ID)
	if err != nil {
		return err
	}
	return n.Delete(ctx, id)
}
