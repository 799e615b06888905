package httpserver

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/release"
)

// Admin authentication headers. The signature is ECDSA P-256 (ASN.1) over
// sha256(path || body), base64 encoded.
const (
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// AdminHandler serves the operator API: custodian node management and a
// manual expiry sweep. Every mutating route requires a request signed by a
// key from the admin whitelist.
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	adminPubKeys map[string][]byte // admin id to PEM public key
	registry     interfaces.NodeRegistry
	service      *release.Service
}

func NewAdminHandler(log *slog.Logger, adminPubKeys map[string][]byte, registry interfaces.NodeRegistry, service *release.Service) *AdminHandler {
	return &AdminHandler{
		log:          log,
		adminPubKeys: adminPubKeys,
		registry:     registry,
		service:      service,
	}
}

// AdminRouter returns the admin routes, to be mounted under /admin.
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/nodes", h.handleListNodes)
	r.Get("/nodes/{id}", h.handleGetNode)
	r.Post("/nodes", h.handleRegisterNode)
	r.Post("/nodes/{id}/status", h.handleNodeStatus)
	r.Post("/sweep", h.handleSweep)

	return r
}

func (h *AdminHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.registry.List(r.Context())
	if err != nil {
		h.log.Error("Failed to list custodians", "err", err)
		http.Error(w, "Failed to list custodians", http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, nodes)
}

func (h *AdminHandler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.registry.Get(r.Context(), interfaces.CustodianID(chi.URLParam(r, "id")))
	if errors.Is(err, interfaces.ErrCustodianNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, node)
}

// handleRegisterNode adds a custodian or updates its endpoint, key, capacity
// and location. Trust and used capacity of a known node are kept.
//
// Endpoint: POST /admin/nodes
// Body: interfaces.CustodianNode
func (h *AdminHandler) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var node interfaces.CustodianNode
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&node); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(node.PublicKey) == 0 {
		http.Error(w, "Custodian public key is required", http.StatusBadRequest)
		return
	}
	if err := cryptoutils.PublicKeyPEM(node.PublicKey).Validate(); err != nil {
		http.Error(w, "Invalid custodian public key: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.registry.Register(r.Context(), node); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.log.Info("Custodian registered by admin", "adminID", adminID, "custodian", node.ID)
	stored, err := h.registry.Get(r.Context(), node.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, stored)
}

// handleNodeStatus takes a custodian offline, back online or retires it.
//
// Endpoint: POST /admin/nodes/{id}/status
// Body: {"status": "online" | "offline" | "retired"}
func (h *AdminHandler) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.NodeStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := interfaces.CustodianID(chi.URLParam(r, "id"))
	err := h.registry.UpdateStatus(r.Context(), id, req.Status)
	if errors.Is(err, interfaces.ErrCustodianNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Custodian status changed", "adminID", adminID, "custodian", id, "status", req.Status.String())
	writeAdminJSON(w, http.StatusOK, req)
}

// handleSweep expires overdue dead drops now instead of waiting for the
// periodic sweeper.
func (h *AdminHandler) handleSweep(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.service.ExpireOverdue(r.Context())
	if err != nil {
		h.log.Error("Manual sweep failed", "adminID", adminID, "err", err)
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, api.SweepResponse{Expired: n})
}

// verifyAdmin checks that the request comes from a whitelisted admin: the
// X-Admin-Signature header must verify under the admin's key over the
// request path followed by the body. The body is restored for the handler.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get(AdminIDHeader)
	signatureB64 := r.Header.Get(AdminSignatureHeader)
	if adminID == "" || signatureB64 == "" {
		return "", false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	pubKey, err := parsePublicKey(pubKeyPEM)
	if err != nil {
		h.log.Error("Invalid admin public key", "adminID", adminID, "err", err)
		return adminID, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	digest := sha256.Sum256(append([]byte(r.URL.Path), body...))
	if !ecdsa.VerifyASN1(pubKey, digest[:], signature) {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parsePublicKey(pemData []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return ecdsaPub, nil
}

// LoadAdminKeys reads the admin whitelist:
//
//	{"admins": [{"id": "alice", "pubkey": "-----BEGIN PUBLIC KEY-----..."}]}
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	keys := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if _, err := parsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		keys[admin.ID] = []byte(admin.PubKey)
	}
	return keys, nil
}

// GenerateAdminKeyPair returns a fresh P-256 key pair as PEM strings
// (private, public).
func GenerateAdminKeyPair() (string, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM), nil
}

func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}
	return key, nil
}

// ComputeFingerprint is the hex SHA-256 of a PEM public key.
func ComputeFingerprint(publicKeyPEM []byte) string {
	sum := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(sum[:])
}
