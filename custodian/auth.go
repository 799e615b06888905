package custodian

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/gated-release/interfaces"
)

// Fragment requests are signed by a release server. The signature is ECDSA
// P-256 (ASN.1) over sha256(custodian id, method, path, timestamp, body),
// base64 encoded. Binding the custodian id keeps a request signed for one
// node from being replayed against another.
const (
	TimestampHeader = "X-Release-Timestamp"
	SignatureHeader = "X-Release-Signature"

	DefaultMaxClockSkew = 2 * time.Minute
)

var (
	ErrUnsignedRequest  = errors.New("request is not signed")
	ErrInvalidSignature = errors.New("request signature does not verify under any authorized key")
	ErrStaleRequest     = errors.New("request timestamp outside the accepted window")
)

func requestDigest(custodianID interfaces.CustodianID, method, path, timestamp string, body []byte) []byte {
	h := sha256.New()
	for _, part := range []string{string(custodianID), method, path, timestamp} {
		h.Write([]byte(part))
		h.Write([]byte{'\n'})
	}
	h.Write(body)
	return h.Sum(nil)
}

// SignRequest signs r for the custodian it is addressed to. The body, if
// any, is read and restored.
func SignRequest(r *http.Request, custodianID interfaces.CustodianID, key *ecdsa.PrivateKey, now time.Time) error {
	if r == nil || key == nil {
		return errors.New("request and key are required")
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := ecdsa.SignASN1(rand.Reader, key, requestDigest(custodianID, r.Method, r.URL.Path, timestamp, body))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	r.Header.Set(TimestampHeader, timestamp)
	r.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Authorizer admits fragment requests signed by one of its keys. An
// Authorizer without keys admits nothing.
type Authorizer struct {
	keys    []*ecdsa.PublicKey
	maxSkew time.Duration
	now     func() time.Time
}

func NewAuthorizer(keys ...*ecdsa.PublicKey) *Authorizer {
	return &Authorizer{keys: keys, maxSkew: DefaultMaxClockSkew, now: time.Now}
}

// Verify checks r's signature for custodianID and restores the body.
func (a *Authorizer) Verify(r *http.Request, custodianID interfaces.CustodianID) error {
	timestamp := r.Header.Get(TimestampHeader)
	signatureB64 := r.Header.Get(SignatureHeader)
	if timestamp == "" || signatureB64 == "" {
		return ErrUnsignedRequest
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrStaleRequest, timestamp)
	}
	if skew := a.now().Sub(time.Unix(unix, 0)); skew > a.maxSkew || skew < -a.maxSkew {
		return fmt.Errorf("%w: off by %s", ErrStaleRequest, skew)
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxFragmentSize))
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	digest := requestDigest(custodianID, r.Method, r.URL.Path, timestamp, body)
	for _, key := range a.keys {
		if ecdsa.VerifyASN1(key, digest, signature) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Middleware rejects requests that do not verify with 401.
func (a *Authorizer) Middleware(custodianID interfaces.CustodianID, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Verify(r, custodianID); err != nil {
				log.Warn("Rejected fragment request", "path", r.URL.Path, "err", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
