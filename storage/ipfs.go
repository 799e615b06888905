package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/multiformats/go-multihash"

	"github.com/ruteri/gated-release/interfaces"
)

// IPFSBackend pins content on an IPFS node as single raw blocks, so the CID
// is derived from the content id and no separate index is needed. IPFS has no
// namespaces; the content type is ignored.
type IPFSBackend struct {
	shell       *shell.Shell
	apiAddr     string
	log         *slog.Logger
	locationURI string
}

func NewIPFSBackend(apiAddr string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(timeout)
	return &IPFSBackend{
		shell:       sh,
		apiAddr:     apiAddr,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiAddr, timeout),
	}
}

// CIDFor returns the CIDv1 of a raw block whose sha2-256 digest is id.
func CIDFor(id interfaces.ContentID) (cid.Cid, error) {
	mh, err := multihash.Encode(id[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ContentIDFor is the inverse of CIDFor.
func ContentIDFor(c cid.Cid) (interfaces.ContentID, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return interfaces.ContentID{}, err
	}
	if decoded.Code != multihash.SHA2_256 {
		return interfaces.ContentID{}, fmt.Errorf("cid %s is not sha2-256", c)
	}
	return interfaces.NewContentIDFromBytes(decoded.Digest)
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	c, err := CIDFor(id)
	if err != nil {
		return nil, err
	}

	reader, err := b.shell.Cat(c.String())
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("cid", c.String()),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("ipfs block %s does not match its content id", c)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("cid", c.String()),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	added, err := b.shell.Add(bytes.NewReader(data),
		shell.Pin(true),
		shell.RawLeaves(true),
		shell.CidVersion(1),
	)
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	// Content larger than one block becomes a DAG whose root does not hash to id.
	c, err := cid.Decode(added)
	if err != nil {
		return id, fmt.Errorf("ipfs returned an invalid cid %q: %w", added, err)
	}
	if got, err := ContentIDFor(c); err != nil || got != id {
		return id, fmt.Errorf("ipfs stored %s as a multi-block object", id)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("cid", added),
		slog.String("content_id", id.String()))
	return id, nil
}

// Delete unpins the block; the node garbage collects it eventually.
func (b *IPFSBackend) Delete(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) error {
	c, err := CIDFor(id)
	if err != nil {
		return err
	}
	if err := b.shell.Unpin(c.String()); err != nil && !strings.Contains(err.Error(), "not pinned") {
		return fmt.Errorf("failed to unpin %s: %w", c, err)
	}
	return nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("api", b.apiAddr))
		return false
	}
	return true
}

func (b *IPFSBackend) Name() string {
	return "ipfs-" + b.apiAddr
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
