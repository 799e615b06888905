package custodian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/shamir"
)

type NodeConfig struct {
	ID       interfaces.CustodianID
	Endpoint string
	Capacity int
	Location *geo.Reading

	// PrivateKey is the PEM P-256 key fragments are encrypted to at rest.
	PrivateKey cryptoutils.PrivateKeyPEM

	// IndexHeadPath names a file holding the content id of the latest index
	// snapshot. Empty keeps the index in memory only.
	IndexHeadPath string
}

type indexEntry struct {
	ContentID interfaces.ContentID `json:"content_id"`
	StoredAt  time.Time            `json:"stored_at"`
}

// Node holds at most one fragment per release unit.
type Node struct {
	cfg     NodeConfig
	pub     cryptoutils.PublicKeyPEM
	backend interfaces.StorageBackend
	log     *slog.Logger

	mu    sync.Mutex
	index map[interfaces.ReleaseUnitID]indexEntry
}

// NewNode restores the fragment index from the backend if a head file exists.
func NewNode(ctx context.Context, cfg NodeConfig, backend interfaces.StorageBackend, log *slog.Logger) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("custodian id is required")
	}
	pub, err := cfg.PrivateKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		pub:     pub,
		backend: backend,
		log:     log.With("custodian", string(cfg.ID)),
		index:   make(map[interfaces.ReleaseUnitID]indexEntry),
	}

	if err := n.loadIndex(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() interfaces.CustodianID {
	return n.cfg.ID
}

// Describe reports the node the way the registry stores it.
func (n *Node) Describe() interfaces.CustodianNode {
	n.mu.Lock()
	used := len(n.index)
	n.mu.Unlock()

	return interfaces.CustodianNode{
		ID:            n.cfg.ID,
		Endpoint:      n.cfg.Endpoint,
		PublicKey:     n.pub,
		CapacityTotal: n.cfg.Capacity,
		CapacityUsed:  used,
		Location:      n.cfg.Location,
		Status:        interfaces.NodeOnline,
		LastSeen:      time.Now().UTC(),
	}
}

// Store encrypts f to the node key and keeps it as the unit's fragment.
// A fragment stored earlier for the same unit is replaced.
func (n *Node) Store(ctx context.Context, f interfaces.Fragment) (interfaces.ContentID, error) {
	encoded, err := shamir.EncodeFragment(f)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	sealed, err := cryptoutils.EncryptWithPublicKey(n.pub, encoded)
	cryptoutils.Wipe(encoded)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("could not encrypt fragment: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	previous, replacing := n.index[f.ReleaseUnitID]
	if !replacing && n.cfg.Capacity > 0 && len(n.index) >= n.cfg.Capacity {
		return interfaces.ContentID{}, interfaces.ErrCapacityExhausted
	}

	id, err := n.backend.Store(ctx, sealed, interfaces.FragmentType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("could not store fragment: %w", err)
	}

	n.index[f.ReleaseUnitID] = indexEntry{ContentID: id, StoredAt: time.Now().UTC()}
	if err := n.saveIndexLocked(ctx); err != nil {
		n.log.Warn("Could not persist fragment index", "err", err)
	}

	if replacing && previous.ContentID != id {
		if err := n.backend.Delete(ctx, previous.ContentID, interfaces.FragmentType); err != nil {
			n.log.Warn("Could not delete replaced fragment", "err", err, slog.String("unit", string(f.ReleaseUnitID)))
		}
	}

	n.log.Debug("Stored fragment",
		slog.String("unit", string(f.ReleaseUnitID)),
		slog.Int("index", f.Index),
		slog.String("content_id", id.String()))
	return id, nil
}

// Fetch returns the unit's fragment or ErrFragmentNotFound.
func (n *Node) Fetch(ctx context.Context, unitID interfaces.ReleaseUnitID) (*interfaces.Fragment, error) {
	n.mu.Lock()
	entry, ok := n.index[unitID]
	n.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrFragmentNotFound
	}

	sealed, err := n.backend.Fetch(ctx, entry.ContentID, interfaces.FragmentType)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, interfaces.ErrFragmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not fetch fragment: %w", err)
	}

	encoded, err := cryptoutils.DecryptWithPrivateKey(n.cfg.PrivateKey, sealed)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt fragment: %w", err)
	}
	defer cryptoutils.Wipe(encoded)

	f, err := shamir.DecodeFragment(encoded)
	if err != nil {
		return nil, err
	}
	if f.ReleaseUnitID != unitID {
		return nil, fmt.Errorf("%w: stored fragment belongs to %s", interfaces.ErrInvalidShareSet, f.ReleaseUnitID)
	}
	return f, nil
}

// Delete drops the unit's fragment. Deleting an unknown unit is not an error.
func (n *Node) Delete(ctx context.Context, unitID interfaces.ReleaseUnitID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, ok := n.index[unitID]
	if !ok {
		return nil
	}
	if err := n.backend.Delete(ctx, entry.ContentID, interfaces.FragmentType); err != nil {
		return fmt.Errorf("could not delete fragment: %w", err)
	}
	delete(n.index, unitID)

	if err := n.saveIndexLocked(ctx); err != nil {
		n.log.Warn("Could not persist fragment index", "err", err)
	}
	return nil
}

// Len is the number of fragments held.
func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.index)
}

func (n *Node) loadIndex(ctx context.Context) error {
	if n.cfg.IndexHeadPath == "" {
		return nil
	}

	head, err := os.ReadFile(n.cfg.IndexHeadPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read index head: %w", err)
	}

	var id interfaces.ContentID
	if err := id.UnmarshalText(head); err != nil {
		return fmt.Errorf("invalid index head: %w", err)
	}

	snapshot, err := n.backend.Fetch(ctx, id, interfaces.IndexType)
	if err != nil {
		return fmt.Errorf("could not fetch index snapshot %s: %w", id, err)
	}
	if err := json.Unmarshal(snapshot, &n.index); err != nil {
		return fmt.Errorf("invalid index snapshot %s: %w", id, err)
	}

	n.log.Info("Restored fragment index", slog.Int("fragments", len(n.index)))
	return nil
}

// saveIndexLocked writes a new snapshot and then moves the head file to it.
func (n *Node) saveIndexLocked(ctx context.Context) error {
	if n.cfg.IndexHeadPath == "" {
		return nil
	}

	snapshot, err := json.Marshal(n.index)
	if err != nil {
		return err
	}
	id, err := n.backend.Store(ctx, snapshot, interfaces.IndexType)
	if err != nil {
		return err
	}

	var previous interfaces.ContentID
	if head, err := os.ReadFile(n.cfg.IndexHeadPath); err == nil {
		_ = previous.UnmarshalText(head)
	}

	tmp := n.cfg.IndexHeadPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Clean(n.cfg.IndexHeadPath)); err != nil {
		return err
	}

	if !previous.IsZero() && previous != id {
		_ = n.backend.Delete(ctx, previous, interfaces.IndexType)
	}
	return nil
}
