package custodian

import (
	"context"
	"sync"
	"time"

	"github.com/ruteri/gated-release/interfaces"
)

// StaticScanner reports a fixed set of peers after waiting out the window.
type StaticScanner struct {
	Window time.Duration

	mu    sync.Mutex
	peers []interfaces.DiscoveredPeer
	scans int
}

func NewStaticScanner(window time.Duration, peers ...interfaces.CustodianID) *StaticScanner {
	s := &StaticScanner{Window: window}
	s.SetPeers(peers...)
	return s
}

// SetPeers replaces the peers reported by later scans.
func (s *StaticScanner) SetPeers(peers ...interfaces.CustodianID) {
	discovered := make([]interfaces.DiscoveredPeer, 0, len(peers))
	for _, id := range peers {
		discovered = append(discovered, interfaces.DiscoveredPeer{CustodianID: id})
	}

	s.mu.Lock()
	s.peers = discovered
	s.mu.Unlock()
}

// Scans is the number of completed scans.
func (s *StaticScanner) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func (s *StaticScanner) Scan(ctx context.Context) (interfaces.RadioScan, error) {
	started := time.Now().UTC()
	if s.Window > 0 {
		timer := time.NewTimer(s.Window)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return interfaces.RadioScan{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++

	return interfaces.RadioScan{
		StartedAt: started,
		Window:    s.Window,
		Peers:     append([]interfaces.DiscoveredPeer(nil), s.peers...),
	}, nil
}
