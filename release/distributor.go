package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/metrics"
)

// maxParallelPushes bounds concurrent custodian requests of one distribution round.
const maxParallelPushes = 16

// Distributor places dead drop fragments on custodian nodes.
type Distributor struct {
	registry interfaces.NodeRegistry
	client   interfaces.CustodianClient
	store    interfaces.ReleaseStore
	cfg      *Config
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewDistributor(registry interfaces.NodeRegistry, client interfaces.CustodianClient, store interfaces.ReleaseStore, cfg *Config, m *metrics.Metrics, log *slog.Logger) *Distributor {
	return &Distributor{
		registry: registry,
		client:   client,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Candidates returns the online custodians with free capacity, best first:
// higher trust, then closer to target when both locations are known, then
// more remaining capacity.
func (d *Distributor) Candidates(ctx context.Context, target *geo.Reading) ([]interfaces.CustodianNode, error) {
	nodes, err := d.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list custodians: %w", err)
	}

	candidates := make([]interfaces.CustodianNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == interfaces.NodeOnline && n.RemainingCapacity() > 0 {
			candidates = append(candidates, n)
		}
	}

	distance := func(n interfaces.CustodianNode) float64 {
		if target == nil || n.Location == nil {
			return math.Inf(1)
		}
		return target.Distance(n.Location.Latitude, n.Location.Longitude)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		// Scores closer than a percent are treated as equal.
		if ta, tb := math.Round(a.TrustScore*100), math.Round(b.TrustScore*100); ta != tb {
			return ta > tb
		}
		if da, db := distance(a), distance(b); da != db {
			return da < db
		}
		if ra, rb := a.RemainingCapacity(), b.RemainingCapacity(); ra != rb {
			return ra > rb
		}
		return a.ID < b.ID
	})
	return candidates, nil
}

type pushResult struct {
	fragment   interfaces.Fragment
	node       interfaces.CustodianNode
	assignment interfaces.CustodianAssignment
	err        error
}

// Distribute stores one fragment on each of len(fragments) distinct
// custodians and records the assignments. Custodians that fail are replaced
// by the next candidate. If not every fragment could be placed, fragments
// already pushed are removed again and ErrDistributionIncomplete is returned.
func (d *Distributor) Distribute(ctx context.Context, unit *interfaces.ReleaseUnit, fragments []interfaces.Fragment) ([]interfaces.CustodianAssignment, error) {
	var target *geo.Reading
	if g, ok := unit.Gate.(interfaces.ProximityGate); ok {
		target = &geo.Reading{Latitude: g.Latitude, Longitude: g.Longitude}
	}

	candidates, err := d.Candidates(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(candidates) < len(fragments) {
		return nil, fmt.Errorf("%w: %d custodians available for %d fragments", interfaces.ErrDistributionIncomplete, len(candidates), len(fragments))
	}

	pending := append([]interfaces.Fragment(nil), fragments...)
	placed := make([]pushResult, 0, len(fragments))
	next := 0

	for len(pending) > 0 && next < len(candidates) {
		round := make([]pushResult, 0, len(pending))
		for _, f := range pending {
			if next >= len(candidates) {
				break
			}
			round = append(round, pushResult{fragment: f, node: candidates[next]})
			next++
		}

		d.pushRound(ctx, round)

		var failed []interfaces.Fragment
		for _, r := range round {
			if r.err != nil {
				failed = append(failed, r.fragment)
				continue
			}
			placed = append(placed, r)
		}
		// Fragments that found no candidate this round stay pending too.
		failed = append(failed, pending[len(round):]...)
		pending = failed
	}

	if len(pending) > 0 {
		d.log.Warn("Fragment distribution incomplete",
			slog.String("unit", string(unit.ID)),
			slog.Int("placed", len(placed)),
			slog.Int("required", len(fragments)))
		d.rollback(ctx, unit.ID, placed)
		return nil, fmt.Errorf("%w: placed %d of %d fragments", interfaces.ErrDistributionIncomplete, len(placed), len(fragments))
	}

	assignments := make([]interfaces.CustodianAssignment, 0, len(placed))
	for _, r := range placed {
		assignments = append(assignments, r.assignment)
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].ShareIndex < assignments[j].ShareIndex })

	if err := d.store.SaveAssignments(ctx, unit.ID, assignments); err != nil {
		d.rollback(ctx, unit.ID, placed)
		return nil, fmt.Errorf("could not record assignments: %w", err)
	}

	d.log.Info("Distributed fragments",
		slog.String("unit", string(unit.ID)),
		slog.Int("custodians", len(assignments)))
	return assignments, nil
}

// pushRound reserves capacity and pushes every fragment of the round in
// parallel. Results are written into round in place.
func (d *Distributor) pushRound(ctx context.Context, round []pushResult) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DistributionTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(maxParallelPushes)
	for i := range round {
		r := &round[i]
		g.Go(func() error {
			r.err = d.push(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Distributor) push(ctx context.Context, r *pushResult) error {
	if err := d.registry.ReserveCapacity(ctx, r.node.ID); err != nil {
		d.log.Debug("Custodian has no capacity", slog.String("custodian", string(r.node.ID)), "err", err)
		return err
	}

	contentID, err := d.client.StoreFragment(ctx, r.node, r.fragment)
	d.metrics.IncFragmentPush(err == nil)
	if err != nil {
		d.log.Warn("Could not push fragment",
			slog.String("custodian", string(r.node.ID)),
			slog.Int("index", r.fragment.Index),
			"err", err)
		d.releaseCapacity(ctx, r.node.ID)
		d.adjustTrust(ctx, r.node.ID, -d.cfg.TrustPenalty)
		return err
	}

	now := d.now().UTC()
	r.assignment = interfaces.CustodianAssignment{
		ReleaseUnitID: r.fragment.ReleaseUnitID,
		CustodianID:   r.node.ID,
		ShareIndex:    r.fragment.Index,
		ContentID:     contentID,
		StoredAt:      now,
		LastSeen:      now,
	}
	if err := d.registry.RecordSeen(ctx, r.node.ID, now); err != nil {
		d.log.Debug("Could not record custodian as seen", "err", err)
	}
	return nil
}

// Purge asks every assigned custodian to drop its fragment and frees their
// capacity. Failures are logged and skipped.
func (d *Distributor) Purge(ctx context.Context, id interfaces.ReleaseUnitID) {
	assignments, err := d.store.Assignments(ctx, id)
	if err != nil {
		d.log.Warn("Could not load assignments for purge", slog.String("unit", string(id)), "err", err)
		return
	}

	nodes := make([]pushResult, 0, len(assignments))
	for _, a := range assignments {
		node, err := d.registry.Get(ctx, a.CustodianID)
		if err != nil {
			d.log.Debug("Assigned custodian unknown", slog.String("custodian", string(a.CustodianID)), "err", err)
			continue
		}
		nodes = append(nodes, pushResult{node: node})
	}
	d.rollback(ctx, id, nodes)
}

func (d *Distributor) rollback(ctx context.Context, id interfaces.ReleaseUnitID, placed []pushResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DistributionTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, r := range placed {
		wg.Add(1)
		go func(node interfaces.CustodianNode) {
			defer wg.Done()
			if err := d.client.DeleteFragment(ctx, node, id); err != nil && !errors.Is(err, interfaces.ErrFragmentNotFound) {
				d.log.Warn("Could not delete fragment",
					slog.String("unit", string(id)),
					slog.String("custodian", string(node.ID)),
					"err", err)
				return
			}
			d.releaseCapacity(ctx, node.ID)
		}(r.node)
	}
	wg.Wait()
}

func (d *Distributor) releaseCapacity(ctx context.Context, id interfaces.CustodianID) {
	if err := d.registry.ReleaseCapacity(ctx, id); err != nil {
		d.log.Debug("Could not release custodian capacity", slog.String("custodian", string(id)), "err", err)
	}
}

func (d *Distributor) adjustTrust(ctx context.Context, id interfaces.CustodianID, delta float64) {
	if delta == 0 {
		return
	}
	if err := d.registry.AdjustTrust(ctx, id, delta); err != nil {
		d.log.Debug("Could not adjust custodian trust", slog.String("custodian", string(id)), "err", err)
	}
}
