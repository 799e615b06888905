package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/gate"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/metrics"
	"github.com/ruteri/gated-release/shamir"
	"github.com/ruteri/gated-release/timelock"
)

// CollectorContext carries what the collector's device observed. The
// coordinator never talks to GPS or radio hardware itself.
type CollectorContext struct {
	CollectorID string

	// Location is required for dead drops.
	Location *geo.Reading

	// Scanner runs one discovery window. It is only invoked after the
	// location check passed.
	Scanner interfaces.RadioScanner

	// Solution opens puzzle capsules.
	Solution *timelock.Solution
}

type CollectionResult struct {
	Secret  []byte
	Unit    *interfaces.ReleaseUnit
	Attempt *interfaces.CollectionAttempt
}

// Coordinator runs collection attempts for both gate paths.
type Coordinator struct {
	store       interfaces.ReleaseStore
	registry    interfaces.NodeRegistry
	client      interfaces.CustodianClient
	distributor *Distributor
	verifier    *timelock.Verifier
	scheme      *shamir.Scheme
	cfg         *Config
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
}

func NewCoordinator(store interfaces.ReleaseStore, registry interfaces.NodeRegistry, client interfaces.CustodianClient, distributor *Distributor, verifier *timelock.Verifier, scheme *shamir.Scheme, cfg *Config, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		registry:    registry,
		client:      client,
		distributor: distributor,
		verifier:    verifier,
		scheme:      scheme,
		cfg:         cfg,
		metrics:     m,
		log:         log,
		now:         time.Now,
	}
}

// Collect runs one attempt against the unit and returns the secret on success.
func (c *Coordinator) Collect(ctx context.Context, id interfaces.ReleaseUnitID, cc CollectorContext) (*CollectionResult, error) {
	unit, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	attempt := &interfaces.CollectionAttempt{
		ReleaseUnitID: id,
		CollectorID:   cc.CollectorID,
		Gathered:      make(map[int]interfaces.Fragment),
		StartedAt:     c.now().UTC(),
	}

	var secret []byte
	switch unit.Kind {
	case interfaces.KindDeadDrop:
		secret, unit, err = c.collectDeadDrop(ctx, unit, cc, attempt)
	case interfaces.KindCapsule:
		secret, unit, err = c.collectCapsule(ctx, unit, cc, attempt)
	default:
		err = fmt.Errorf("%w: unknown release unit kind", interfaces.ErrInvalidGate)
	}

	attempt.Outcome = outcomeFor(err)
	c.metrics.ObserveCollection(unit.Kind.String(), attempt.Outcome.String(), time.Since(attempt.StartedAt))
	c.log.Info("Collection attempt finished",
		slog.String("unit", string(id)),
		slog.String("collector", cc.CollectorID),
		slog.String("outcome", attempt.Outcome.String()),
		slog.Int("gathered", len(attempt.Gathered)))

	if err != nil {
		return nil, err
	}
	return &CollectionResult{Secret: secret, Unit: unit, Attempt: attempt}, nil
}

// terminalError maps a unit that can no longer be collected to its error.
func terminalError(unit *interfaces.ReleaseUnit) error {
	if gate.IsSuccess(unit.Kind, unit.Status) {
		return interfaces.ErrAlreadyCollected
	}
	return fmt.Errorf("%w: %s", interfaces.ErrAlreadyTerminal, unit.Status)
}

func (c *Coordinator) collectDeadDrop(ctx context.Context, unit *interfaces.ReleaseUnit, cc CollectorContext, attempt *interfaces.CollectionAttempt) ([]byte, *interfaces.ReleaseUnit, error) {
	g, ok := unit.Gate.(interfaces.ProximityGate)
	if !ok {
		return nil, unit, fmt.Errorf("%w: dead drop without proximity gate", interfaces.ErrInvalidGate)
	}

	if gate.IsTerminal(unit.Kind, unit.Status) {
		return nil, unit, terminalError(unit)
	}
	if unit.Status != interfaces.StatusActive {
		return nil, unit, &interfaces.GateNotOpenError{Reason: interfaces.ReasonNotActive}
	}
	if unit.Expired(c.now()) {
		expired, err := c.expire(ctx, unit, cc.CollectorID)
		if err != nil {
			return nil, unit, err
		}
		return nil, expired, fmt.Errorf("%w: %s", interfaces.ErrAlreadyTerminal, interfaces.StatusExpired)
	}

	// Location first: a collector out of range never triggers a radio scan.
	if cc.Location == nil {
		return nil, unit, &interfaces.GateNotOpenError{Reason: interfaces.ReasonLocationInaccurate}
	}
	if _, err := gate.CheckLocation(g, *cc.Location, c.cfg.MaxLocationAccuracy); err != nil {
		return nil, unit, err
	}

	if cc.Scanner == nil {
		return nil, unit, &interfaces.GateNotOpenError{Reason: interfaces.ReasonTooFewPeers, PeersRequired: g.RequiredRadioPeers}
	}
	scan, err := cc.Scanner.Scan(ctx)
	if err != nil {
		c.log.Warn("Radio scan failed", slog.String("unit", string(unit.ID)), "err", err)
		return nil, unit, c.insufficient(ctx, unit, cc, 0)
	}

	assignments, err := c.store.Assignments(ctx, unit.ID)
	if err != nil {
		return nil, unit, fmt.Errorf("could not load assignments: %w", err)
	}
	inRange, err := gate.CheckPeers(g, scan, assignments)
	if err != nil {
		return nil, unit, err
	}

	if err := c.gather(ctx, unit, inRange, attempt); err != nil {
		return nil, unit, err
	}
	if len(attempt.Gathered) < unit.Policy.K {
		return nil, unit, c.insufficient(ctx, unit, cc, len(attempt.Gathered))
	}

	fragments := make([]interfaces.Fragment, 0, len(attempt.Gathered))
	for _, f := range attempt.Gathered {
		fragments = append(fragments, f)
	}
	sort.Slice(fragments, func(i, j int) bool { return fragments[i].Index < fragments[j].Index })

	secret, rejected, err := c.scheme.ReconstructTolerant(fragments, unit.Policy.K, unit.Metadata)
	if err != nil {
		return nil, unit, err
	}
	c.penalizeInconsistent(ctx, unit, inRange, rejected)

	collected, err := c.transition(ctx, unit, interfaces.StatusActive, interfaces.StatusCollected, cc.CollectorID, "collected")
	if err != nil {
		cryptoutils.Wipe(secret)
		return nil, unit, err
	}

	c.distributor.Purge(ctx, unit.ID)
	return secret, collected, nil
}

// insufficient reports a failed gather. Once the unit is past its expiry the
// failure is final and the unit moves to EXPIRED.
func (c *Coordinator) insufficient(ctx context.Context, unit *interfaces.ReleaseUnit, cc CollectorContext, gathered int) error {
	// A concurrent attempt that won purges the fragments; report the lost
	// race rather than a shortage.
	if current, err := c.store.Get(ctx, unit.ID); err == nil && gate.IsTerminal(current.Kind, current.Status) {
		return terminalError(current)
	}
	if unit.Expired(c.now()) {
		if _, err := c.expire(ctx, unit, cc.CollectorID); err != nil && !errors.Is(err, interfaces.ErrAlreadyTerminal) {
			return err
		}
		return &interfaces.InsufficientSharesError{Gathered: gathered, Required: unit.Policy.K, Retryable: false}
	}
	return &interfaces.InsufficientSharesError{Gathered: gathered, Required: unit.Policy.K, Retryable: true}
}

// gather fetches fragments from the custodians in range.
// Custodians that fail or return an invalid fragment are skipped.
func (c *Coordinator) gather(ctx context.Context, unit *interfaces.ReleaseUnit, inRange []interfaces.CustodianAssignment, attempt *interfaces.CollectionAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CollectionTimeout)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxParallelPushes)
	for _, a := range inRange {
		g.Go(func() error {
			f, err := c.fetch(ctx, unit, a)
			c.metrics.IncFragmentFetch(err == nil)
			if err != nil {
				c.log.Debug("Custodian excluded from attempt",
					slog.String("unit", string(unit.ID)),
					slog.String("custodian", string(a.CustodianID)),
					"err", err)
				return nil
			}
			mu.Lock()
			attempt.Gathered[f.Index] = *f
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// penalizeInconsistent lowers the trust of custodians whose fragment did not
// fit the verified secret.
func (c *Coordinator) penalizeInconsistent(ctx context.Context, unit *interfaces.ReleaseUnit, inRange []interfaces.CustodianAssignment, rejected []int) {
	for _, index := range rejected {
		for _, a := range inRange {
			if a.ShareIndex != index {
				continue
			}
			c.log.Warn("Custodian returned an inconsistent fragment",
				slog.String("unit", string(unit.ID)),
				slog.String("custodian", string(a.CustodianID)),
				slog.Int("index", index))
			c.adjustTrust(ctx, a.CustodianID, -c.cfg.TrustPenalty)
		}
	}
}

func (c *Coordinator) fetch(ctx context.Context, unit *interfaces.ReleaseUnit, a interfaces.CustodianAssignment) (*interfaces.Fragment, error) {
	node, err := c.registry.Get(ctx, a.CustodianID)
	if err != nil {
		return nil, err
	}

	f, err := c.client.FetchFragment(ctx, node, unit.ID)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.adjustTrust(ctx, a.CustodianID, -c.cfg.TrustPenalty)
		}
		return nil, err
	}
	if f.ReleaseUnitID != unit.ID || f.Index != a.ShareIndex {
		c.adjustTrust(ctx, a.CustodianID, -c.cfg.TrustPenalty)
		return nil, fmt.Errorf("%w: custodian returned fragment %s/%d, expected %s/%d",
			interfaces.ErrInvalidShareSet, f.ReleaseUnitID, f.Index, unit.ID, a.ShareIndex)
	}

	now := c.now().UTC()
	if err := c.store.TouchAssignment(ctx, unit.ID, a.CustodianID, now); err != nil {
		c.log.Debug("Could not touch assignment", "err", err)
	}
	if err := c.registry.RecordSeen(ctx, a.CustodianID, now); err != nil {
		c.log.Debug("Could not record custodian as seen", "err", err)
	}
	c.adjustTrust(ctx, a.CustodianID, c.cfg.TrustReward)
	return f, nil
}

func (c *Coordinator) adjustTrust(ctx context.Context, id interfaces.CustodianID, delta float64) {
	if delta == 0 {
		return
	}
	if err := c.registry.AdjustTrust(ctx, id, delta); err != nil {
		c.log.Debug("Could not adjust custodian trust", slog.String("custodian", string(id)), "err", err)
	}
}

func (c *Coordinator) collectCapsule(ctx context.Context, unit *interfaces.ReleaseUnit, cc CollectorContext, attempt *interfaces.CollectionAttempt) ([]byte, *interfaces.ReleaseUnit, error) {
	if gate.IsTerminal(unit.Kind, unit.Status) {
		return nil, unit, terminalError(unit)
	}

	key, err := c.capsuleKey(ctx, unit, cc)
	if err != nil {
		return nil, unit, err
	}
	bundle, err := cryptoutils.Open(key, unit.Sealed, []byte(unit.ID))
	cryptoutils.Wipe(key)
	if err != nil {
		return nil, unit, fmt.Errorf("%w: capsule does not open: %w", interfaces.ErrReconstructionMismatch, err)
	}
	fragments, err := shamir.DecodeBundle(bundle)
	cryptoutils.Wipe(bundle)
	if err != nil {
		return nil, unit, err
	}
	for _, f := range fragments {
		attempt.Gathered[f.Index] = f
	}

	secret, err := c.scheme.Reconstruct(fragments, unit.Metadata)
	if err != nil {
		return nil, unit, err
	}

	var claimed bool
	if unit.Status == interfaces.StatusLocked {
		solving, err := c.transition(ctx, unit, interfaces.StatusLocked, interfaces.StatusSolving, cc.CollectorID, "solution submitted")
		switch {
		case err == nil:
			unit = solving
			claimed = true
		case errors.Is(err, interfaces.ErrStatusConflict) && solving != nil && solving.Status == interfaces.StatusSolving:
			unit = solving
		default:
			cryptoutils.Wipe(secret)
			return nil, unit, err
		}
	}

	unlocked, err := c.transition(ctx, unit, interfaces.StatusSolving, interfaces.StatusUnlocked, cc.CollectorID, "unlocked")
	if err != nil {
		cryptoutils.Wipe(secret)
		if claimed && !isStatusOutcome(err) {
			// Nothing else would move the capsule out of the SOLVING state
			// this attempt put it in.
			if _, rbErr := c.transition(context.WithoutCancel(ctx), unit, interfaces.StatusSolving, interfaces.StatusLocked, cc.CollectorID, "unlock failed"); rbErr != nil {
				c.log.Error("Could not return capsule to LOCKED", slog.String("unit", string(unit.ID)), "err", rbErr)
			}
		}
		return nil, unit, err
	}
	return secret, unlocked, nil
}

// capsuleKey derives the bundle key once the capsule's gate is open.
func (c *Coordinator) capsuleKey(ctx context.Context, unit *interfaces.ReleaseUnit, cc CollectorContext) ([]byte, error) {
	switch g := unit.Gate.(type) {
	case interfaces.TimeGate:
		if err := gate.CheckTime(g, c.now()); err != nil {
			return nil, err
		}
		return timeCapsuleKey(c.cfg.SealingKey, unit.ID)
	case interfaces.PuzzleGate:
		if cc.Solution == nil {
			return nil, &interfaces.GateNotOpenError{Reason: interfaces.ReasonPuzzleUnsolved}
		}
		ok, err := c.verifier.Verify(ctx, g.Puzzle, cc.Solution)
		if err != nil {
			if errors.Is(err, timelock.ErrCancelled) {
				return nil, fmt.Errorf("%w: %w", interfaces.ErrPuzzleTimeout, err)
			}
			return nil, fmt.Errorf("%w: %w", &interfaces.GateNotOpenError{Reason: interfaces.ReasonPuzzleUnsolved}, err)
		}
		if !ok {
			return nil, &interfaces.GateNotOpenError{Reason: interfaces.ReasonPuzzleUnsolved}
		}
		return puzzleCapsuleKey(cc.Solution.Output, unit.ID)
	default:
		return nil, &interfaces.GateNotOpenError{Reason: interfaces.ReasonWrongPath}
	}
}

// transition moves the unit with a status CAS and records the audit event.
// On conflict it returns the current unit with the mapped error.
func (c *Coordinator) transition(ctx context.Context, unit *interfaces.ReleaseUnit, from, to interfaces.Status, actor, reason string) (*interfaces.ReleaseUnit, error) {
	return transition(ctx, c.store, c.metrics, c.log, unit, from, to, actor, reason, c.now())
}

func (c *Coordinator) expire(ctx context.Context, unit *interfaces.ReleaseUnit, actor string) (*interfaces.ReleaseUnit, error) {
	expired, err := c.transition(ctx, unit, interfaces.StatusActive, interfaces.StatusExpired, actor, "ttl elapsed")
	if err != nil {
		return expired, err
	}
	c.distributor.Purge(ctx, unit.ID)
	return expired, nil
}

// isStatusOutcome reports whether err is the result of the status CAS
// observing another state, as opposed to the store failing.
func isStatusOutcome(err error) bool {
	return errors.Is(err, interfaces.ErrStatusConflict) ||
		errors.Is(err, interfaces.ErrAlreadyCollected) ||
		errors.Is(err, interfaces.ErrAlreadyTerminal) ||
		errors.Is(err, interfaces.ErrInvalidTransition)
}

func outcomeFor(err error) interfaces.CollectionOutcome {
	switch {
	case err == nil:
		return interfaces.OutcomeReleased
	case errors.Is(err, interfaces.ErrAlreadyCollected):
		return interfaces.OutcomeLostRace
	case errors.Is(err, interfaces.ErrGateNotOpen):
		return interfaces.OutcomeGateClosed
	case errors.Is(err, interfaces.ErrInsufficientShares):
		return interfaces.OutcomeInsufficient
	case errors.Is(err, interfaces.ErrReconstructionMismatch):
		return interfaces.OutcomeMismatch
	case errors.Is(err, interfaces.ErrAlreadyTerminal):
		return interfaces.OutcomeExpired
	default:
		return interfaces.OutcomePending
	}
}
