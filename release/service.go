package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/gate"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/metrics"
	"github.com/ruteri/gated-release/shamir"
	"github.com/ruteri/gated-release/timelock"
)

// ErrSecretTooLarge rejects secrets above Config.MaxSecretSize.
var ErrSecretTooLarge = errors.New("secret too large")

// CreateRequest describes a new release unit. Gate is a TimeGate, a
// ProximityGate or an empty PuzzleGate; for the latter the service generates
// a puzzle of PuzzleDifficulty.
type CreateRequest struct {
	OwnerID          string
	Secret           []byte
	Policy           interfaces.SplitPolicy
	Gate             interfaces.Gate
	PuzzleDifficulty time.Duration

	// TTL applies to dead drops. Zero uses the configured default.
	TTL time.Duration
}

type CreateResult struct {
	Unit *interfaces.ReleaseUnit

	// Puzzle is set for puzzle capsules. Solving it opens the capsule.
	Puzzle *timelock.Puzzle

	// UnlockAt is set for unlock-time capsules.
	UnlockAt time.Time

	// DistributionErr is set when a dead drop could not be placed on enough
	// custodians. The unit stays PENDING until RetryDistribution succeeds.
	DistributionErr error
}

type StatusReport struct {
	ID     interfaces.ReleaseUnitID `json:"id"`
	Kind   interfaces.Kind          `json:"kind"`
	Status interfaces.Status        `json:"status"`

	// TimeRemaining counts down to the unlock time, or estimates the
	// remaining squaring work of a puzzle capsule.
	TimeRemaining *time.Duration `json:"time_remaining,omitempty"`

	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	BearingDegrees *float64 `json:"bearing_degrees,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Solver *SolverProgress `json:"solver,omitempty"`
}

// Service is the release API. It holds no process-wide state; tests run as
// many independent instances as they like.
type Service struct {
	store       interfaces.ReleaseStore
	registry    interfaces.NodeRegistry
	distributor *Distributor
	coordinator *Coordinator
	generator   *timelock.Generator
	scheme      *shamir.Scheme
	cfg         Config
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time

	jobsMu sync.Mutex
	jobs   map[interfaces.ReleaseUnitID]*SolverJob
	jobsWg sync.WaitGroup
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithScheme(scheme *shamir.Scheme) Option {
	return func(s *Service) { s.scheme = scheme }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store interfaces.ReleaseStore, registry interfaces.NodeRegistry, client interfaces.CustodianClient, cfg Config, log *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid release config: %w", err)
	}

	verifier, err := timelock.NewVerifier(cfg.VerifierCacheSize, cfg.AllowReexecution, cfg.ReexecutionBudget)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:    store,
		registry: registry,
		generator: timelock.NewGenerator(
			timelock.WithModulusBits(cfg.ModulusBits),
			timelock.WithSquaringsPerSecond(cfg.SquaringsPerSecond),
		),
		scheme: shamir.Default(),
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		jobs:   make(map[interfaces.ReleaseUnitID]*SolverJob),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.distributor = NewDistributor(registry, client, store, &s.cfg, s.metrics, log)
	s.distributor.now = s.now
	s.coordinator = NewCoordinator(store, registry, client, s.distributor, verifier, s.scheme, &s.cfg, s.metrics, log)
	s.coordinator.now = s.now
	return s, nil
}

// Create splits the secret and either seals every fragment into a capsule or
// distributes them to custodians. The secret itself is never stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if len(req.Secret) == 0 {
		return nil, shamir.ErrEmptySecret
	}
	if len(req.Secret) > s.cfg.MaxSecretSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSecretTooLarge, len(req.Secret), s.cfg.MaxSecretSize)
	}
	if err := req.Policy.Validate(); err != nil {
		return nil, err
	}
	if req.Gate == nil {
		return nil, fmt.Errorf("%w: gate not set", interfaces.ErrInvalidGate)
	}

	now := s.now().UTC()
	kind := interfaces.KindFor(req.Gate)
	unit := &interfaces.ReleaseUnit{
		ID:        interfaces.NewReleaseUnitID(),
		OwnerID:   req.OwnerID,
		Kind:      kind,
		Policy:    req.Policy,
		Gate:      req.Gate,
		Status:    gate.InitialStatus(kind),
		CreatedAt: now,
		UpdatedAt: now,
	}

	meta, err := shamir.NewMetadata(req.Secret)
	if err != nil {
		return nil, err
	}
	unit.Metadata = meta

	fragments, err := s.scheme.Split(unit.ID, req.Secret, req.Policy)
	if err != nil {
		return nil, err
	}

	switch kind {
	case interfaces.KindCapsule:
		return s.createCapsule(ctx, unit, req, fragments)
	case interfaces.KindDeadDrop:
		return s.createDeadDrop(ctx, unit, req, fragments)
	default:
		return nil, fmt.Errorf("%w: unsupported gate %T", interfaces.ErrInvalidGate, req.Gate)
	}
}

func (s *Service) createCapsule(ctx context.Context, unit *interfaces.ReleaseUnit, req CreateRequest, fragments []interfaces.Fragment) (*CreateResult, error) {
	result := &CreateResult{Unit: unit}

	var key []byte
	switch g := req.Gate.(type) {
	case interfaces.TimeGate:
		if err := g.Validate(); err != nil {
			return nil, err
		}
		var err error
		if key, err = timeCapsuleKey(s.cfg.SealingKey, unit.ID); err != nil {
			return nil, err
		}
		result.UnlockAt = g.UnlockAt
	case interfaces.PuzzleGate:
		if g.Puzzle != nil {
			return nil, fmt.Errorf("%w: puzzles are generated by the service", interfaces.ErrInvalidGate)
		}
		if req.PuzzleDifficulty <= 0 || req.PuzzleDifficulty > s.cfg.MaxPuzzleDifficulty {
			return nil, fmt.Errorf("%w: puzzle difficulty must be in (0, %s]", interfaces.ErrInvalidGate, s.cfg.MaxPuzzleDifficulty)
		}

		puzzle, trapdoor, err := s.generator.Generate(req.PuzzleDifficulty)
		if err != nil {
			return nil, fmt.Errorf("could not generate puzzle: %w", err)
		}
		output := trapdoor.Evaluate(puzzle)
		trapdoor.Destroy()
		key, err = puzzleCapsuleKey(output, unit.ID)
		output.SetInt64(0)
		if err != nil {
			return nil, err
		}

		unit.Gate = interfaces.PuzzleGate{Puzzle: puzzle}
		result.Puzzle = puzzle
	}
	defer cryptoutils.Wipe(key)

	bundle, err := shamir.EncodeBundle(fragments)
	if err != nil {
		return nil, err
	}
	sealed, err := cryptoutils.Seal(key, bundle, []byte(unit.ID))
	cryptoutils.Wipe(bundle)
	if err != nil {
		return nil, fmt.Errorf("could not seal capsule: %w", err)
	}

	unit.SharesLocation = interfaces.SharesEmbedded
	unit.Sealed = sealed

	if err := s.persistNew(ctx, unit, req.OwnerID); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) createDeadDrop(ctx context.Context, unit *interfaces.ReleaseUnit, req CreateRequest, fragments []interfaces.Fragment) (*CreateResult, error) {
	if err := req.Gate.Validate(); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl", interfaces.ErrInvalidGate)
	}
	if ttl > 0 {
		unit.ExpiresAt = unit.CreatedAt.Add(ttl)
	}
	unit.SharesLocation = interfaces.SharesCustodians

	if err := s.persistNew(ctx, unit, req.OwnerID); err != nil {
		return nil, err
	}

	result := &CreateResult{Unit: unit}
	updated, err := s.distribute(ctx, unit, fragments, req.OwnerID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrDistributionIncomplete) {
			return nil, err
		}
		result.DistributionErr = err
		return result, nil
	}
	result.Unit = updated
	return result, nil
}

func (s *Service) persistNew(ctx context.Context, unit *interfaces.ReleaseUnit, actor string) error {
	if err := s.store.Create(ctx, unit); err != nil {
		return fmt.Errorf("could not store release unit: %w", err)
	}
	if err := s.store.AppendAudit(ctx, interfaces.AuditEvent{
		ReleaseUnitID: unit.ID,
		From:          interfaces.StatusUnknown,
		To:            unit.Status,
		Actor:         actor,
		Reason:        "created",
		At:            unit.CreatedAt,
	}); err != nil {
		s.log.Error("Could not append audit event", slog.String("unit", string(unit.ID)), "err", err)
	}

	gateType := "time"
	switch unit.Gate.(type) {
	case interfaces.PuzzleGate:
		gateType = "puzzle"
	case interfaces.ProximityGate:
		gateType = "proximity"
	}
	s.metrics.IncUnitCreated(unit.Kind.String(), gateType)
	s.log.Info("Release unit created",
		slog.String("unit", string(unit.ID)),
		slog.String("kind", unit.Kind.String()),
		slog.String("gate", gateType),
		slog.Int("k", unit.Policy.K),
		slog.Int("n", unit.Policy.N))
	return nil
}

// distribute pushes the fragments of a PENDING dead drop and advances it.
func (s *Service) distribute(ctx context.Context, unit *interfaces.ReleaseUnit, fragments []interfaces.Fragment, actor string) (*interfaces.ReleaseUnit, error) {
	if _, err := s.distributor.Distribute(ctx, unit, fragments); err != nil {
		return unit, err
	}

	updated, err := s.transition(ctx, unit, interfaces.StatusPending, interfaces.StatusDistributed, actor, "all custodians acknowledged")
	if err != nil {
		s.distributor.Purge(ctx, unit.ID)
		return unit, err
	}
	if !s.cfg.AutoActivate {
		return updated, nil
	}
	return s.transition(ctx, updated, interfaces.StatusDistributed, interfaces.StatusActive, actor, "activated")
}

// RetryDistribution re-splits the secret of a PENDING dead drop and places
// the new fragments. The owner supplies the secret again; it must match the
// checksum recorded at creation.
func (s *Service) RetryDistribution(ctx context.Context, id interfaces.ReleaseUnitID, ownerID string, secret []byte) (*interfaces.ReleaseUnit, error) {
	unit, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if unit.Kind != interfaces.KindDeadDrop || unit.Status != interfaces.StatusPending {
		return nil, fmt.Errorf("%w: %s %s cannot be redistributed", interfaces.ErrInvalidTransition, unit.Kind, unit.Status)
	}
	if err := shamir.Verify(secret, unit.Metadata); err != nil {
		return nil, err
	}

	s.distributor.Purge(ctx, unit.ID)

	fragments, err := s.scheme.Split(unit.ID, secret, unit.Policy)
	if err != nil {
		return nil, err
	}
	return s.distribute(ctx, unit, fragments, ownerID)
}

// Activate arms a distributed dead drop when AutoActivate is off.
func (s *Service) Activate(ctx context.Context, id interfaces.ReleaseUnitID, ownerID string) (*interfaces.ReleaseUnit, error) {
	unit, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, unit, interfaces.StatusDistributed, interfaces.StatusActive, ownerID, "activated")
}

// Cancel moves the unit to CANCELLED. Only the owner may cancel, and only
// from a cancellable status.
func (s *Service) Cancel(ctx context.Context, id interfaces.ReleaseUnitID, ownerID string) (interfaces.Status, error) {
	unit, err := s.owned(ctx, id, ownerID)
	if err != nil {
		return interfaces.StatusUnknown, err
	}

	// The status can move underneath us (DISTRIBUTED to ACTIVE); retry on a
	// conflict as long as the new status is still cancellable.
	for attempt := 0; attempt < 3; attempt++ {
		if !gate.Cancellable(unit.Kind, unit.Status) {
			return unit.Status, fmt.Errorf("%w: %s", interfaces.ErrAlreadyTerminal, unit.Status)
		}

		updated, err := s.transition(ctx, unit, unit.Status, interfaces.StatusCancelled, ownerID, "cancelled by owner")
		if err == nil {
			if unit.Kind == interfaces.KindDeadDrop {
				s.distributor.Purge(ctx, unit.ID)
			}
			return updated.Status, nil
		}
		if !errors.Is(err, interfaces.ErrStatusConflict) {
			if errors.Is(err, interfaces.ErrAlreadyCollected) {
				err = fmt.Errorf("%w: %s", interfaces.ErrAlreadyTerminal, updated.Status)
			}
			return updated.Status, err
		}
		unit = updated
	}
	return unit.Status, fmt.Errorf("%w: status keeps changing", interfaces.ErrStatusConflict)
}

// AttemptCollection runs one collection attempt.
func (s *Service) AttemptCollection(ctx context.Context, id interfaces.ReleaseUnitID, cc CollectorContext) (*CollectionResult, error) {
	result, err := s.coordinator.Collect(ctx, id, cc)
	if err != nil {
		return nil, err
	}

	if result.Unit.Kind == interfaces.KindCapsule {
		s.finishJob(id)
	}
	return result, nil
}

// Status reports the unit's state. With a reading, dead drops also report
// the distance and compass bearing to the target.
func (s *Service) Status(ctx context.Context, id interfaces.ReleaseUnitID, reading *geo.Reading) (*StatusReport, error) {
	unit, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{ID: unit.ID, Kind: unit.Kind, Status: unit.Status}
	if unit.HasExpiry() {
		expires := unit.ExpiresAt
		report.ExpiresAt = &expires
	}
	if gate.IsTerminal(unit.Kind, unit.Status) {
		return report, nil
	}

	now := s.now()
	switch g := unit.Gate.(type) {
	case interfaces.TimeGate:
		remaining := max(g.UnlockAt.Sub(now), 0)
		report.TimeRemaining = &remaining
	case interfaces.PuzzleGate:
		remaining := g.Puzzle.EstimatedDuration(s.cfg.SquaringsPerSecond)
		if job := s.job(id); job != nil {
			progress := job.Progress()
			report.Solver = &progress
			if progress.Total > 0 {
				left := float64(progress.Total-progress.Done) / float64(progress.Total)
				remaining = time.Duration(float64(remaining) * left)
			}
		}
		report.TimeRemaining = &remaining
	case interfaces.ProximityGate:
		if reading != nil {
			if err := reading.Validate(); err != nil {
				return nil, err
			}
			distance := reading.Distance(g.Latitude, g.Longitude)
			bearing := reading.Bearing(g.Latitude, g.Longitude)
			report.DistanceMeters = &distance
			report.BearingDegrees = &bearing
		}
	}
	return report, nil
}

func (s *Service) Get(ctx context.Context, id interfaces.ReleaseUnitID) (*interfaces.ReleaseUnit, error) {
	return s.store.Get(ctx, id)
}

// Audit returns the unit's status history, oldest first.
func (s *Service) Audit(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.AuditEvent, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Audit(ctx, id)
}

func (s *Service) Assignments(ctx context.Context, id interfaces.ReleaseUnitID, ownerID string) ([]interfaces.CustodianAssignment, error) {
	if _, err := s.owned(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return s.store.Assignments(ctx, id)
}

func (s *Service) owned(ctx context.Context, id interfaces.ReleaseUnitID, ownerID string) (*interfaces.ReleaseUnit, error) {
	unit, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if unit.OwnerID != ownerID {
		return nil, interfaces.ErrNotOwner
	}
	return unit, nil
}

func (s *Service) transition(ctx context.Context, unit *interfaces.ReleaseUnit, from, to interfaces.Status, actor, reason string) (*interfaces.ReleaseUnit, error) {
	return transition(ctx, s.store, s.metrics, s.log, unit, from, to, actor, reason, s.now())
}
