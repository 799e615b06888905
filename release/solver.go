package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/timelock"
)

type SolverState string

const (
	SolverRunning   SolverState = "running"
	SolverSolved    SolverState = "solved"
	SolverCancelled SolverState = "cancelled"
	SolverFailed    SolverState = "failed"
)

// SolverProgress is a point-in-time view of a solver job.
type SolverProgress struct {
	State     SolverState        `json:"state"`
	Done      uint64             `json:"done"`
	Total     uint64             `json:"total"`
	StartedAt time.Time          `json:"started_at"`
	Solution  *timelock.Solution `json:"solution,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// SolverJob is a server-side background solve of a puzzle capsule.
type SolverJob struct {
	unitID    interfaces.ReleaseUnitID
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	progressDone  atomic.Uint64
	progressTotal atomic.Uint64
	state         atomic.String
	solution      atomic.Pointer[timelock.Solution]
	err           atomic.Error
}

func (j *SolverJob) Progress() SolverProgress {
	p := SolverProgress{
		State:     SolverState(j.state.Load()),
		Done:      j.progressDone.Load(),
		Total:     j.progressTotal.Load(),
		StartedAt: j.startedAt,
		Solution:  j.solution.Load(),
	}
	if err := j.err.Load(); err != nil {
		p.Error = err.Error()
	}
	return p
}

// Done is closed once the job stopped, whatever the outcome.
func (j *SolverJob) Done() <-chan struct{} {
	return j.done
}

// BeginSolving marks a capsule as being worked on by a client.
func (s *Service) BeginSolving(ctx context.Context, id interfaces.ReleaseUnitID, actor string) (*interfaces.ReleaseUnit, error) {
	unit, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, unit, interfaces.StatusLocked, interfaces.StatusSolving, actor, "solving started")
}

// AbandonSolving returns a capsule to LOCKED and stops a server-side solver if any.
func (s *Service) AbandonSolving(ctx context.Context, id interfaces.ReleaseUnitID, actor string) (*interfaces.ReleaseUnit, error) {
	if job := s.job(id); job != nil {
		job.cancel()
		<-job.done
		// A job stopped mid-way already moved the capsule back itself.
		if job.Progress().State != SolverSolved {
			return s.store.Get(ctx, id)
		}
		s.removeJob(id)
	}

	unit, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, unit, interfaces.StatusSolving, interfaces.StatusLocked, actor, "solving abandoned")
}

// StartSolver solves a puzzle capsule in the background. Progress is
// available through SolverProgress; once solved, the solution opens the
// capsule through AttemptCollection.
func (s *Service) StartSolver(ctx context.Context, id interfaces.ReleaseUnitID, actor string) (*SolverJob, error) {
	unit, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	g, ok := unit.Gate.(interfaces.PuzzleGate)
	if !ok {
		return nil, &interfaces.GateNotOpenError{Reason: interfaces.ReasonWrongPath}
	}

	s.jobsMu.Lock()
	if existing, ok := s.jobs[id]; ok {
		s.jobsMu.Unlock()
		return existing, nil
	}
	s.jobsMu.Unlock()

	if _, err := s.transition(ctx, unit, interfaces.StatusLocked, interfaces.StatusSolving, actor, "server solver started"); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &SolverJob{
		unitID:    id,
		startedAt: s.now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	job.state.Store(string(SolverRunning))

	s.jobsMu.Lock()
	if existing, ok := s.jobs[id]; ok {
		s.jobsMu.Unlock()
		cancel()
		return existing, nil
	}
	s.jobs[id] = job
	s.jobsMu.Unlock()

	s.metrics.SolverStarted()
	s.jobsWg.Add(1)
	go s.runSolver(jobCtx, job, g.Puzzle, actor)
	return job, nil
}

func (s *Service) runSolver(ctx context.Context, job *SolverJob, puzzle *timelock.Puzzle, actor string) {
	defer s.jobsWg.Done()
	defer close(job.done)
	defer s.metrics.SolverFinished()
	defer job.cancel()

	log := s.log.With(slog.String("unit", string(job.unitID)))
	log.Info("Solver started", slog.Uint64("iterations", puzzle.Iterations))

	solution, err := timelock.Solve(ctx, puzzle, timelock.SolveOptions{
		Progress: func(done, total uint64) {
			job.progressDone.Store(done)
			job.progressTotal.Store(total)
		},
	})
	if err == nil {
		job.solution.Store(solution)
		job.state.Store(string(SolverSolved))
		log.Info("Solver finished", slog.Duration("elapsed", solution.Elapsed))
		return
	}

	if errors.Is(err, timelock.ErrCancelled) {
		job.state.Store(string(SolverCancelled))
		job.err.Store(fmt.Errorf("%w: %w", interfaces.ErrPuzzleTimeout, err))
	} else {
		job.state.Store(string(SolverFailed))
		job.err.Store(err)
		log.Error("Solver failed", "err", err)
	}

	s.removeJob(job.unitID)

	// Cancellation leaves the capsule as it was before solving started.
	unit, getErr := s.store.Get(context.Background(), job.unitID)
	if getErr != nil {
		log.Error("Could not load unit after solver stopped", "err", getErr)
		return
	}
	if _, err := s.transition(context.Background(), unit, interfaces.StatusSolving, interfaces.StatusLocked, actor, "server solver stopped"); err != nil {
		log.Warn("Could not return capsule to LOCKED", "err", err)
	}
}

// SolverProgress returns the progress of the unit's server-side solver.
func (s *Service) SolverProgress(id interfaces.ReleaseUnitID) (SolverProgress, bool) {
	job := s.job(id)
	if job == nil {
		return SolverProgress{}, false
	}
	return job.Progress(), true
}

func (s *Service) job(id interfaces.ReleaseUnitID) *SolverJob {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.jobs[id]
}

func (s *Service) removeJob(id interfaces.ReleaseUnitID) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.jobs, id)
}

// finishJob forgets a solved job once its capsule has been opened.
func (s *Service) finishJob(id interfaces.ReleaseUnitID) {
	if job := s.job(id); job != nil {
		job.cancel()
		s.removeJob(id)
	}
}

// Close stops every solver job and waits for them.
func (s *Service) Close() {
	s.jobsMu.Lock()
	jobs := make([]*SolverJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.jobsMu.Unlock()

	for _, job := range jobs {
		job.cancel()
	}
	s.jobsWg.Wait()
}
