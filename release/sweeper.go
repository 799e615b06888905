package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/gated-release/interfaces"
)

const sweeperActor = "sweeper"

// ExpireOverdue moves every ACTIVE dead drop past its expiry to EXPIRED and
// purges its fragments. It returns the number of units expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	expired := 0

	// Units are listed oldest first and long-lived ones stay ACTIVE, so the
	// window grows until a page comes back short.
	seen := make(map[interfaces.ReleaseUnitID]struct{})
	limit := s.cfg.SweepBatchSize
	for {
		units, err := s.store.ListByStatus(ctx, interfaces.StatusActive, limit)
		if err != nil {
			return expired, fmt.Errorf("could not list active units: %w", err)
		}

		for _, unit := range units {
			if _, ok := seen[unit.ID]; ok {
				continue
			}
			seen[unit.ID] = struct{}{}
			if !unit.Expired(now) {
				continue
			}

			_, err := s.transition(ctx, unit, interfaces.StatusActive, interfaces.StatusExpired, sweeperActor, "ttl elapsed")
			if err != nil {
				if errors.Is(err, interfaces.ErrAlreadyCollected) || errors.Is(err, interfaces.ErrAlreadyTerminal) || errors.Is(err, interfaces.ErrStatusConflict) {
					continue
				}
				return expired, err
			}
			s.distributor.Purge(ctx, unit.ID)
			expired++
		}

		if len(units) < limit {
			break
		}
		limit += s.cfg.SweepBatchSize
	}

	s.metrics.AddExpired(expired)
	return expired, nil
}

// RunSweeper calls ExpireOverdue every SweepInterval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireOverdue(ctx)
			if err != nil {
				s.log.Error("Expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("Expired overdue dead drops", slog.Int("count", n))
			}
		}
	}
}
