package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/gate"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/metrics"
)

const (
	timeCapsuleInfo   = "gated-release capsule time v1"
	puzzleCapsuleInfo = "gated-release capsule puzzle v1"
)

func timeCapsuleKey(sealingKey []byte, id interfaces.ReleaseUnitID) ([]byte, error) {
	return cryptoutils.DeriveKey(sealingKey, []byte(id), timeCapsuleInfo)
}

func puzzleCapsuleKey(output *big.Int, id interfaces.ReleaseUnitID) ([]byte, error) {
	return cryptoutils.DeriveKey(output.Bytes(), []byte(id), puzzleCapsuleInfo)
}

// transition moves unit from one status to another through the store's CAS
// and appends the audit event. When another writer got there first, the
// current unit is returned with ErrAlreadyCollected, ErrAlreadyTerminal or
// ErrStatusConflict depending on where it ended up.
func transition(ctx context.Context, store interfaces.ReleaseStore, m *metrics.Metrics, log *slog.Logger, unit *interfaces.ReleaseUnit, from, to interfaces.Status, actor, reason string, now time.Time) (*interfaces.ReleaseUnit, error) {
	if err := gate.Transition(unit.Kind, from, to); err != nil {
		return unit, err
	}

	updated, err := store.CompareAndSwapStatus(ctx, unit.ID, from, to, now.UTC())
	if err != nil {
		if !errors.Is(err, interfaces.ErrStatusConflict) || updated == nil {
			return unit, err
		}
		switch {
		case gate.IsSuccess(updated.Kind, updated.Status):
			return updated, interfaces.ErrAlreadyCollected
		case gate.IsTerminal(updated.Kind, updated.Status):
			return updated, fmt.Errorf("%w: %s", interfaces.ErrAlreadyTerminal, updated.Status)
		default:
			return updated, fmt.Errorf("%w: expected %s, found %s", interfaces.ErrStatusConflict, from, updated.Status)
		}
	}

	event := interfaces.AuditEvent{
		ReleaseUnitID: unit.ID,
		From:          from,
		To:            to,
		Actor:         actor,
		Reason:        reason,
		At:            now.UTC(),
	}
	if err := store.AppendAudit(ctx, event); err != nil {
		log.Error("Could not append audit event", slog.String("unit", string(unit.ID)), "err", err)
	}

	m.IncTransition(unit.Kind.String(), to.String())
	log.Info("Release unit transitioned",
		slog.String("unit", string(unit.ID)),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("actor", actor))
	return updated, nil
}
