package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ruteri/gated-release/interfaces"
)

// Schema creates the tables PostgresStore needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS release_units (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	body        BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS release_units_status_created_idx ON release_units (status, created_at);

CREATE TABLE IF NOT EXISTS custodian_assignments (
	release_unit_id TEXT NOT NULL REFERENCES release_units (id),
	custodian_id    TEXT NOT NULL,
	share_index     INTEGER NOT NULL,
	content_id      TEXT NOT NULL,
	stored_at       TIMESTAMPTZ NOT NULL,
	last_seen       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (release_unit_id, custodian_id)
);

CREATE TABLE IF NOT EXISTS release_audit (
	seq             BIGSERIAL PRIMARY KEY,
	release_unit_id TEXT NOT NULL,
	from_status     TEXT NOT NULL,
	to_status       TEXT NOT NULL,
	actor           TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	at              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS release_audit_unit_idx ON release_audit (release_unit_id, seq);
`

const uniqueViolation = "23505"

// PostgresStore persists units in PostgreSQL. The status column is
// authoritative; the JSON body carries the rest of the unit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate release store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, unit *interfaces.ReleaseUnit) error {
	body, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode release unit: %w", err)
	}

	var expires sql.NullTime
	if unit.HasExpiry() {
		expires = sql.NullTime{Time: unit.ExpiresAt, Valid: true}
	}

	query := `
		INSERT INTO release_units (id, owner_id, kind, status, body, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		string(unit.ID),
		unit.OwnerID,
		unit.Kind.String(),
		unit.Status.String(),
		body,
		unit.CreatedAt,
		unit.UpdatedAt,
		expires,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, unit.ID)
		}
		return fmt.Errorf("create release unit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*interfaces.ReleaseUnit, error) {
	var (
		body    []byte
		status  string
		updated time.Time
	)
	if err := row.Scan(&body, &status, &updated); err != nil {
		return nil, err
	}

	var unit interfaces.ReleaseUnit
	if err := json.Unmarshal(body, &unit); err != nil {
		return nil, fmt.Errorf("decode release unit: %w", err)
	}
	parsed, err := interfaces.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("decode release unit %s: %w", unit.ID, err)
	}
	unit.Status = parsed
	unit.UpdatedAt = updated.UTC()
	return &unit, nil
}

func (s *PostgresStore) Get(ctx context.Context, id interfaces.ReleaseUnitID) (*interfaces.ReleaseUnit, error) {
	query := `SELECT body, status, updated_at FROM release_units WHERE id = $1`
	unit, err := scanUnit(s.db.QueryRowContext(ctx, query, string(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
		}
		return nil, fmt.Errorf("get release unit: %w", err)
	}
	return unit, nil
}

// CompareAndSwapStatus uses a conditional UPDATE ... RETURNING so concurrent
// callers racing on the same expected status see exactly one success.
func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, id interfaces.ReleaseUnitID, expected, next interfaces.Status, at time.Time) (*interfaces.ReleaseUnit, error) {
	query := `
		UPDATE release_units
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING body, status, updated_at
	`
	unit, err := scanUnit(s.db.QueryRowContext(ctx, query, string(id), expected.String(), next.String(), at))
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("compare and swap status: %w", err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("%w: %s is %s, expected %s", interfaces.ErrStatusConflict, id, current.Status, expected)
}

func (s *PostgresStore) SaveAssignments(ctx context.Context, id interfaces.ReleaseUnitID, assignments []interfaces.CustodianAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM release_units WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM custodian_assignments WHERE release_unit_id = $1`, string(id)); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}

	if len(assignments) > 0 {
		custodians := make([]string, len(assignments))
		indices := make([]int64, len(assignments))
		contents := make([]string, len(assignments))
		stored := make([]string, len(assignments))
		seen := make([]string, len(assignments))
		for i, a := range assignments {
			custodians[i] = string(a.CustodianID)
			indices[i] = int64(a.ShareIndex)
			contents[i] = a.ContentID.String()
			stored[i] = a.StoredAt.UTC().Format(time.RFC3339Nano)
			seen[i] = a.LastSeen.UTC().Format(time.RFC3339Nano)
		}

		query := `
			INSERT INTO custodian_assignments (release_unit_id, custodian_id, share_index, content_id, stored_at, last_seen)
			SELECT $1, c, i, h, s::timestamptz, l::timestamptz
			FROM unnest($2::text[], $3::int[], $4::text[], $5::text[], $6::text[]) AS t(c, i, h, s, l)
		`
		_, err := tx.ExecContext(ctx, query, string(id),
			pq.Array(custodians), pq.Array(indices), pq.Array(contents), pq.Array(stored), pq.Array(seen))
		if err != nil {
			return fmt.Errorf("insert assignments: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}
	return nil
}

func (s *PostgresStore) Assignments(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.CustodianAssignment, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	query := `
		SELECT custodian_id, share_index, content_id, stored_at, last_seen
		FROM custodian_assignments
		WHERE release_unit_id = $1
		ORDER BY share_index
	`
	rows, err := s.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	defer rows.Close()

	var out []interfaces.CustodianAssignment
	for rows.Next() {
		var (
			a         interfaces.CustodianAssignment
			custodian string
			content   string
		)
		if err := rows.Scan(&custodian, &a.ShareIndex, &content, &a.StoredAt, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		cid, err := interfaces.NewContentIDFromHex(content)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.ReleaseUnitID = id
		a.CustodianID = interfaces.CustodianID(custodian)
		a.ContentID = cid
		a.StoredAt = a.StoredAt.UTC()
		a.LastSeen = a.LastSeen.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TouchAssignment(ctx context.Context, id interfaces.ReleaseUnitID, custodian interfaces.CustodianID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE custodian_assignments SET last_seen = $3 WHERE release_unit_id = $1 AND custodian_id = $2`,
		string(id), string(custodian), at)
	if err != nil {
		return fmt.Errorf("touch assignment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch assignment rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no assignment of %s to %s", interfaces.ErrCustodianNotFound, id, custodian)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, event interfaces.AuditEvent) error {
	query := `
		INSERT INTO release_audit (release_unit_id, from_status, to_status, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(event.ReleaseUnitID),
		event.From.String(),
		event.To.String(),
		event.Actor,
		event.Reason,
		event.At,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Audit(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.AuditEvent, error) {
	query := `
		SELECT from_status, to_status, actor, reason, at
		FROM release_audit
		WHERE release_unit_id = $1
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	defer rows.Close()

	var out []interfaces.AuditEvent
	for rows.Next() {
		var (
			e        interfaces.AuditEvent
			from, to string
		)
		if err := rows.Scan(&from, &to, &e.Actor, &e.Reason, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if e.From, err = interfaces.ParseStatus(from); err != nil {
			return nil, err
		}
		if e.To, err = interfaces.ParseStatus(to); err != nil {
			return nil, err
		}
		e.ReleaseUnitID = id
		e.At = e.At.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status interfaces.Status, limit int) ([]*interfaces.ReleaseUnit, error) {
	query := `
		SELECT body, status, updated_at
		FROM release_units
		WHERE status = $1
		ORDER BY created_at, id
	`
	args := []any{status.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.ReleaseUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("list by status: %w", err)
		}
		out = append(out, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return out, nil
}
