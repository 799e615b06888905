package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruteri/gated-release/interfaces"
)

const (
	unitKeyPrefix       = "release:unit:"
	assignmentKeyPrefix = "release:assignments:"
	auditKeyPrefix      = "release:audit:"
	statusKeyPrefix     = "release:status:"
)

// A unit is a hash: "data" holds the JSON body, "status" and "updated" are
// authoritative over the copies inside the body, "created" orders the status
// index sorted sets.
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return false
end
if current ~= ARGV[1] then
	return {0, current}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated', ARGV[3])
local created = redis.call('HGET', KEYS[1], 'created')
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], created, ARGV[4])
return {1, ARGV[2]}
`)

var touchScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return 0
end
local a = cjson.decode(raw)
a['last_seen'] = ARGV[2]
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(a))
return 1
`)

// RedisStore keeps units in Redis hashes and moves status with a Lua
// compare-and-swap, so several release servers can share one Redis.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func unitKey(id interfaces.ReleaseUnitID) string {
	return unitKeyPrefix + string(id)
}

func statusKey(s interfaces.Status) string {
	return statusKeyPrefix + s.String()
}

func (s *RedisStore) Create(ctx context.Context, unit *interfaces.ReleaseUnit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("encode release unit: %w", err)
	}

	key := unitKey(unit.ID)
	created, err := s.client.HSetNX(ctx, key, "data", data).Result()
	if err != nil {
		return fmt.Errorf("create release unit: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, unit.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", unit.Status.String(),
		"updated", unit.UpdatedAt.UnixNano(),
		"created", unit.CreatedAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, statusKey(unit.Status), redis.Z{Score: float64(unit.CreatedAt.UnixMilli()), Member: string(unit.ID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create release unit: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id interfaces.ReleaseUnitID) (*interfaces.ReleaseUnit, error) {
	fields, err := s.client.HGetAll(ctx, unitKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get release unit: %w", err)
	}
	return decodeRedisUnit(id, fields)
}

func decodeRedisUnit(id interfaces.ReleaseUnitID, fields map[string]string) (*interfaces.ReleaseUnit, error) {
	data, ok := fields["data"]
	if !ok || fields["status"] == "" {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}

	var unit interfaces.ReleaseUnit
	if err := json.Unmarshal([]byte(data), &unit); err != nil {
		return nil, fmt.Errorf("decode release unit %s: %w", id, err)
	}
	status, err := interfaces.ParseStatus(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("decode release unit %s: %w", id, err)
	}
	unit.Status = status
	if updated, err := strconv.ParseInt(fields["updated"], 10, 64); err == nil {
		unit.UpdatedAt = time.Unix(0, updated).UTC()
	}
	return &unit, nil
}

func (s *RedisStore) CompareAndSwapStatus(ctx context.Context, id interfaces.ReleaseUnitID, expected, next interfaces.Status, at time.Time) (*interfaces.ReleaseUnit, error) {
	keys := []string{unitKey(id), statusKey(expected), statusKey(next)}
	res, err := casScript.Run(ctx, s.client, keys, expected.String(), next.String(), at.UnixNano(), string(id)).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("compare and swap status: %w", err)
	}

	unit, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return unit, fmt.Errorf("%w: %s is %v, expected %s", interfaces.ErrStatusConflict, id, res[1], expected)
	}
	// The re-read may already see a later transition; report the one we made.
	unit.Status = next
	unit.UpdatedAt = time.Unix(0, at.UnixNano()).UTC()
	return unit, nil
}

func (s *RedisStore) SaveAssignments(ctx context.Context, id interfaces.ReleaseUnitID, assignments []interfaces.CustodianAssignment) error {
	exists, err := s.client.Exists(ctx, unitKey(id)).Result()
	if err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}

	key := assignmentKeyPrefix + string(id)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, a := range assignments {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode assignment: %w", err)
		}
		pipe.HSet(ctx, key, string(a.CustodianID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}
	return nil
}

func (s *RedisStore) Assignments(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.CustodianAssignment, error) {
	exists, err := s.client.Exists(ctx, unitKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}

	raw, err := s.client.HGetAll(ctx, assignmentKeyPrefix+string(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	out := make([]interfaces.CustodianAssignment, 0, len(raw))
	for custodian, data := range raw {
		var a interfaces.CustodianAssignment
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode assignment %s/%s: %w", id, custodian, err)
		}
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

func (s *RedisStore) TouchAssignment(ctx context.Context, id interfaces.ReleaseUnitID, custodian interfaces.CustodianID, at time.Time) error {
	seen, err := at.UTC().MarshalText()
	if err != nil {
		return err
	}
	n, err := touchScript.Run(ctx, s.client, []string{assignmentKeyPrefix + string(id)}, string(custodian), string(seen)).Int()
	if err != nil {
		return fmt.Errorf("touch assignment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no assignment of %s to %s", interfaces.ErrCustodianNotFound, id, custodian)
	}
	return nil
}

func (s *RedisStore) AppendAudit(ctx context.Context, event interfaces.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := s.client.RPush(ctx, auditKeyPrefix+string(event.ReleaseUnitID), data).Err(); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *RedisStore) Audit(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.AuditEvent, error) {
	raw, err := s.client.LRange(ctx, auditKeyPrefix+string(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	out := make([]interfaces.AuditEvent, 0, len(raw))
	for _, data := range raw {
		var e interfaces.AuditEvent
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, status interfaces.Status, limit int) ([]*interfaces.ReleaseUnit, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, statusKey(status), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}

	out := make([]*interfaces.ReleaseUnit, 0, len(ids))
	for _, id := range ids {
		unit, err := s.Get(ctx, interfaces.ReleaseUnitID(id))
		if errors.Is(err, interfaces.ErrReleaseUnitNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index can lag a concurrent swap by one read.
		if unit.Status == status {
			out = append(out, unit)
		}
	}
	return out, nil
}
