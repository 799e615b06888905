// Package store implements interfaces.ReleaseStore on memory, Redis and
// PostgreSQL.
//
// Every backend enforces the status compare-and-swap in a single atomic step:
// a mutex for MemoryStore, a Lua script for RedisStore and a conditional
// UPDATE ... RETURNING for PostgresStore. The service layer decides which
// transitions are legal; stores only compare and swap.
package store

import (
	"errors"

	"github.com/ruteri/gated-release/interfaces"
)

// ErrAlreadyExists is returned by Create for a duplicate unit id.
var ErrAlreadyExists = errors.New("release unit already exists")

var _ interfaces.ReleaseStore = (*MemoryStore)(nil)
var _ interfaces.ReleaseStore = (*RedisStore)(nil)
var _ interfaces.ReleaseStore = (*PostgresStore)(nil)
