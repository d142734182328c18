// Package lease provides a Redis-backed exclusive lease. A lease is a key set
// with NX and a TTL whose value is a random token; only the holder of the
// token can release it, so an expired lease taken over by another process is
// never released by the original holder.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for all leases.
const KeyPrefix = "lease:"

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another owner")

// releaseLua deletes the lease key only if it still carries our token.
//
// KEYS[1] = lease key
// ARGV[1] = token
const releaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Manager hands out leases stored in Redis.
type Manager struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewManager creates a lease manager backed by rdb.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Lease is a held lease. Release it when done; it also lapses after its TTL.
type Lease struct {
	m     *Manager
	key   string
	token string
}

// Acquire takes the named lease for ttl. Returns ErrHeld if someone else
// holds it.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := KeyPrefix + name
	token := uuid.New().String()

	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{m: m, key: key, token: token}, nil
}

// Release gives the lease up. Releasing a lease that already lapsed, or was
// taken over after lapsing, is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.m.releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	return nil
}
