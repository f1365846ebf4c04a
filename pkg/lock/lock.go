// Package lock implements a Redis-backed distributed lock with TTL and
// owner-verified release, used to serialize start/renew/stop operations on a
// single namespace across concurrent API workers.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acmcyber/instancer/internal/telemetry"
)

// ErrAlreadyLocked is returned by Acquire when the key is already held.
var ErrAlreadyLocked = errors.New("lock: already locked")

const keyPrefix = "lock:"

// releaseScript deletes the key only if its value still matches the owner
// token recorded at acquisition, so a holder whose lock already expired and
// was reacquired by someone else can't release the new holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Locker acquires and releases named locks backed by Redis.
type Locker struct {
	rdb *redis.Client
}

// New creates a Locker over the given Redis client.
func New(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// Handle is the owner token returned by Acquire; it must be passed to
// Release to prove ownership.
type Handle struct {
	name  string
	token string
}

// Acquire sets lock:<name> to a fresh 16-hex-character owner token iff the
// key is absent, with the given expiry. It returns ErrAlreadyLocked on
// collision.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generating lock token: %w", err)
	}

	ok, err := l.rdb.SetNX(ctx, keyPrefix+name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
	}
	if !ok {
		telemetry.LockAcquireTotal.WithLabelValues("already_locked").Inc()
		return nil, ErrAlreadyLocked
	}

	telemetry.LockAcquireTotal.WithLabelValues("acquired").Inc()
	return &Handle{name: name, token: token}, nil
}

// Release deletes lock:<name> only if its current value matches the token
// recorded at acquisition. A mismatched or already-expired key is a silent
// no-op; callers must release on every exit path regardless.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := l.rdb.Eval(ctx, releaseScript, []string{keyPrefix + h.name}, h.token).Err(); err != nil {
		return fmt.Errorf("releasing lock %q: %w", h.name, err)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
