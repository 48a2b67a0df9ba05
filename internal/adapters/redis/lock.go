package redisad

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"staybook/internal/adapters/observability"
)

// LockManager serializes concurrent booking attempts for the same period with
// a short-TTL redis key. Acquire is a single SET NX PX, so two concurrent
// acquires can never both succeed; release only deletes when the stored holder
// matches the caller, so a holder whose lock already expired and was reassigned
// cannot release the new owner's lock. Crashed holders self-heal via TTL.
type LockManager struct{ c *redis.Client }

func New(addr, pass string, db int) *LockManager {
	return &LockManager{c: redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})}
}

// NewWithClient is used by tests (miniredis) and callers that manage the
// client lifecycle themselves.
func NewWithClient(c *redis.Client) *LockManager { return &LockManager{c: c} }

// releaseScript deletes the key only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

func (l *LockManager) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.c.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		observability.ObserveLock("acquired")
	} else {
		observability.ObserveLock("busy")
	}
	return ok, nil
}

func (l *LockManager) Release(ctx context.Context, key, holder string) error {
	n, err := releaseScript.Run(ctx, l.c, []string{key}, holder).Int()
	if err != nil && err != redis.Nil {
		return err
	}
	if n == 1 {
		observability.ObserveLock("released")
	} else {
		observability.ObserveLock("release_skipped")
	}
	return nil
}

func (l *LockManager) Ping(ctx context.Context) error {
	return l.c.Ping(ctx).Err()
}
