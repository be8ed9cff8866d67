// Package lock provides the lease that keeps retry scans from overlapping
// across service instances.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Release gives up a lease. Releasing an expired or stolen lease is a no-op.
type Release func(ctx context.Context) error

type Locker interface {
	// Acquire returns ok=false when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
}

// Local only guards against overlap inside one process.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]time.Time{}, now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, false, nil
	}

	expires := now.Add(ttl)
	l.held[key] = expires
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
		return nil
	}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds leases as keys with a random token, so only the owner can release.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	name := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquiring lock %s", name)
	}
	if !ok {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
			return errors.Wrapf(err, "releasing lock %s", name)
		}
		return nil
	}, true, nil
}
