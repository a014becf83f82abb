// Package lock guards a listing so that only one reservation attempt runs
// against it at a time, within a process or across processes via Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Unlock releases a lock taken with TryLock. It is safe to call more than once.
type Unlock func()

type Locker interface {
	// TryLock does not wait: ok is false when someone else holds key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

// Local is an in-process Locker with expiring entries.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	next uint64
	now  func() time.Time
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}

	l.next++
	token := l.next

	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if e, ok := l.held[key]; ok && e.token == token {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, true, nil
}

// compare-and-delete so an expired holder never frees a newer lock
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared by every process using the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedis(client *redis.Client, prefix string, log *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "stayrace:lock:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, log: log.Named("lock")}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	token := uuid.NewString()
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.release(full, token, ttl) })
	}, true, nil
}

// release frees the lock if token still owns it. A failure leaves the key
// held until its TTL runs out.
func (r *Redis) release(full, token string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil && err != redis.Nil {
		r.log.Warn("release listing lock failed; held until expiry",
			zap.String("key", full),
			zap.Duration("ttl", ttl),
			zap.Error(err),
		)
	}
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
