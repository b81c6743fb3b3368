package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock not acquired")

// unlockScript deletes the key only when it still holds our token, so an
// expired lock grabbed by another holder is never released by us.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Mutex is a single-key Redis lock with a TTL. It guards short critical
// sections that span multiple Redis commands, e.g. spending a rollback
// token: check-then-write is not atomic across processes otherwise.
type Mutex struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewMutex(client *redis.Client, key string, ttl time.Duration) *Mutex {
	b := make([]byte, 16)
	rand.Read(b)
	return &Mutex{
		client: client,
		key:    key,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire takes the lock, polling until it is free or the context ends.
func (m *Mutex) Acquire(ctx context.Context) error {
	for {
		ok, err := m.client.SetNX(ctx, m.key, m.token, m.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryAcquire takes the lock without blocking, returning ErrNotAcquired
// when another holder has it.
func (m *Mutex) TryAcquire(ctx context.Context) error {
	ok, err := m.client.SetNX(ctx, m.key, m.token, m.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

// Release frees the lock if this instance still holds it.
func (m *Mutex) Release(ctx context.Context) error {
	result, err := m.client.Eval(ctx, unlockScript, []string{m.key}, m.token).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n, ok := result.(int64); ok && n == 0 {
		return fmt.Errorf("lock %s was not held by this instance", m.key)
	}
	return nil
}
