package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld means another worker currently holds the lock. Losing the race is
// normal during sweeps: the position will be picked up again next tick.
var ErrHeld = errors.New("locks: already held")

// releaseScript deletes the key only when it still carries our token, so a
// worker that outlived its TTL cannot release a lock re-acquired by someone
// else.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Manager hands out short-lived per-position locks so concurrent scheduler
// workers do not burn oracle fetches and commit fees on the same position.
// Correctness does not depend on these locks; the store's conditional
// status updates are the real at-most-once gate.
type Manager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewManager builds a Manager from config.
func NewManager(cfg Config) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Manager{rdb: rdb, release: redis.NewScript(releaseScript)}
}

// NewManagerWithClient is used by tests to inject a prepared client.
func NewManagerWithClient(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb, release: redis.NewScript(releaseScript)}
}

func positionKey(positionID uint) string {
	return fmt.Sprintf("vaultexec:position:%d", positionID)
}

// AcquirePosition takes the sweep lock for one position. The returned
// release func is safe to call more than once.
func (m *Manager) AcquirePosition(ctx context.Context, positionID uint, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := positionKey(positionID)

	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("locks: acquire position %d: %w", positionID, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Detached context so release works even after the sweep's
		// context is cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.release.Run(relCtx, m.rdb, []string{key}, token).Err()
	}
	return release, nil
}

// Ping verifies connectivity at startup.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}
