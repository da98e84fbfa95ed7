package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only if the stored token still belongs
// to the releasing lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLockManager implements LockManager on Redis. A lock is a key holding a
// per-lease token, written with SET NX and a lease TTL so a crashed holder
// cannot wedge the resource forever.
type RedisLockManager struct {
	client        *redis.Client
	leaseTTL      time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewRedisLockManager creates a new Redis lock manager
func NewRedisLockManager(host string, port int, password string, db int, leaseTTL, retryInterval time.Duration, logger *zap.Logger) (*RedisLockManager, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLockManager{
		client:        client,
		leaseTTL:      leaseTTL,
		retryInterval: retryInterval,
		logger:        logger,
	}, nil
}

// Acquire blocks until the named resource is granted or ctx is done
func (m *RedisLockManager) Acquire(ctx context.Context, resource string) (Lease, error) {
	key := lockKey(resource)
	token := uuid.New().String()

	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := m.client.SetNX(ctx, key, token, m.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock on %s: %w", resource, err)
		}
		if ok {
			m.logger.Debug("Lock acquired",
				zap.String("resource", resource),
				zap.Duration("lease_ttl", m.leaseTTL))
			return &redisLease{manager: m, resource: resource, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up acquiring lock on %s: %w", resource, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ping checks the Redis connection
func (m *RedisLockManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (m *RedisLockManager) Close() error {
	return m.client.Close()
}

// Client exposes the underlying Redis client for stores sharing the
// connection.
func (m *RedisLockManager) Client() *redis.Client {
	return m.client
}

type redisLease struct {
	manager  *RedisLockManager
	resource string
	token    string
}

// Release returns the execution slot. If the lease already expired and the
// key was taken over, the release is a no-op.
func (l *redisLease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.manager.client, []string{lockKey(l.resource)}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.resource, err)
	}
	if deleted == 0 {
		l.manager.logger.Warn("Lock lease expired before release",
			zap.String("resource", l.resource))
	}
	return nil
}

func lockKey(resource string) string {
	return "lock:" + resource
}
