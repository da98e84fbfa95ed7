package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/timberdb/coordinator/internal/model"
	"go.uber.org/zap"
)

// RedisTriggerStateStore implements TriggerStateStore for Redis
type RedisTriggerStateStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTriggerStateStore creates a trigger state store on an existing
// Redis client.
func NewRedisTriggerStateStore(client *redis.Client, logger *zap.Logger) *RedisTriggerStateStore {
	return &RedisTriggerStateStore{
		client: client,
		logger: logger,
	}
}

// Save durably records the runtime state of one trigger
func (s *RedisTriggerStateStore) Save(ctx context.Context, trigger string, state *model.TriggerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger state: %w", err)
	}

	return s.client.Set(ctx, stateKey(trigger), data, 0).Err()
}

// Load retrieves the persisted runtime state of one trigger
func (s *RedisTriggerStateStore) Load(ctx context.Context, trigger string) (*model.TriggerState, error) {
	data, err := s.client.Get(ctx, stateKey(trigger)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state := model.NewTriggerState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger state: %w", err)
	}
	if state.Pending == nil {
		state.Pending = make(map[string]int64)
	}
	if state.Fired == nil {
		state.Fired = make(map[string]int64)
	}

	return state, nil
}

// Delete removes the persisted state of a removed or disabled trigger
func (s *RedisTriggerStateStore) Delete(ctx context.Context, trigger string) error {
	return s.client.Del(ctx, stateKey(trigger)).Err()
}

// Ping checks the Redis connection
func (s *RedisTriggerStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is owned by the lock manager
func (s *RedisTriggerStateStore) Close() error {
	return nil
}

func stateKey(trigger string) string {
	return "trigger-state:" + trigger
}
