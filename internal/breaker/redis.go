package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chatrelay:breaker:"

// maxCASRetries bounds optimistic-lock retries under contention.
const maxCASRetries = 5

// RedisStore shares circuit state across worker processes. Updates use
// WATCH/MULTI so two workers racing on the same channel cannot both win the
// half-open probe.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, channelID string) (ChannelState, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+channelID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ChannelState{}, false, nil
	}
	if err != nil {
		return ChannelState{}, false, fmt.Errorf("redis get breaker state: %w", err)
	}
	var cs ChannelState
	if err := json.Unmarshal(val, &cs); err != nil {
		return ChannelState{}, false, fmt.Errorf("decode breaker state: %w", err)
	}
	return cs, true, nil
}

func (s *RedisStore) Update(ctx context.Context, channelID string, fn func(ChannelState) ChannelState) error {
	key := keyPrefix + channelID

	txn := func(tx *redis.Tx) error {
		var cs ChannelState
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if uErr := json.Unmarshal(val, &cs); uErr != nil {
				// Unreadable state is treated as absent; the update
				// rewrites it from scratch.
				cs = ChannelState{}
			}
		}
		next := fn(cs)
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed under us, retry
		}
		return fmt.Errorf("redis update breaker state: %w", err)
	}
	return fmt.Errorf("redis update breaker state: contention on %s", channelID)
}

func (s *RedisStore) List(ctx context.Context) (map[string]ChannelState, error) {
	out := make(map[string]ChannelState)
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		channelID := key[len(keyPrefix):]
		cs, ok, err := s.Get(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if ok {
			out[channelID] = cs
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan breaker state: %w", err)
	}
	return out, nil
}

func (s *RedisStore) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	states, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for channelID, cs := range states {
		if cs.UpdatedAt.Before(cutoff) {
			if err := s.client.Del(ctx, keyPrefix+channelID).Err(); err != nil {
				return n, fmt.Errorf("redis delete breaker state: %w", err)
			}
			n++
		}
	}
	return n, nil
}
