// Package kv wraps the distributed key-value store shared by all gateway
// processes. Circuit states, session affinity, sequences, cost windows and
// the probe leader lock all live here; SQLite remains the audit log.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for missing keys.
var ErrNotFound = errors.New("kv: not found")

// Store is a thin facade over a redis client. All operations take a context
// and are safe for concurrent use.
type Store struct {
	rdb *redis.Client
}

// New returns a Store backed by the given redis options.
func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewFromClient wraps an existing client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// GetJSON unmarshals the value at key into v. Returns ErrNotFound for
// missing keys.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("kv get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("kv decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v as JSON at key. A zero ttl means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// GetString returns the raw string at key, or ErrNotFound.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// SetString stores a raw string at key.
func (s *Store) SetString(ctx context.Context, key, val string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, val, ttl).Err()
}

// SetStringNX stores val only if key is absent; reports whether it was set.
func (s *Store) SetStringNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, val, ttl).Result()
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// incrTTLScript atomically increments a counter and refreshes its TTL in
// one round trip, so a counter can never survive without an expiry.
var incrTTLScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// IncrBy atomically adds delta to the integer at key, refreshing ttl, and
// returns the new value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := incrTTLScript.Run(ctx, s.rdb, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return v, nil
}

// decrFloorScript decrements but never below zero, and deletes the key when
// it reaches zero so stale counters cannot accumulate.
var decrFloorScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 1 then
	redis.call('DEL', KEYS[1])
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// DecrFloor decrements the counter at key, flooring at zero.
func (s *Store) DecrFloor(ctx context.Context, key string) (int64, error) {
	v, err := decrFloorScript.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv decr %s: %w", key, err)
	}
	return v, nil
}

// GetInt returns the integer at key, or 0 when missing.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// incrFloatTTLScript mirrors incrTTLScript for decimal counters. The value
// is kept as a string to preserve the caller's decimal formatting.
var incrFloatTTLScript = redis.NewScript(`
local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// IncrByFloat atomically adds the decimal string delta to the counter at
// key, refreshing ttl, and returns the new value as a string.
func (s *Store) IncrByFloat(ctx context.Context, key, delta string, ttl time.Duration) (string, error) {
	v, err := incrFloatTTLScript.Run(ctx, s.rdb, []string{key}, delta, ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("kv incrfloat %s: %w", key, err)
	}
	return v, nil
}

// Expire refreshes the TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Publish broadcasts payload on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a receive channel for the given pub/sub channel. The
// subscription is closed when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, channel string) <-chan string {
	sub := s.rdb.Subscribe(ctx, channel)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
