// Copyright 2025 Qwengate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/qwengate/qwengate/log"
)

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromURL connects using a redis:// URL and verifies the
// connection.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "redis ping %s", opts.Addr)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get returns the value for key, or nil if the key does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return v, nil
}

// Set overwrites key with value. A zero ttl means no expiration.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// ListPrefix scans for key names starting with prefix.
func (s *RedisStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan %s*", prefix)
	}
	return keys, nil
}

// Acquire attempts to take the named lock with a fresh token and read-back
// verification. Returns "" without blocking if the lock is held elsewhere.
func (s *RedisStore) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	key := lockPrefix + name

	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", errors.Wrapf(err, "acquire %s", name)
	}
	if !ok {
		return "", nil
	}

	// read back: the token is only valid if we still hold the key
	current, err := s.client.Get(ctx, key).Result()
	if err != nil || current != token {
		return "", nil
	}
	return token, nil
}

// Release drops the named lock if token still owns it.
func (s *RedisStore) Release(ctx context.Context, name string, token string) error {
	key := lockPrefix + name
	current, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "release %s", name)
	}
	if current != token {
		log.Debugf("lock %s no longer owned, skipping release", name)
		return nil
	}
	return s.client.Del(ctx, key).Err()
}
