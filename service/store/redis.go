// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisStore backs the Store interface with the shared broker (spec §3,
// §6): the ActiveCall record and the node registry must be visible to
// every harmony replica, which an embedded single-process KV store cannot
// provide. Put keeps the same compare-and-set semantics the teacher's
// bitcaskStore.Put gave via db.Has, expressed here as a Redis SET NX.
type redisStore struct {
	rdb *redis.Client
	ctx context.Context
}

func newRedisStore(uri string) (*redisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis uri: %w", err)
	}

	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &redisStore{rdb: rdb, ctx: ctx}, nil
}

func (s *redisStore) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if err := s.rdb.Set(s.ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	return nil
}

func (s *redisStore) Put(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	ok, err := s.rdb.SetNX(s.ctx, key, value, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if !ok {
		return ErrConflict
	}

	return nil
}

func (s *redisStore) Get(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	val, err := s.rdb.Get(s.ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}

	return val, nil
}

func (s *redisStore) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if err := s.rdb.Del(s.ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

func (s *redisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
