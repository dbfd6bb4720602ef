// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// RedisStore is a Store shared by every instance of the application.  A
// token is consumed with GETDEL, so only one Validate can win, and a
// tombstone key records the consumption until the token's expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger hclog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore using client.
//
// Supported options: WithTTL, WithNow, WithLogger, WithKeyPrefix
func NewRedisStore(client redis.UniversalClient, opt ...oidc.Option) (*RedisStore, error) {
	const op = "state.NewRedisStore"
	if client == nil {
		return nil, fmt.Errorf("%s: redis client is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	return &RedisStore{
		client: client,
		prefix: opts.withPrefix,
		ttl:    opts.withTTL,
		now:    opts.withNowFunc,
		logger: opts.withLogger,
	}, nil
}

func (s *RedisStore) key(value string) string     { return s.prefix + value }
func (s *RedisStore) usedKey(value string) string { return s.prefix + "used:" + value }

// Issue implements Store.
//
// Supported options: WithTTL, WithValue, WithReturnTo
func (s *RedisStore) Issue(ctx context.Context, opt ...oidc.Option) (*Token, error) {
	const op = "RedisStore.Issue"
	t, err := newToken(s.now(), s.ttl, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode state: %w", op, err)
	}
	used, err := s.client.Exists(ctx, s.usedKey(t.Value)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if used > 0 {
		return nil, fmt.Errorf("%s: state value already used: %w", op, oidc.ErrInvalidParameter)
	}
	ok, err := s.client.SetNX(ctx, s.key(t.Value), data, t.TTL+expiredRetention).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: state value already issued: %w", op, oidc.ErrInvalidParameter)
	}
	return t, nil
}

// Validate implements Store.
func (s *RedisStore) Validate(ctx context.Context, value string) (*Token, error) {
	const op = "RedisStore.Validate"
	if value == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	data, err := s.client.GetDel(ctx, s.key(value)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		n, err := s.client.Exists(ctx, s.usedKey(value)).Result()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if n > 0 {
			s.logger.Debug("state replayed")
			return nil, fmt.Errorf("%s: %w", op, ErrAlreadyUsed)
		}
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%s: unable to decode state: %w", op, err)
	}
	now := s.now()
	if remaining := t.ExpiresAt().Sub(now); remaining > 0 {
		if err := s.client.SetNX(ctx, s.usedKey(value), 1, remaining).Err(); err != nil {
			s.logger.Warn("unable to record consumed state", "error", err)
		}
	}
	if t.IsExpired(now) {
		return nil, fmt.Errorf("%s: %w", op, ErrExpired)
	}
	return &t, nil
}
