// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// MemoryStore is an in-process Store.  Consumed values are remembered until
// their original expiry so that a replay is reported as ErrAlreadyUsed.
// Expired entries are purged lazily by Issue and Validate.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Token
	used    map[string]time.Time

	ttl    time.Duration
	now    func() time.Time
	logger hclog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore.
//
// Supported options: WithTTL, WithNow, WithLogger
func NewMemoryStore(opt ...oidc.Option) *MemoryStore {
	opts := getStoreOpts(opt...)
	return &MemoryStore{
		entries: map[string]*Token{},
		used:    map[string]time.Time{},
		ttl:     opts.withTTL,
		now:     opts.withNowFunc,
		logger:  opts.withLogger,
	}
}

// Issue implements Store.
//
// Supported options: WithTTL, WithValue, WithReturnTo
func (s *MemoryStore) Issue(_ context.Context, opt ...oidc.Option) (*Token, error) {
	const op = "MemoryStore.Issue"
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.purge(now)

	t, err := newToken(now, s.ttl, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, ok := s.entries[t.Value]; ok {
		return nil, fmt.Errorf("%s: state value already issued: %w", op, oidc.ErrInvalidParameter)
	}
	if _, ok := s.used[t.Value]; ok {
		return nil, fmt.Errorf("%s: state value already used: %w", op, oidc.ErrInvalidParameter)
	}
	s.entries[t.Value] = t
	return t.clone(), nil
}

// Validate implements Store.
func (s *MemoryStore) Validate(_ context.Context, value string) (*Token, error) {
	const op = "MemoryStore.Validate"
	if value == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.purge(now)

	if _, ok := s.used[value]; ok {
		s.logger.Debug("state replayed")
		return nil, fmt.Errorf("%s: %w", op, ErrAlreadyUsed)
	}
	t, ok := s.entries[value]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	delete(s.entries, value)
	s.used[value] = t.ExpiresAt()
	if t.IsExpired(now) {
		return nil, fmt.Errorf("%s: %w", op, ErrExpired)
	}
	return t.clone(), nil
}

// Len returns the number of unconsumed entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// purge must be called with s.mu held.
func (s *MemoryStore) purge(now time.Time) {
	for v, t := range s.entries {
		if now.After(t.ExpiresAt().Add(expiredRetention)) {
			delete(s.entries, v)
		}
	}
	for v, exp := range s.used {
		if !now.Before(exp) {
			delete(s.used, v)
		}
	}
}
