// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// testClock is a settable clock for stores.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testStoreBehavior runs the checks every Store must pass.
func testStoreBehavior(t *testing.T, newStore func(t *testing.T, clock *testClock) Store) {
	ctx := context.Background()

	t.Run("issue", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		clock := newTestClock()
		s := newStore(t, clock)
		tk, err := s.Issue(ctx, WithReturnTo("/settings"))
		require.NoError(err)
		assert.True(strings.HasPrefix(tk.Value, "st_"))
		assert.NotEmpty(tk.Nonce)
		assert.NotEqual(tk.Value, tk.Nonce)
		assert.Equal("/settings", tk.ReturnTo)
		assert.Equal(DefaultTTL, tk.TTL)
		assert.Equal(clock.Now(), tk.CreatedAt)

		tk2, err := s.Issue(ctx)
		require.NoError(err)
		assert.NotEqual(tk.Value, tk2.Value)
		assert.NotEqual(tk.Nonce, tk2.Nonce)
	})
	t.Run("validate-once", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := newStore(t, newTestClock())
		tk, err := s.Issue(ctx, WithValue("abc123"))
		require.NoError(err)
		assert.Equal("abc123", tk.Value)

		got, err := s.Validate(ctx, "abc123")
		require.NoError(err)
		assert.Equal(tk.Nonce, got.Nonce)

		_, err = s.Validate(ctx, "abc123")
		require.Error(err)
		assert.ErrorIs(err, ErrAlreadyUsed)
		assert.ErrorIs(err, oidc.ErrStateInvalid)
	})
	t.Run("duplicate-value", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := newStore(t, newTestClock())
		_, err := s.Issue(ctx, WithValue("dup"))
		require.NoError(err)
		_, err = s.Issue(ctx, WithValue("dup"))
		assert.ErrorIs(err, oidc.ErrInvalidParameter)
	})
	t.Run("unknown", func(t *testing.T) {
		assert := assert.New(t)
		s := newStore(t, newTestClock())
		_, err := s.Validate(ctx, "never-issued")
		assert.ErrorIs(err, ErrNotFound)
		_, err = s.Validate(ctx, "")
		assert.ErrorIs(err, ErrNotFound)
		assert.ErrorIs(err, oidc.ErrStateInvalid)
	})
	t.Run("expired", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		clock := newTestClock()
		s := newStore(t, clock)
		tk, err := s.Issue(ctx, WithTTL(time.Minute))
		require.NoError(err)
		assert.Equal(time.Minute, tk.TTL)
		clock.Advance(time.Minute)
		_, err = s.Validate(ctx, tk.Value)
		assert.ErrorIs(err, ErrExpired)
		assert.ErrorIs(err, oidc.ErrStateInvalid)
	})
	t.Run("just-before-expiry", func(t *testing.T) {
		require := require.New(t)
		clock := newTestClock()
		s := newStore(t, clock)
		tk, err := s.Issue(ctx)
		require.NoError(err)
		clock.Advance(DefaultTTL - time.Second)
		_, err = s.Validate(ctx, tk.Value)
		require.NoError(err)
	})
	t.Run("concurrent-validate", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := newStore(t, newTestClock())
		tk, err := s.Issue(ctx)
		require.NoError(err)

		const n = 20
		var wins int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := s.Validate(ctx, tk.Value); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(int32(1), wins)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	testStoreBehavior(t, func(t *testing.T, clock *testClock) Store {
		return NewMemoryStore(WithNow(clock.Now))
	})
}

func TestMemoryStore_purge(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryStore(WithNow(clock.Now), WithTTL(time.Minute))

	used, err := s.Issue(ctx)
	require.NoError(err)
	_, err = s.Validate(ctx, used.Value)
	require.NoError(err)
	_, err = s.Issue(ctx)
	require.NoError(err)
	assert.Equal(1, s.Len())

	// consumed values are remembered until their expiry
	clock.Advance(30 * time.Second)
	_, err = s.Validate(ctx, used.Value)
	assert.ErrorIs(err, ErrAlreadyUsed)

	clock.Advance(time.Minute + expiredRetention)
	_, err = s.Issue(ctx)
	require.NoError(err)
	assert.Equal(1, s.Len())
	_, err = s.Validate(ctx, used.Value)
	assert.ErrorIs(err, ErrNotFound)
}

func Test_storeOptions(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	now := func() time.Time { return time.Unix(1, 0) }
	opts := getStoreOpts(WithTTL(time.Hour), WithTTL(-1), WithKeyPrefix("x:"), WithNow(now), WithValue("ignored"))
	assert.Equal(time.Hour, opts.withTTL)
	assert.Equal("x:", opts.withPrefix)
	assert.Equal(now(), opts.withNowFunc())

	iopts := getIssueOpts(WithValue("v"), WithReturnTo("/r"), WithKeyPrefix("ignored"))
	assert.Equal(issueOptions{withValue: "v", withReturnTo: "/r"}, iopts)
}
