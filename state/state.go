// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// DefaultTTL is how long an issued state is valid.
const DefaultTTL = 3 * time.Minute

// expiredRetention is how long an expired, unconsumed state is remembered so
// that it is reported as expired rather than unknown.
const expiredRetention = 5 * time.Minute

// Errors returned by Validate.  Each one wraps oidc.ErrStateInvalid.
var (
	ErrExpired     = fmt.Errorf("state is expired: %w", oidc.ErrStateInvalid)
	ErrNotFound    = fmt.Errorf("state not found: %w", oidc.ErrStateInvalid)
	ErrAlreadyUsed = fmt.Errorf("state already used: %w", oidc.ErrStateInvalid)
)

// Token is the state of one authentication attempt: a one-time value sent
// as the OAuth2 state parameter and the nonce bound to the id_token.
type Token struct {
	Value     string        `json:"value"`
	Nonce     string        `json:"nonce"`
	ReturnTo  string        `json:"return_to,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt returns when the token expires.
func (t *Token) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.TTL)
}

// IsExpired reports whether the token is expired at now.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

func (t *Token) clone() *Token {
	cp := *t
	return &cp
}

// Store issues and validates state tokens.  Implementations must be safe
// for concurrent use and Validate must consume a token atomically: of any
// number of concurrent Validate calls for the same value at most one
// succeeds.
type Store interface {
	// Issue creates and remembers a new token.
	Issue(ctx context.Context, opt ...oidc.Option) (*Token, error)

	// Validate consumes the token for value.  It fails with ErrNotFound,
	// ErrExpired or ErrAlreadyUsed.
	Validate(ctx context.Context, value string) (*Token, error)
}

// newToken creates a token from the issue options.
func newToken(now time.Time, defaultTTL time.Duration, opt ...oidc.Option) (*Token, error) {
	const op = "state.newToken"
	opts := getIssueOpts(opt...)
	ttl := defaultTTL
	if opts.withTTL > 0 {
		ttl = opts.withTTL
	}
	value := opts.withValue
	if value == "" {
		var err error
		if value, err = oidc.NewID(oidc.WithPrefix("st")); err != nil {
			return nil, fmt.Errorf("%s: unable to generate state value: %w", op, err)
		}
	}
	nonce, err := oidc.NewID(oidc.WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	if nonce == value {
		return nil, fmt.Errorf("%s: state value and nonce cannot be equal: %w", op, oidc.ErrInvalidParameter)
	}
	return &Token{
		Value:     value,
		Nonce:     nonce,
		ReturnTo:  opts.withReturnTo,
		CreatedAt: now,
		TTL:       ttl,
	}, nil
}

// storeOptions is the set of available options for stores
type storeOptions struct {
	withTTL     time.Duration
	withNowFunc func() time.Time
	withLogger  hclog.Logger
	withPrefix  string
}

// storeDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func storeDefaults() storeOptions {
	return storeOptions{
		withTTL:     DefaultTTL,
		withNowFunc: time.Now,
		withLogger:  hclog.NewNullLogger(),
		withPrefix:  "oidcrp:state:",
	}
}

func getStoreOpts(opt ...oidc.Option) storeOptions {
	opts := storeDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// issueOptions is the set of available options for Issue
type issueOptions struct {
	withTTL      time.Duration
	withValue    string
	withReturnTo string
}

func getIssueOpts(opt ...oidc.Option) issueOptions {
	opts := issueOptions{}
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithTTL provides how long a state is valid.  Valid for: MemoryStore,
// RedisStore and Store.Issue
func WithTTL(ttl time.Duration) oidc.Option {
	return func(o interface{}) {
		if ttl <= 0 {
			return
		}
		switch v := o.(type) {
		case *storeOptions:
			v.withTTL = ttl
		case *issueOptions:
			v.withTTL = ttl
		}
	}
}

// WithNow provides an optional func for determining the current time.
// Valid for: MemoryStore and RedisStore
func WithNow(now func() time.Time) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && now != nil {
			v.withNowFunc = now
		}
	}
}

// WithLogger provides an optional logger.  Valid for: MemoryStore and
// RedisStore
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithKeyPrefix provides the prefix of the keys.  Valid for: RedisStore
func WithKeyPrefix(prefix string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && prefix != "" {
			v.withPrefix = prefix
		}
	}
}

// WithValue issues a token with the given value instead of a random one.
// Valid for: Store.Issue
func WithValue(value string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*issueOptions); ok {
			v.withValue = value
		}
	}
}

// WithReturnTo records where the user should be sent after logging in.
// Valid for: Store.Issue
func WithReturnTo(u string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*issueOptions); ok {
			v.withReturnTo = u
		}
	}
}
