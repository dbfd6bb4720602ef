// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// KeySize is the size of a per-account key: an HMAC-SHA256 key followed by
// an AES-256 key.
const KeySize = hashKeySize + blockKeySize

const (
	hashKeySize  = 32
	blockKeySize = 32
)

// NewKey returns a new random per-account key.
func NewKey() ([]byte, error) {
	const op = "session.NewKey"
	k, err := uuid.GenerateRandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate key: %w", op, err)
	}
	return k, nil
}

// KeyStore persists per-account keys.  identity.Directory implementations
// satisfy it.
type KeyStore interface {
	RefreshKey(ctx context.Context, accountID string) ([]byte, error)
	SetRefreshKey(ctx context.Context, accountID string, key []byte) error
}

// Keys manages per-account keys in a KeyStore.
type Keys struct {
	store  KeyStore
	logger hclog.Logger
}

// NewKeys creates Keys over store.
//
// Supported options: WithLogger
func NewKeys(store KeyStore, opt ...oidc.Option) (*Keys, error) {
	const op = "session.NewKeys"
	if store == nil {
		return nil, fmt.Errorf("%s: key store is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getCodecOpts(opt...)
	return &Keys{store: store, logger: opts.withLogger}, nil
}

// Get returns the key of the account.  A missing or malformed key is an
// ErrDecrypt error since no cookie can be read without it.
func (k *Keys) Get(ctx context.Context, accountID string) ([]byte, error) {
	const op = "Keys.Get"
	key, err := k.store.RefreshKey(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s: account has no usable key: %w", op, ErrDecrypt)
	}
	return key, nil
}

// Ensure returns the key of the account, generating and storing one when
// the account has none.
func (k *Keys) Ensure(ctx context.Context, accountID string) ([]byte, error) {
	const op = "Keys.Ensure"
	key, err := k.store.RefreshKey(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(key) == KeySize {
		return key, nil
	}
	if key, err = k.set(ctx, accountID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	k.logger.Debug("generated refresh key", "account", accountID)
	return key, nil
}

// Rotate replaces the key of the account, which invalidates every refresh
// cookie issued to it.
func (k *Keys) Rotate(ctx context.Context, accountID string) ([]byte, error) {
	const op = "Keys.Rotate"
	key, err := k.set(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	k.logger.Info("rotated refresh key", "account", accountID)
	return key, nil
}

func (k *Keys) set(ctx context.Context, accountID string) ([]byte, error) {
	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	if err := k.store.SetRefreshKey(ctx, accountID, key); err != nil {
		return nil, err
	}
	return key, nil
}
