// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// directoryOptions is the set of available options for MemoryDirectory
type directoryOptions struct {
	withLogger  hclog.Logger
	withNowFunc func() time.Time
}

func getDirectoryOpts(opt ...oidc.Option) directoryOptions {
	opts := directoryOptions{
		withLogger:  hclog.NewNullLogger(),
		withNowFunc: time.Now,
	}
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// MemoryDirectory is an in-process Directory, suitable for tests and
// single instance deployments.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string

	logger hclog.Logger
	now    func() time.Time
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates an empty MemoryDirectory.
//
// Supported options: WithLogger, WithNow
func NewMemoryDirectory(opt ...oidc.Option) *MemoryDirectory {
	opts := getDirectoryOpts(opt...)
	return &MemoryDirectory{
		accounts: map[string]*Account{},
		logger:   opts.withLogger,
		now:      opts.withNowFunc,
	}
}

// Len returns the number of accounts.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*Account, error) {
	const op = "MemoryDirectory.Get"
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	return a.Clone(), nil
}

func (d *MemoryDirectory) FindBySubject(_ context.Context, subject string) (*Account, error) {
	const op = "MemoryDirectory.FindBySubject"
	return d.find(op, func(a *Account) bool {
		return subject != "" && a.Record.SubjectIdentity == subject
	})
}

func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (*Account, error) {
	const op = "MemoryDirectory.FindByEmail"
	return d.find(op, func(a *Account) bool {
		return email != "" && strings.EqualFold(a.Email, email)
	})
}

func (d *MemoryDirectory) FindByUsername(_ context.Context, username string) (*Account, error) {
	const op = "MemoryDirectory.FindByUsername"
	return d.find(op, func(a *Account) bool {
		return username != "" && a.Username == username
	})
}

// find returns the oldest matching account.
func (d *MemoryDirectory) find(op string, match func(*Account) bool) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.order {
		if a := d.accounts[id]; match(a) {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
}

func (d *MemoryDirectory) Create(_ context.Context, a *Account) (*Account, error) {
	const op = "MemoryDirectory.Create"
	if a == nil {
		return nil, fmt.Errorf("%s: account is nil: %w", op, oidc.ErrNilParameter)
	}
	if a.Username == "" {
		return nil, fmt.Errorf("%s: missing username: %w", op, oidc.ErrInvalidParameter)
	}
	id, err := oidc.NewID(oidc.WithPrefix("acct"), oidc.WithLength(16))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.accounts {
		if existing.Username == a.Username {
			return nil, fmt.Errorf("%s: %q: %w", op, a.Username, ErrAccountExists)
		}
		if s := a.Record.SubjectIdentity; s != "" && existing.Record.SubjectIdentity == s {
			return nil, fmt.Errorf("%s: %w", op, ErrAlreadyLinked)
		}
	}
	stored := a.Clone()
	stored.ID = id
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = d.now()
	}
	d.accounts[id] = stored
	d.order = append(d.order, id)
	return stored.Clone(), nil
}

func (d *MemoryDirectory) Update(_ context.Context, a *Account) error {
	const op = "MemoryDirectory.Update"
	if a == nil {
		return fmt.Errorf("%s: account is nil: %w", op, oidc.ErrNilParameter)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.accounts[a.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	updated := a.Clone()
	updated.Record.SubjectIdentity = existing.Record.SubjectIdentity
	updated.CreatedAt = existing.CreatedAt
	updated.RefreshKey = existing.RefreshKey
	d.accounts[a.ID] = updated
	return nil
}

func (d *MemoryDirectory) LinkSubject(_ context.Context, id, subject string) error {
	const op = "MemoryDirectory.LinkSubject"
	if subject == "" {
		return fmt.Errorf("%s: missing subject: %w", op, oidc.ErrInvalidParameter)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	if a.Record.SubjectIdentity != "" {
		return fmt.Errorf("%s: %w", op, ErrAlreadyLinked)
	}
	for _, other := range d.accounts {
		if other.Record.SubjectIdentity == subject {
			return fmt.Errorf("%s: subject linked to another account: %w", op, ErrAlreadyLinked)
		}
	}
	a.Record.SubjectIdentity = subject
	d.logger.Debug("linked subject", "account", id)
	return nil
}

func (d *MemoryDirectory) RefreshKey(_ context.Context, id string) ([]byte, error) {
	const op = "MemoryDirectory.RefreshKey"
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	if a.RefreshKey == nil {
		return nil, nil
	}
	return append([]byte(nil), a.RefreshKey...), nil
}

func (d *MemoryDirectory) SetRefreshKey(_ context.Context, id string, key []byte) error {
	const op = "MemoryDirectory.SetRefreshKey"
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	a.RefreshKey = append([]byte(nil), key...)
	return nil
}
