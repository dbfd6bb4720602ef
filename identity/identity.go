// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oidcgeneric/oidcrp/oidc"
)

var (
	// ErrAccountNotFound is returned by a Directory when no account matches.
	ErrAccountNotFound = fmt.Errorf("account not found: %w", oidc.ErrNotFound)

	// ErrAccountExists is returned by Directory.Create when the username is
	// taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrAlreadyLinked is returned by Directory.LinkSubject when either the
	// account or the subject is already linked.
	ErrAlreadyLinked = errors.New("account already linked")

	// ErrMissingClaim is returned when a format references a claim that is
	// not in the claim set.
	ErrMissingClaim = fmt.Errorf("missing claim: %w", oidc.ErrIdentityRejected)
)

// Record is the provider identity stored with a local account.
type Record struct {
	// SubjectIdentity is the provider issued sub claim.  It is immutable
	// once set and links exactly one account.
	SubjectIdentity string

	// LastIDTokenClaims are the id_token claims of the most recent login.
	LastIDTokenClaims oidc.Claims

	// LastUserClaims are the merged id_token and userinfo claims of the most
	// recent login.
	LastUserClaims oidc.Claims

	// CreatedByPlugin is true when the account was created by a Resolver.
	CreatedByPlugin bool
}

// Account is a local user account as seen by the Resolver.
type Account struct {
	ID          string
	Username    string
	Email       string
	Nickname    string
	DisplayName string
	GivenName   string
	FamilyName  string
	Record      Record

	// RefreshKey encrypts the account's refresh session cookies.
	RefreshKey []byte
	CreatedAt  time.Time
}

// Clone returns a copy of the account that shares no mutable state with a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.RefreshKey != nil {
		cp.RefreshKey = append([]byte(nil), a.RefreshKey...)
	}
	cp.Record.LastIDTokenClaims = copyClaims(a.Record.LastIDTokenClaims)
	cp.Record.LastUserClaims = copyClaims(a.Record.LastUserClaims)
	return &cp
}

func copyClaims(c oidc.Claims) oidc.Claims {
	if c == nil {
		return nil
	}
	cp := make(oidc.Claims, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Directory is the user account storage of the host application.
// Implementations must be safe for concurrent use.
type Directory interface {
	// Get returns the account with id or ErrAccountNotFound.
	Get(ctx context.Context, id string) (*Account, error)

	// FindBySubject returns the account linked to subject or
	// ErrAccountNotFound.
	FindBySubject(ctx context.Context, subject string) (*Account, error)

	// FindByEmail returns the account with email, compared case
	// insensitively, or ErrAccountNotFound.
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// FindByUsername returns the account with username or
	// ErrAccountNotFound.
	FindByUsername(ctx context.Context, username string) (*Account, error)

	// Create stores a new account and returns it with its ID assigned.  It
	// returns ErrAccountExists when the username is taken and
	// ErrAlreadyLinked when the subject is linked to another account.
	Create(ctx context.Context, a *Account) (*Account, error)

	// Update stores the profile and claims of an existing account.  It never
	// changes the account's subject or refresh key.
	Update(ctx context.Context, a *Account) error

	// LinkSubject sets the subject of the account with id only when the
	// account has none and no other account has it, otherwise it returns
	// ErrAlreadyLinked.
	LinkSubject(ctx context.Context, id, subject string) error

	// RefreshKey returns the refresh key of the account with id.  The key
	// is nil when none was set.
	RefreshKey(ctx context.Context, id string) ([]byte, error)

	// SetRefreshKey replaces the refresh key of the account with id.
	SetRefreshKey(ctx context.Context, id string, key []byte) error
}

// Outcome is how a Resolver mapped a claim set to an account.
type Outcome string

const (
	OutcomeLogin   Outcome = "login"
	OutcomeLinked  Outcome = "linked"
	OutcomeCreated Outcome = "created"
)

// Result is returned by Resolver.Resolve.
type Result struct {
	Account *Account
	Outcome Outcome
}
