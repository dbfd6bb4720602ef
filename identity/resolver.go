// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// maxUsernameSuffix bounds the search for a free username.
const maxUsernameSuffix = 1000

// Resolver maps verified claims to a local account: it logs in the account
// linked to the subject, links the subject to an existing account, or
// creates a new account, as its policies allow.
type Resolver struct {
	dir            Directory
	loginPolicy    LoginPolicy
	creationPolicy CreationPolicy
	observers      []Observer

	identityKey          string
	nicknameKey          string
	emailFormat          string
	displayNameFormat    string
	identifyWithUsername bool
	linkExistingUsers    bool

	logger hclog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver over dir.
//
// Supported options: WithLoginPolicy, WithCreationPolicy, WithObserver,
// WithIdentityKey, WithNicknameKey, WithEmailFormat, WithDisplayNameFormat,
// WithIdentifyWithUsername, WithLinkExistingUsers, WithLogger, WithNow
func NewResolver(dir Directory, opt ...oidc.Option) (*Resolver, error) {
	const op = "identity.NewResolver"
	if dir == nil {
		return nil, fmt.Errorf("%s: directory is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getResolverOpts(opt...)
	return &Resolver{
		dir:                  dir,
		loginPolicy:          opts.withLoginPolicy,
		creationPolicy:       opts.withCreationPolicy,
		observers:            opts.withObservers,
		identityKey:          opts.withIdentityKey,
		nicknameKey:          opts.withNicknameKey,
		emailFormat:          opts.withEmailFormat,
		displayNameFormat:    opts.withDisplayNameFormat,
		identifyWithUsername: opts.withIdentifyWithUsername,
		linkExistingUsers:    opts.withLinkExistingUsers,
		logger:               opts.withLogger,
		now:                  opts.withNowFunc,
	}, nil
}

// Resolve maps the id_token claims and the (optional) userinfo claims of a
// login to an account.  Userinfo claims take precedence over id_token
// claims except sub, which must be equal in both.
//
// A claim set that the policies decline yields an error wrapping
// oidc.ErrIdentityRejected and leaves the directory untouched.
func (r *Resolver) Resolve(ctx context.Context, idClaims, userClaims oidc.Claims) (*Result, error) {
	const op = "Resolver.Resolve"
	subject := idClaims.Subject()
	if subject == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrIdentityRejected, oidc.ErrMissingSubject)
	}
	if userClaims != nil && userClaims.Subject() != subject {
		return nil, fmt.Errorf("%s: userinfo subject differs from id_token subject: %w: %w", op, oidc.ErrIdentityRejected, oidc.ErrSubjectMismatch)
	}
	claims := idClaims.Merge(userClaims)

	if !r.loginPolicy.AllowLogin(ctx, claims) {
		r.logger.Info("login declined by policy", "subject", subject)
		return nil, fmt.Errorf("%s: login declined by policy: %w", op, oidc.ErrIdentityRejected)
	}

	acct, err := r.dir.FindBySubject(ctx, subject)
	switch {
	case err == nil:
		return r.finish(ctx, acct, OutcomeLogin, idClaims, claims)
	case !errors.Is(err, ErrAccountNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if r.linkExistingUsers {
		acct, err := r.link(ctx, subject, claims)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if acct != nil {
			return r.finish(ctx, acct, OutcomeLinked, idClaims, claims)
		}
	}

	if !r.creationPolicy.AllowCreate(ctx, claims) {
		r.logger.Info("account creation declined by policy", "subject", subject)
		return nil, fmt.Errorf("%s: no account for subject and creation declined: %w", op, oidc.ErrIdentityRejected)
	}
	acct, err = r.create(ctx, subject, idClaims, claims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, o := range r.observers {
		o.AccountCreated(ctx, acct.Clone(), claims)
	}
	return r.finish(ctx, acct, OutcomeCreated, idClaims, claims)
}

// Account returns the account with id.
func (r *Resolver) Account(ctx context.Context, id string) (*Account, error) {
	const op = "Resolver.Account"
	a, err := r.dir.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// link returns the existing account the subject was linked to, or nil when
// there is no account to link.
func (r *Resolver) link(ctx context.Context, subject string, claims oidc.Claims) (*Account, error) {
	const op = "Resolver.link"
	var (
		acct *Account
		err  error
	)
	if r.identifyWithUsername {
		username, uerr := usernameFromClaims(claims, r.identityKey)
		if uerr != nil {
			return nil, fmt.Errorf("%s: %w", op, uerr)
		}
		acct, err = r.dir.FindByUsername(ctx, username)
	} else {
		email := claims.Email()
		if email == "" {
			return nil, nil
		}
		acct, err = r.dir.FindByEmail(ctx, email)
	}
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if acct.Record.SubjectIdentity != "" {
		r.logger.Warn("matching account is linked to another subject", "account", acct.ID)
		return nil, nil
	}
	switch err := r.dir.LinkSubject(ctx, acct.ID, subject); {
	case errors.Is(err, ErrAlreadyLinked):
		r.logger.Warn("matching account was linked concurrently", "account", acct.ID)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	acct.Record.SubjectIdentity = subject
	r.logger.Info("linked subject to existing account", "account", acct.ID)
	return acct, nil
}

func (r *Resolver) create(ctx context.Context, subject string, idClaims, claims oidc.Claims) (*Account, error) {
	const op = "Resolver.create"
	base, err := usernameFromClaims(claims, r.identityKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var email string
	if r.emailFormat != "" {
		if email, err = Format(r.emailFormat, claims); err != nil {
			return nil, fmt.Errorf("%s: email: %w", op, err)
		}
	}
	nickname, ok := claims.String(r.nicknameKey)
	if !ok {
		nickname = base
	}
	displayName := nickname
	if r.displayNameFormat != "" {
		if displayName, err = Format(r.displayNameFormat, claims); err != nil {
			return nil, fmt.Errorf("%s: display name: %w", op, err)
		}
	}
	username, err := r.freeUsername(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	acct := &Account{
		Username:    username,
		Email:       email,
		Nickname:    nickname,
		DisplayName: displayName,
		Record: Record{
			SubjectIdentity:   subject,
			LastIDTokenClaims: idClaims,
			LastUserClaims:    claims,
			CreatedByPlugin:   true,
		},
		CreatedAt: r.now(),
	}
	acct.GivenName, _ = claims.String(oidc.ClaimGivenName)
	acct.FamilyName, _ = claims.String(oidc.ClaimFamilyName)

	created, err := r.dir.Create(ctx, acct)
	switch {
	case errors.Is(err, ErrAccountExists):
		return nil, fmt.Errorf("%s: username %q taken: %w: %w", op, username, oidc.ErrIdentityRejected, err)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r.logger.Info("created account", "account", created.ID, "username", created.Username)
	return created, nil
}

// freeUsername returns base, or base with the lowest numeric suffix that is
// not taken.
func (r *Resolver) freeUsername(ctx context.Context, base string) (string, error) {
	const op = "Resolver.freeUsername"
	candidate := base
	for i := 2; i <= maxUsernameSuffix; i++ {
		_, err := r.dir.FindByUsername(ctx, candidate)
		switch {
		case errors.Is(err, ErrAccountNotFound):
			return candidate, nil
		case err != nil:
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if r.identifyWithUsername {
			return "", fmt.Errorf("%s: username %q is taken: %w", op, candidate, oidc.ErrIdentityRejected)
		}
		candidate = base + strconv.Itoa(i)
	}
	return "", fmt.Errorf("%s: no free username for %q: %w", op, base, oidc.ErrIdentityRejected)
}

// finish records the claims of a successful resolution and notifies the
// observers.
func (r *Resolver) finish(ctx context.Context, acct *Account, outcome Outcome, idClaims, claims oidc.Claims) (*Result, error) {
	const op = "Resolver.finish"
	acct.Record.LastIDTokenClaims = idClaims
	acct.Record.LastUserClaims = claims
	if err := r.dir.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("%s: unable to update claims: %w", op, err)
	}
	for _, o := range r.observers {
		o.ClaimsUpdated(ctx, acct.Clone(), claims)
	}
	r.logger.Debug("resolved identity", "account", acct.ID, "outcome", string(outcome))
	return &Result{Account: acct, Outcome: outcome}, nil
}
