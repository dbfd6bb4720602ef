// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// recordingObserver records the notifications it receives.
type recordingObserver struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (o *recordingObserver) AccountCreated(_ context.Context, a *Account, _ oidc.Claims) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, a.ID)
}

func (o *recordingObserver) ClaimsUpdated(_ context.Context, a *Account, _ oidc.Claims) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updated = append(o.updated, a.ID)
}

func TestNewResolver(t *testing.T) {
	t.Parallel()
	_, err := NewResolver(nil)
	assert.ErrorIs(t, err, oidc.ErrNilParameter)

	r, err := NewResolver(NewMemoryDirectory())
	require.NoError(t, err)
	assert.Equal(t, DefaultIdentityKey, r.identityKey)
	assert.Equal(t, DefaultEmailFormat, r.emailFormat)
	assert.IsType(t, AllowAll{}, r.loginPolicy)
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create-then-login", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		obs := &recordingObserver{}
		r, err := NewResolver(dir, WithObserver(obs), WithDisplayNameFormat("{given_name} {family_name}"))
		require.NoError(err)
		idClaims := testClaims(t, map[string]interface{}{"sub": "u1", "email": "old@example.com"})
		userClaims := testClaims(t, map[string]interface{}{
			"sub":                "u1",
			"email":              "alice@example.com",
			"preferred_username": "Alice",
			"given_name":         "Alice",
			"family_name":        "Doe",
		})

		res, err := r.Resolve(ctx, idClaims, userClaims)
		require.NoError(err)
		assert.Equal(OutcomeCreated, res.Outcome)
		acct := res.Account
		assert.Equal("alice", acct.Username)
		assert.Equal("alice@example.com", acct.Email, "userinfo wins")
		assert.Equal("Alice", acct.Nickname)
		assert.Equal("Alice Doe", acct.DisplayName)
		assert.Equal("Alice", acct.GivenName)
		assert.Equal("Doe", acct.FamilyName)
		assert.Equal("u1", acct.Record.SubjectIdentity)
		assert.True(acct.Record.CreatedByPlugin)
		assert.Equal(idClaims, acct.Record.LastIDTokenClaims)
		email, _ := acct.Record.LastUserClaims.String("email")
		assert.Equal("alice@example.com", email)
		assert.Equal([]string{acct.ID}, obs.created)
		assert.Equal([]string{acct.ID}, obs.updated)

		// repeated logins resolve to the same account
		for i := 0; i < 3; i++ {
			res, err := r.Resolve(ctx, idClaims, userClaims)
			require.NoError(err)
			assert.Equal(OutcomeLogin, res.Outcome)
			assert.Equal(acct.ID, res.Account.ID)
		}
		assert.Equal(1, dir.Len())
		assert.Len(obs.created, 1)
		assert.Len(obs.updated, 4)
	})

	t.Run("claims-updated-on-login", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		r, err := NewResolver(dir)
		require.NoError(err)
		first := testClaims(t, map[string]interface{}{"sub": "u1", "preferred_username": "bob", "email": "bob@example.com"})
		res, err := r.Resolve(ctx, first, nil)
		require.NoError(err)

		second := testClaims(t, map[string]interface{}{"sub": "u1", "preferred_username": "bob", "email": "bob@new.example.com"})
		_, err = r.Resolve(ctx, second, nil)
		require.NoError(err)
		got, err := dir.Get(ctx, res.Account.ID)
		require.NoError(err)
		email, _ := got.Record.LastUserClaims.String("email")
		assert.Equal("bob@new.example.com", email)
		assert.Equal("bob@example.com", got.Email, "profile is set at creation only")
	})

	t.Run("creation-disabled-no-match", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		obs := &recordingObserver{}
		r, err := NewResolver(dir, WithCreationPolicy(DenyAll{}), WithLinkExistingUsers(true), WithObserver(obs))
		require.NoError(err)
		_, err = r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u9", "email": "nobody@example.com"}), nil)
		require.Error(err)
		assert.ErrorIs(err, oidc.ErrIdentityRejected)
		assert.Equal(0, dir.Len())
		assert.Empty(obs.created)
		assert.Empty(obs.updated)
	})

	t.Run("link-disabled-creates-distinct", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		existing, err := dir.Create(ctx, &Account{Username: "a", Email: "a@example.com"})
		require.NoError(err)
		r, err := NewResolver(dir, WithLinkExistingUsers(false))
		require.NoError(err)

		res, err := r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u1", "email": "a@example.com"}), nil)
		require.NoError(err)
		assert.Equal(OutcomeCreated, res.Outcome)
		assert.NotEqual(existing.ID, res.Account.ID)
		assert.Equal("a2", res.Account.Username)
		assert.Equal(2, dir.Len())
		got, err := dir.Get(ctx, existing.ID)
		require.NoError(err)
		assert.Empty(got.Record.SubjectIdentity)
	})

	t.Run("link-by-email", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		existing, err := dir.Create(ctx, &Account{Username: "carol", Email: "Carol@Example.com"})
		require.NoError(err)
		r, err := NewResolver(dir, WithLinkExistingUsers(true), WithCreationPolicy(DenyAll{}))
		require.NoError(err)

		res, err := r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u3", "email": "carol@example.com"}), nil)
		require.NoError(err)
		assert.Equal(OutcomeLinked, res.Outcome)
		assert.Equal(existing.ID, res.Account.ID)
		assert.False(res.Account.Record.CreatedByPlugin)
		got, err := dir.FindBySubject(ctx, "u3")
		require.NoError(err)
		assert.Equal(existing.ID, got.ID)
	})

	t.Run("link-skips-linked-account", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		_, err := dir.Create(ctx, &Account{Username: "dan", Email: "dan@example.com", Record: Record{SubjectIdentity: "other"}})
		require.NoError(err)
		r, err := NewResolver(dir, WithLinkExistingUsers(true), WithCreationPolicy(DenyAll{}))
		require.NoError(err)
		_, err = r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u4", "email": "dan@example.com"}), nil)
		assert.ErrorIs(err, oidc.ErrIdentityRejected)
	})

	t.Run("link-by-username", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		existing, err := dir.Create(ctx, &Account{Username: "erin"})
		require.NoError(err)
		r, err := NewResolver(dir, WithLinkExistingUsers(true), WithIdentifyWithUsername(true))
		require.NoError(err)
		res, err := r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u5", "preferred_username": "Erin"}), nil)
		require.NoError(err)
		assert.Equal(OutcomeLinked, res.Outcome)
		assert.Equal(existing.ID, res.Account.ID)
	})

	t.Run("username-collision-rejected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		_, err := dir.Create(ctx, &Account{Username: "frank"})
		require.NoError(err)
		r, err := NewResolver(dir, WithIdentifyWithUsername(true))
		require.NoError(err)
		_, err = r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u6", "preferred_username": "frank", "email": "frank@example.com"}), nil)
		assert.ErrorIs(err, oidc.ErrIdentityRejected)
		assert.Equal(1, dir.Len())
	})

	t.Run("login-policy-gate", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		r, err := NewResolver(dir)
		require.NoError(err)
		claims := testClaims(t, map[string]interface{}{"sub": "u7", "email": "g@example.com"})
		_, err = r.Resolve(ctx, claims, nil)
		require.NoError(err)

		gated, err := NewResolver(dir, WithLoginPolicy(EmailDomainPolicy{Domains: []string{"corp.example"}}))
		require.NoError(err)
		_, err = gated.Resolve(ctx, claims, nil)
		assert.ErrorIs(err, oidc.ErrIdentityRejected)
	})

	t.Run("missing-format-claim", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		r, err := NewResolver(dir, WithDisplayNameFormat("{given_name}"))
		require.NoError(err)
		_, err = r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u8", "preferred_username": "h", "email": "h@example.com"}), nil)
		assert.ErrorIs(err, ErrMissingClaim)
		assert.Equal(0, dir.Len())
	})

	t.Run("empty-email-format", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewResolver(NewMemoryDirectory(), WithEmailFormat(""))
		require.NoError(err)
		res, err := r.Resolve(ctx, testClaims(t, map[string]interface{}{"sub": "u10", "preferred_username": "ivy"}), nil)
		require.NoError(err)
		assert.Empty(res.Account.Email)
		assert.Equal("ivy", res.Account.DisplayName)
	})

	t.Run("subject-mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		dir := NewMemoryDirectory()
		r, err := NewResolver(dir)
		require.NoError(err)
		_, err = r.Resolve(ctx,
			testClaims(t, map[string]interface{}{"sub": "u1"}),
			testClaims(t, map[string]interface{}{"sub": "u2", "preferred_username": "x"}))
		assert.ErrorIs(err, oidc.ErrSubjectMismatch)
		assert.ErrorIs(err, oidc.ErrIdentityRejected)
		assert.Equal(0, dir.Len())
	})

	t.Run("missing-subject", func(t *testing.T) {
		r, err := NewResolver(NewMemoryDirectory())
		require.NoError(t, err)
		_, err = r.Resolve(ctx, testClaims(t, map[string]interface{}{"email": "x@example.com"}), nil)
		assert.ErrorIs(t, err, oidc.ErrMissingSubject)
	})
}
