// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"
	"strings"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// LoginPolicy decides whether a claim set may log in at all.  It is
// consulted before any account lookup.
type LoginPolicy interface {
	AllowLogin(ctx context.Context, claims oidc.Claims) bool
}

// CreationPolicy decides whether a claim set without an account may create
// one.
type CreationPolicy interface {
	AllowCreate(ctx context.Context, claims oidc.Claims) bool
}

// LoginPolicyFunc adapts a func to a LoginPolicy.
type LoginPolicyFunc func(ctx context.Context, claims oidc.Claims) bool

func (f LoginPolicyFunc) AllowLogin(ctx context.Context, claims oidc.Claims) bool {
	return f(ctx, claims)
}

// CreationPolicyFunc adapts a func to a CreationPolicy.
type CreationPolicyFunc func(ctx context.Context, claims oidc.Claims) bool

func (f CreationPolicyFunc) AllowCreate(ctx context.Context, claims oidc.Claims) bool {
	return f(ctx, claims)
}

// AllowAll is the default LoginPolicy and CreationPolicy.
type AllowAll struct{}

func (AllowAll) AllowLogin(context.Context, oidc.Claims) bool  { return true }
func (AllowAll) AllowCreate(context.Context, oidc.Claims) bool { return true }

// DenyAll declines every claim set.
type DenyAll struct{}

func (DenyAll) AllowLogin(context.Context, oidc.Claims) bool  { return false }
func (DenyAll) AllowCreate(context.Context, oidc.Claims) bool { return false }

// EmailDomainPolicy allows claim sets whose email claim is in one of
// Domains.  When RequireVerified is set the email_verified claim must be
// true as well.
type EmailDomainPolicy struct {
	Domains         []string
	RequireVerified bool
}

func (p EmailDomainPolicy) AllowLogin(_ context.Context, claims oidc.Claims) bool {
	return p.allow(claims)
}

func (p EmailDomainPolicy) AllowCreate(_ context.Context, claims oidc.Claims) bool {
	return p.allow(claims)
}

func (p EmailDomainPolicy) allow(claims oidc.Claims) bool {
	email := claims.Email()
	if email == "" {
		return false
	}
	if p.RequireVerified {
		v, _ := claims.Lookup("email_verified")
		if verified, ok := v.Bool(); !ok || !verified {
			return false
		}
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range p.Domains {
		if strings.EqualFold(strings.TrimPrefix(d, "@"), domain) {
			return true
		}
	}
	return false
}
