// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oidcgeneric/oidcrp/oidc"
)

func TestEmailDomainPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := EmailDomainPolicy{Domains: []string{"example.com", "@Corp.Example"}}
	tests := []struct {
		name     string
		claims   map[string]interface{}
		verified bool
		want     bool
	}{
		{name: "match", claims: map[string]interface{}{"email": "a@example.com"}, want: true},
		{name: "case", claims: map[string]interface{}{"email": "a@CORP.example"}, want: true},
		{name: "other-domain", claims: map[string]interface{}{"email": "a@evil.com"}},
		{name: "suffix-only", claims: map[string]interface{}{"email": "a@notexample.com"}},
		{name: "no-email", claims: map[string]interface{}{"sub": "1"}},
		{name: "not-an-email", claims: map[string]interface{}{"email": "example.com"}},
		{
			name:     "verified",
			claims:   map[string]interface{}{"email": "a@example.com", "email_verified": true},
			verified: true,
			want:     true,
		},
		{
			name:     "unverified",
			claims:   map[string]interface{}{"email": "a@example.com", "email_verified": false},
			verified: true,
		},
		{
			name:     "verified-missing",
			claims:   map[string]interface{}{"email": "a@example.com"},
			verified: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			p := p
			p.RequireVerified = tt.verified
			c := testClaims(t, tt.claims)
			assert.Equal(tt.want, p.AllowLogin(ctx, c))
			assert.Equal(tt.want, p.AllowCreate(ctx, c))
		})
	}
}

func TestPolicyFuncs(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()
	var got oidc.Claims
	lp := LoginPolicyFunc(func(_ context.Context, c oidc.Claims) bool { got = c; return true })
	cp := CreationPolicyFunc(func(context.Context, oidc.Claims) bool { return false })
	c := oidc.Claims{"sub": oidc.StringValue("1")}
	assert.True(lp.AllowLogin(ctx, c))
	assert.Equal(c, got)
	assert.False(cp.AllowCreate(ctx, c))
	assert.True(AllowAll{}.AllowLogin(ctx, c))
	assert.False(DenyAll{}.AllowCreate(ctx, c))
}
