// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"context"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// Observer is notified of account lifecycle events.  Observers are called
// synchronously after the directory write succeeded and must not block.
type Observer interface {
	// AccountCreated is called once for every account a Resolver creates.
	AccountCreated(ctx context.Context, a *Account, claims oidc.Claims)

	// ClaimsUpdated is called after every successful resolution.
	ClaimsUpdated(ctx context.Context, a *Account, claims oidc.Claims)
}

// ObserverFuncs is an Observer built from optional funcs.
type ObserverFuncs struct {
	OnAccountCreated func(ctx context.Context, a *Account, claims oidc.Claims)
	OnClaimsUpdated  func(ctx context.Context, a *Account, claims oidc.Claims)
}

func (o ObserverFuncs) AccountCreated(ctx context.Context, a *Account, claims oidc.Claims) {
	if o.OnAccountCreated != nil {
		o.OnAccountCreated(ctx, a, claims)
	}
}

func (o ObserverFuncs) ClaimsUpdated(ctx context.Context, a *Account, claims oidc.Claims) {
	if o.OnClaimsUpdated != nil {
		o.OnClaimsUpdated(ctx, a, claims)
	}
}
