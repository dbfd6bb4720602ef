// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"fmt"
	"net/http"

	"github.com/oidcgeneric/oidcrp/oidc"
	"github.com/oidcgeneric/oidcrp/session"
	"github.com/oidcgeneric/oidcrp/state"
)

// Login starts an authentication: it issues a state and nonce and redirects
// the browser to the provider.
func (c *Controller) Login(w http.ResponseWriter, r *http.Request) {
	const op = "Controller.Login"
	ctx := r.Context()

	var issueOpts []oidc.Option
	if c.redirectUserBack {
		if rt := safeReturnTo(r.URL.Query().Get(ReturnToParam)); rt != "" {
			issueOpts = append(issueOpts, state.WithReturnTo(rt))
		}
	}
	tk, err := c.states.Issue(ctx, issueOpts...)
	if err != nil {
		c.fail(w, r, Anonymous, fmt.Errorf("%s: %w", op, err), CodeState)
		return
	}

	authOpts := make([]oidc.Option, 0, len(c.authParams))
	for _, kv := range c.authParams {
		authOpts = append(authOpts, oidc.WithAuthParam(kv[0], kv[1]))
	}
	redirect, err := c.provider.AuthURL(ctx, tk.Value, tk.Nonce, authOpts...)
	if err != nil {
		c.fail(w, r, Anonymous, fmt.Errorf("%s: %w", op, err), CodeState)
		return
	}
	c.transition(ctx, Transition{From: Anonymous, To: AwaitingCallback})
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback completes an authentication from the provider's redirect back:
// it validates the state, exchanges the code, verifies the id_token,
// fetches userinfo, resolves the account, writes the refresh cookie and
// starts the host session.  Any failure sends the browser to the login
// form with a login-error code.
func (c *Controller) Callback(w http.ResponseWriter, r *http.Request) {
	const op = "Controller.Callback"
	ctx := r.Context()
	q := r.URL.Query()

	// the state is consumed even when the provider reports an error
	tk, stateErr := c.states.Validate(ctx, q.Get("state"))

	if e := q.Get("error"); e != "" {
		c.logger.Info("provider returned an error", "error", e, "error_description", q.Get("error_description"))
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: provider error %q: %w", op, e, oidc.ErrProviderRejected), CodeProvider)
		return
	}
	if stateErr != nil {
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: %w", op, stateErr), CodeState)
		return
	}
	code := q.Get("code")
	if code == "" {
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: missing authorization code: %w", op, oidc.ErrProviderRejected), CodeProvider)
		return
	}

	tok, err := c.provider.Exchange(ctx, code)
	if err != nil {
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: %w", op, err), CodeProvider)
		return
	}
	idClaims, err := c.provider.VerifyIDToken(ctx, tok.IDToken, tk.Nonce)
	if err != nil {
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: %w", op, err), CodeToken)
		return
	}
	var userClaims oidc.Claims
	if c.provider.Config().HasUserInfo() {
		if userClaims, err = c.provider.UserInfo(ctx, tok.AccessToken); err != nil {
			c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: %w", op, err), CodeProvider)
			return
		}
	}
	res, err := c.resolver.Resolve(ctx, idClaims.Claims, userClaims)
	if err != nil {
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: %w", op, err), CodeIdentity)
		return
	}
	acct := res.Account

	if tok.RefreshToken != "" {
		if err := c.writeRefreshCookie(w, r, acct.ID, tok); err != nil {
			// the login stands, it just can not be renewed silently
			c.logger.Warn("unable to write refresh cookie", "account", acct.ID, "error", err)
		}
	}
	if err := c.host.Login(w, r, acct.ID); err != nil {
		c.codec.Clear(w)
		c.fail(w, r, AwaitingCallback, fmt.Errorf("%s: %w", op, err), CodeSession)
		return
	}
	c.logger.Info("login succeeded", "account", acct.ID, "outcome", string(res.Outcome))
	c.transition(ctx, Transition{From: AwaitingCallback, To: Authenticated, AccountID: acct.ID})

	dest := c.homeURL
	if c.redirectUserBack && tk.ReturnTo != "" {
		dest = tk.ReturnTo
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (c *Controller) writeRefreshCookie(w http.ResponseWriter, r *http.Request, accountID string, tok *oidc.Token) error {
	key, err := c.keys.Ensure(r.Context(), accountID)
	if err != nil {
		return err
	}
	return c.codec.Write(w, &session.Payload{
		AccountID:    accountID,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     c.now(),
		AccessExpiry: tok.Expiry,
		IDToken:      tok.IDToken,
	}, key)
}
