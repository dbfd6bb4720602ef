// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/oidcgeneric/oidcrp/oidc"
	"github.com/oidcgeneric/oidcrp/session"
)

// EnsureFresh renews the access token of an authenticated request whose
// refresh cookie says it expires soon.  It returns the state the user is in
// afterwards.
//
// Any failure to read the cookie or to refresh logs the user out locally
// and is not returned as an error: the user simply has to log in again.
// Errors are only returned when the account's key can not be loaded.
func (c *Controller) EnsureFresh(w http.ResponseWriter, r *http.Request) (State, error) {
	const op = "Controller.EnsureFresh"
	ctx := r.Context()
	accountID, ok := c.host.CurrentAccount(r)
	if !ok {
		return Anonymous, nil
	}
	if _, err := r.Cookie(c.codec.CookieName()); err != nil {
		return Authenticated, nil
	}

	key, err := c.keys.Get(ctx, accountID)
	switch {
	case errors.Is(err, session.ErrDecrypt):
		return c.demote(w, r, Authenticated, accountID, fmt.Errorf("%s: %w", op, err)), nil
	case err != nil:
		return Authenticated, fmt.Errorf("%s: %w", op, err)
	}
	p, err := c.codec.Read(r, accountID, key)
	if err != nil {
		return c.demote(w, r, Authenticated, accountID, fmt.Errorf("%s: %w", op, err)), nil
	}
	if !p.NeedsRefresh(c.now(), c.refreshSkew) {
		return Authenticated, nil
	}

	c.transition(ctx, Transition{From: Authenticated, To: RefreshPending, AccountID: accountID})
	tok, err := c.provider.Refresh(ctx, p.RefreshToken)
	if err != nil {
		return c.demote(w, r, RefreshPending, accountID, fmt.Errorf("%s: %w", op, err)), nil
	}
	if tok.IDToken != "" {
		idClaims, err := c.provider.VerifyIDToken(ctx, tok.IDToken, "")
		if err != nil {
			return c.demote(w, r, RefreshPending, accountID, fmt.Errorf("%s: %w", op, err)), nil
		}
		if idClaims.Subject != "" {
			if linked, _ := c.linkedSubject(r, accountID); linked != "" && linked != idClaims.Subject {
				return c.demote(w, r, RefreshPending, accountID, fmt.Errorf("%s: %w: %w", op, oidc.ErrTokenInvalid, oidc.ErrSubjectMismatch)), nil
			}
		}
	}
	idToken := tok.IDToken
	if idToken == "" {
		idToken = p.IDToken
	}
	err = c.codec.Write(w, &session.Payload{
		AccountID:    accountID,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     c.now(),
		AccessExpiry: tok.Expiry,
		IDToken:      idToken,
	}, key)
	if err != nil {
		return c.demote(w, r, RefreshPending, accountID, fmt.Errorf("%s: %w", op, err)), nil
	}
	c.logger.Debug("refreshed session", "account", accountID)
	c.transition(ctx, Transition{From: RefreshPending, To: Authenticated, AccountID: accountID})
	return Authenticated, nil
}

// linkedSubject returns the subject linked to the account, if any.
func (c *Controller) linkedSubject(r *http.Request, accountID string) (string, error) {
	acct, err := c.resolver.Account(r.Context(), accountID)
	if err != nil {
		return "", err
	}
	return acct.Record.SubjectIdentity, nil
}

// demote clears the refresh cookie and the host session.
func (c *Controller) demote(w http.ResponseWriter, r *http.Request, from State, accountID string, reason error) State {
	c.logger.Info("session could not be renewed", "account", accountID, "error", reason)
	c.codec.Clear(w)
	if err := c.host.Logout(w, r); err != nil {
		c.logger.Error("unable to end host session", "account", accountID, "error", err)
	}
	c.transition(r.Context(), Transition{From: from, To: Anonymous, AccountID: accountID, Err: reason})
	return Anonymous
}

// RefreshMiddleware runs EnsureFresh before next.
func (c *Controller) RefreshMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := c.EnsureFresh(w, r); err != nil {
			c.logger.Error("unable to check session freshness", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}
