// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"net/http"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// Logout clears the refresh cookie and the host session, then sends the
// browser to the provider's end session endpoint when one is configured,
// or home.
func (c *Controller) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, wasAuthenticated := c.host.CurrentAccount(r)
	var hint oidc.IDToken
	if wasAuthenticated {
		hint = c.idTokenHint(r, accountID)
	}
	c.codec.Clear(w)
	if err := c.host.Logout(w, r); err != nil {
		c.logger.Error("unable to end host session", "account", accountID, "error", err)
	}
	if wasAuthenticated {
		c.logger.Info("logged out", "account", accountID)
		c.transition(ctx, Transition{From: Authenticated, To: Anonymous, AccountID: accountID})
	}

	dest := c.homeURL
	if c.provider.Config().Endpoints.EndSessionURL != "" {
		u, err := c.provider.EndSessionURL(hint, c.postLogoutURL)
		if err != nil {
			c.logger.Warn("unable to build end session url", "error", err)
		} else {
			dest = u
		}
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// idTokenHint returns the id_token kept in the account's refresh cookie, if
// any.
func (c *Controller) idTokenHint(r *http.Request, accountID string) oidc.IDToken {
	key, err := c.keys.Get(r.Context(), accountID)
	if err != nil {
		return ""
	}
	p, err := c.codec.Read(r, accountID, key)
	if err != nil {
		return ""
	}
	return p.IDToken
}
