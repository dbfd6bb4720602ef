// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"net/http"
)

// LoginType is how the host's login form starts a login.
type LoginType string

const (
	// LoginTypeButton shows the login button on the form.
	LoginTypeButton LoginType = "button"

	// LoginTypeAuto skips the form and sends the user to the provider.
	LoginTypeAuto LoginType = "auto"
)

// Valid reports whether t is a known login type.
func (t LoginType) Valid() bool {
	return t == LoginTypeButton || t == LoginTypeAuto
}

// LoginForm wraps the handler of the host's login form.  With LoginTypeAuto
// anonymous requests are redirected to the login path, except those
// carrying a login-error code, whose message the form has to show.
func (c *Controller) LoginForm(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.loginType != LoginTypeAuto || r.URL.Query().Get(LoginErrorParam) != "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := c.host.CurrentAccount(r); ok {
			next.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, c.loginHref(r), http.StatusFound)
	})
}
