// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Register adds the login, callback and logout routes to r.
func (c *Controller) Register(r chi.Router) {
	r.Get(c.loginPath, c.Login)
	for _, p := range c.callbackPaths {
		r.Get(p, c.Callback)
	}
	r.Get(c.logoutPath, c.Logout)
	r.Post(c.logoutPath, c.Logout)
}

// Routes returns a router serving the login, callback and logout routes.
func (c *Controller) Routes() http.Handler {
	r := chi.NewRouter()
	c.Register(r)
	return r
}
