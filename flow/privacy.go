// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"net/http"
	"net/url"
	"strings"
)

// PrivacyPlaceholder replaces feed content for anonymous users of a private
// site.
const PrivacyPlaceholder = "Private site"

// EnforcePrivacy redirects anonymous requests to the login path when privacy
// is enforced.  The login, callback, logout and login form paths, and any
// public path, stay reachable.
func (c *Controller) EnforcePrivacy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.enforcePrivacy || c.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := c.host.CurrentAccount(r); ok {
			next.ServeHTTP(w, r)
			return
		}
		dest := c.loginPath
		if c.redirectUserBack {
			v := url.Values{}
			v.Set(ReturnToParam, r.URL.RequestURI())
			dest += "?" + v.Encode()
		}
		http.Redirect(w, r, dest, http.StatusFound)
	})
}

// FeedContent returns content, or PrivacyPlaceholder when privacy is
// enforced and r is anonymous.  Feed readers can not follow a login
// redirect.
func (c *Controller) FeedContent(r *http.Request, content string) string {
	if !c.enforcePrivacy {
		return content
	}
	if _, ok := c.host.CurrentAccount(r); ok {
		return content
	}
	return PrivacyPlaceholder
}

func (c *Controller) isPublic(p string) bool {
	if c.isFlowPath(p) {
		return true
	}
	for _, prefix := range c.publicPaths {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
