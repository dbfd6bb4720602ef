// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// codecOptions is the set of available options for Codec and Keys
type codecOptions struct {
	withCookieName string
	withCookiePath string
	withSecure     bool
	withSameSite   http.SameSite
	withMaxAge     time.Duration
	withNowFunc    func() time.Time
	withLogger     hclog.Logger
}

// codecDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func codecDefaults() codecOptions {
	return codecOptions{
		withCookieName: DefaultCookieName,
		withCookiePath: "/",
		withSecure:     true,
		withSameSite:   http.SameSiteLaxMode,
		withMaxAge:     DefaultMaxAge,
		withNowFunc:    time.Now,
		withLogger:     hclog.NewNullLogger(),
	}
}

func getCodecOpts(opt ...oidc.Option) codecOptions {
	opts := codecDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithCookieName provides the cookie name.  Valid for: Codec
func WithCookieName(name string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok && name != "" {
			v.withCookieName = name
		}
	}
}

// WithCookiePath provides the cookie path.  Valid for: Codec
func WithCookiePath(path string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok && path != "" {
			v.withCookiePath = path
		}
	}
}

// WithSecure sets the Secure attribute of the cookie.  Defaults to true.
// Valid for: Codec
func WithSecure(secure bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok {
			v.withSecure = secure
		}
	}
}

// WithSameSite provides the SameSite attribute of the cookie.  Defaults to
// Lax, which lets the cookie accompany the IdP's redirect back.  Valid for:
// Codec
func WithSameSite(s http.SameSite) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok {
			v.withSameSite = s
		}
	}
}

// WithMaxAge provides the maximum age of a cookie.  Valid for: Codec
func WithMaxAge(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok && d >= time.Second {
			v.withMaxAge = d
		}
	}
}

// WithNow provides an optional func for determining the current time.
// Valid for: Codec
func WithNow(now func() time.Time) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok && now != nil {
			v.withNowFunc = now
		}
	}
}

// WithLogger provides an optional logger.  Valid for: Codec and Keys
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*codecOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}
