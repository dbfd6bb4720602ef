// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
	"github.com/oidcgeneric/oidcrp/session"
)

// controllerOptions is the set of available options for a Controller
type controllerOptions struct {
	withCodec             *session.Codec
	withHooks             []TransitionHook
	withLabeler           ButtonLabeler
	withLogger            hclog.Logger
	withNowFunc           func() time.Time
	withLoginPath         string
	withLogoutPath        string
	withLoginFormPath     string
	withLoginType         LoginType
	withHomeURL           string
	withPostLogoutURL     string
	withRedirectUserBack  bool
	withEnforcePrivacy    bool
	withPublicPaths       []string
	withRefreshSkew       time.Duration
	withAuthParams        [][2]string
	withAlternateCallback bool
}

// controllerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func controllerDefaults() controllerOptions {
	return controllerOptions{
		withLabeler:       DefaultButtonLabeler{},
		withLogger:        hclog.NewNullLogger(),
		withNowFunc:       time.Now,
		withLoginPath:     DefaultLoginPath,
		withLogoutPath:    DefaultLogoutPath,
		withLoginFormPath: DefaultLoginFormPath,
		withLoginType:     LoginTypeButton,
		withHomeURL:       DefaultHomePath,
		withRefreshSkew:   DefaultRefreshSkew,
	}
}

func getControllerOpts(opt ...oidc.Option) controllerOptions {
	opts := controllerDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithCodec provides the refresh cookie codec.
func WithCodec(c *session.Codec) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && c != nil {
			v.withCodec = c
		}
	}
}

// WithTransitionHook adds a hook that observes state transitions.
func WithTransitionHook(h TransitionHook) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && h != nil {
			v.withHooks = append(v.withHooks, h)
		}
	}
}

// WithButtonLabeler provides the login button labeler.
func WithButtonLabeler(l ButtonLabeler) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && l != nil {
			v.withLabeler = l
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithNow provides an optional func for determining the current time.
func WithNow(now func() time.Time) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && now != nil {
			v.withNowFunc = now
		}
	}
}

// WithLoginPath provides the path that starts a login.
func WithLoginPath(p string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && p != "" {
			v.withLoginPath = p
		}
	}
}

// WithLogoutPath provides the logout path.
func WithLogoutPath(p string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && p != "" {
			v.withLogoutPath = p
		}
	}
}

// WithLoginFormPath provides the path of the host's login form, where
// failed logins are sent with a login-error parameter.
func WithLoginFormPath(p string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && p != "" {
			v.withLoginFormPath = p
		}
	}
}

// WithHomeURL provides where users go after logging in, unless they are
// sent back, and after logging out.
func WithHomeURL(u string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && u != "" {
			v.withHomeURL = u
		}
	}
}

// WithPostLogoutURL provides the absolute URL the provider sends users to
// after its end session endpoint.
func WithPostLogoutURL(u string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok {
			v.withPostLogoutURL = u
		}
	}
}

// WithRedirectUserBack sends users back to the page they started the login
// from.
func WithRedirectUserBack(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok {
			v.withRedirectUserBack = enabled
		}
	}
}

// WithEnforcePrivacy makes EnforcePrivacy and FeedContent hide the site
// from anonymous users.
func WithEnforcePrivacy(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok {
			v.withEnforcePrivacy = enabled
		}
	}
}

// WithPublicPaths provides path prefixes that stay reachable anonymously
// when privacy is enforced.
func WithPublicPaths(prefixes ...string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok {
			v.withPublicPaths = append(v.withPublicPaths, prefixes...)
		}
	}
}

// WithRefreshSkew provides how long before the access token expires a
// refresh is started.
func WithRefreshSkew(d time.Duration) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && d >= 0 {
			v.withRefreshSkew = d
		}
	}
}

// WithAuthParam adds a parameter to every authorization request, such as
// prompt or acr_values.
func WithAuthParam(key, value string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && key != "" {
			v.withAuthParams = append(v.withAuthParams, [2]string{key, value})
		}
	}
}

// WithAlternateCallback also serves the callback at AlternateCallbackPath.
func WithAlternateCallback(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok {
			v.withAlternateCallback = enabled
		}
	}
}

// WithLoginType provides how the host's login form starts a login.
func WithLoginType(t LoginType) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*controllerOptions); ok && t.Valid() {
			v.withLoginType = t
		}
	}
}
