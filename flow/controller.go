// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/identity"
	"github.com/oidcgeneric/oidcrp/oidc"
	"github.com/oidcgeneric/oidcrp/session"
	"github.com/oidcgeneric/oidcrp/state"
)

// Default paths.
const (
	DefaultLoginPath      = "/oidc/login"
	DefaultCallbackPath   = "/oidc/callback"
	AlternateCallbackPath = "/openid-connect-authorize"
	DefaultLogoutPath     = "/oidc/logout"
	DefaultLoginFormPath  = "/login"
	DefaultHomePath       = "/"
)

// DefaultRefreshSkew is how long before the access token expires a refresh
// is started.
const DefaultRefreshSkew = 30 * time.Second

// ReturnToParam is the query parameter of the login path with the local
// path to return to after logging in.
const ReturnToParam = "return_to"

// Controller runs the login, callback, refresh and logout legs of the
// authorization code flow.
type Controller struct {
	provider *oidc.Provider
	states   state.Store
	resolver *identity.Resolver
	keys     *session.Keys
	codec    *session.Codec
	host     SessionHost

	hooks   []TransitionHook
	labeler ButtonLabeler
	logger  hclog.Logger
	now     func() time.Time

	loginPath        string
	callbackPaths    []string
	logoutPath       string
	loginFormPath    string
	loginType        LoginType
	homeURL          string
	postLogoutURL    string
	redirectUserBack bool
	enforcePrivacy   bool
	publicPaths      []string
	refreshSkew      time.Duration
	authParams       [][2]string
}

// NewController creates a Controller.  The callback path is the path of
// the provider config's redirect URL.
//
// Supported options: WithCodec, WithTransitionHook, WithButtonLabeler,
// WithLogger, WithNow, WithLoginPath, WithLogoutPath, WithLoginFormPath,
// WithHomeURL, WithPostLogoutURL, WithRedirectUserBack,
// WithEnforcePrivacy, WithPublicPaths, WithRefreshSkew, WithAuthParam,
// WithAlternateCallback, WithLoginType
func NewController(p *oidc.Provider, states state.Store, resolver *identity.Resolver, keys *session.Keys, host SessionHost, opt ...oidc.Option) (*Controller, error) {
	const op = "flow.NewController"
	switch {
	case p == nil:
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	case states == nil:
		return nil, fmt.Errorf("%s: state store is nil: %w", op, oidc.ErrNilParameter)
	case resolver == nil:
		return nil, fmt.Errorf("%s: resolver is nil: %w", op, oidc.ErrNilParameter)
	case keys == nil:
		return nil, fmt.Errorf("%s: keys are nil: %w", op, oidc.ErrNilParameter)
	case host == nil:
		return nil, fmt.Errorf("%s: session host is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getControllerOpts(opt...)

	redirect, err := url.Parse(p.Config().RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("%s: redirect url: %w", op, err)
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = DefaultCallbackPath
	}
	callbackPaths := []string{callbackPath}
	if opts.withAlternateCallback && callbackPath != AlternateCallbackPath {
		callbackPaths = append(callbackPaths, AlternateCallbackPath)
	}

	codec := opts.withCodec
	if codec == nil {
		codec = session.NewCodec(session.WithLogger(opts.withLogger), session.WithNow(opts.withNowFunc))
	}
	return &Controller{
		provider:         p,
		states:           states,
		resolver:         resolver,
		keys:             keys,
		codec:            codec,
		host:             host,
		hooks:            opts.withHooks,
		labeler:          opts.withLabeler,
		logger:           opts.withLogger,
		now:              opts.withNowFunc,
		loginPath:        opts.withLoginPath,
		callbackPaths:    callbackPaths,
		logoutPath:       opts.withLogoutPath,
		loginFormPath:    opts.withLoginFormPath,
		loginType:        opts.withLoginType,
		homeURL:          opts.withHomeURL,
		postLogoutURL:    opts.withPostLogoutURL,
		redirectUserBack: opts.withRedirectUserBack,
		enforcePrivacy:   opts.withEnforcePrivacy,
		publicPaths:      opts.withPublicPaths,
		refreshSkew:      opts.withRefreshSkew,
		authParams:       opts.withAuthParams,
	}, nil
}

// LoginPath returns the path that starts a login.
func (c *Controller) LoginPath() string { return c.loginPath }

// CallbackPaths returns the paths the provider redirects back to.
func (c *Controller) CallbackPaths() []string { return c.callbackPaths }

// Codec returns the refresh cookie codec.
func (c *Controller) Codec() *session.Codec { return c.codec }

func (c *Controller) transition(ctx context.Context, t Transition) {
	if t.Err != nil {
		c.logger.Debug("transition", "from", t.From.String(), "to", t.To.String(), "account", t.AccountID, "error", t.Err)
	} else {
		c.logger.Trace("transition", "from", t.From.String(), "to", t.To.String(), "account", t.AccountID)
	}
	for _, h := range c.hooks {
		h(ctx, t)
	}
}

// fail ends a login attempt: the user goes back to the login form with a
// generic error code.
func (c *Controller) fail(w http.ResponseWriter, r *http.Request, from State, err error, fallback ErrorCode) {
	code := errorCode(err, fallback)
	c.logger.Error("login failed", "code", string(code), "error", err)
	c.transition(r.Context(), Transition{From: from, To: Anonymous, Err: err})
	http.Redirect(w, r, c.loginErrorURL(code), http.StatusFound)
}

func (c *Controller) loginErrorURL(code ErrorCode) string {
	v := url.Values{}
	v.Set(LoginErrorParam, string(code))
	return c.loginFormPath + "?" + v.Encode()
}

// safeReturnTo accepts only local absolute paths, so that a login can not
// be used as an open redirect.
func safeReturnTo(s string) string {
	if s == "" || !strings.HasPrefix(s, "/") || strings.HasPrefix(s, "//") || strings.HasPrefix(s, "/\\") {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return s
}

func (c *Controller) isFlowPath(p string) bool {
	if p == c.loginPath || p == c.logoutPath || p == c.loginFormPath {
		return true
	}
	for _, cb := range c.callbackPaths {
		if p == cb {
			return true
		}
	}
	return false
}
