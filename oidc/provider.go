// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"github.com/oidcgeneric/oidcrp/oidc/internal/strutils"
)

// maxResponseSize bounds how much of a userinfo response is read.
const maxResponseSize = 1 << 20

// Provider provides integration with an OIDC provider using the
// authorization code flow.  It is safe for concurrent use and keeps no per
// request state.
type Provider struct {
	config  *Config
	client  *http.Client
	keySet  KeySet
	oauth   *oauth2.Config
	logger  hclog.Logger
	now     func() time.Time
	retries int
}

// NewProvider creates a Provider for the config.  No request is sent to the
// provider; keys are fetched lazily on the first verification.
//
// Supported options: WithNow, WithLogger, WithRequestAugmenter, WithRetries,
// WithKeySet
func NewProvider(c *Config, opt ...Option) (*Provider, error) {
	const op = "oidc.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	opts := getProviderOpts(opt...)

	augmenter := augmenters{}
	if c.TokenAuthStyle == AuthStyleJWT {
		augmenter = append(augmenter, &clientAssertion{
			clientID: c.ClientID,
			secret:   c.ClientSecret,
			audience: c.Endpoints.TokenURL,
			now:      opts.withNowFunc,
		})
	}
	if opts.withAugmenter != nil {
		augmenter = append(augmenter, opts.withAugmenter)
	}
	client, err := NewHTTPClient(c, augmenter)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}

	ks := opts.withKeySet
	if ks == nil {
		if ks, err = newKeySet(context.Background(), c, client); err != nil {
			return nil, fmt.Errorf("%s: unable to create key set: %w", op, err)
		}
	}

	oauthConfig := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: string(c.ClientSecret),
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.Endpoints.AuthURL,
			TokenURL: c.Endpoints.TokenURL,
		},
	}
	switch c.TokenAuthStyle {
	case AuthStyleBasic:
		oauthConfig.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	case AuthStyleJWT:
		// the secret is only used to sign the client assertion
		oauthConfig.ClientSecret = ""
		oauthConfig.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	default:
		oauthConfig.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &Provider{
		config:  c,
		client:  client,
		keySet:  ks,
		oauth:   oauthConfig,
		logger:  opts.withLogger,
		now:     opts.withNowFunc,
		retries: opts.withRetries,
	}, nil
}

// Config returns the provider's configuration.
func (p *Provider) Config() *Config { return p.config }

// HTTPClient returns the client used for every request to the provider.
func (p *Provider) HTTPClient() *http.Client { return p.client }

// AuthURL will generate a URL the caller can use to kick off an OIDC
// authorization code flow with the provider.  The nonce is omitted from the
// URL when empty.
//
// Supported options: WithAuthParam
func (p *Provider) AuthURL(_ context.Context, state, nonce string, opt ...Option) (string, error) {
	const op = "Provider.AuthURL"
	if state == "" {
		return "", fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	if state == nonce {
		return "", fmt.Errorf("%s: state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	opts := getAuthURLOpts(opt...)
	var authCodeOpts []oauth2.AuthCodeOption
	if nonce != "" {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	for _, kv := range opts.withAuthParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(kv[0], kv[1]))
	}
	return p.oauth.AuthCodeURL(state, authCodeOpts...), nil
}

// Exchange will request tokens from the token endpoint using the
// authorization code received in the provider's redirect.  The id_token is
// returned unverified; see VerifyIDToken.
//
// Timeouts and connection failures are reported as ErrProviderTransport,
// non-2xx and malformed responses as ErrProviderRejected.  Only failures to
// connect are retried since the code is single use.
func (p *Provider) Exchange(ctx context.Context, code string) (*Token, error) {
	const op = "Provider.Exchange"
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	ctx = WithRequestKind(HTTPClientContext(ctx, p.client), RequestTokenExchange)

	var tk *oauth2.Token
	var err error
	for attempt := 0; ; attempt++ {
		tk, err = p.oauth.Exchange(ctx, code)
		if err == nil {
			break
		}
		if attempt < p.retries && isDialErr(err) {
			p.logger.Debug("retrying token exchange", "attempt", attempt+1, "error", err)
			continue
		}
		return nil, p.providerErr(op, RequestTokenExchange, err)
	}
	t, err := newToken(tk, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, err)
	}
	if t.IDToken == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, ErrMissingIDToken)
	}
	return t, nil
}

// Refresh requests new tokens with the refresh_token grant.  When the
// provider does not rotate the refresh token the one passed in is kept.
func (p *Provider) Refresh(ctx context.Context, rt RefreshToken) (*Token, error) {
	const op = "Provider.Refresh"
	if rt == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}
	ctx = WithRequestKind(HTTPClientContext(ctx, p.client), RequestRefresh)
	tk, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: string(rt)}).Token()
	if err != nil {
		return nil, p.providerErr(op, RequestRefresh, err)
	}
	t, err := newToken(tk, rt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, err)
	}
	return t, nil
}

// VerifyIDToken will verify the id_token.  It checks, in order: the signature
// against the key set and algorithm allow-list, exp (allowing the configured
// clock skew), iat, aud, azp, iss when an issuer is configured, the nonce
// when expectedNonce is not empty, and that sub is present.
//
// Every failure satisfies errors.Is for ErrTokenInvalid and for the specific
// check that failed, except a key set that cannot be fetched, which is
// ErrProviderTransport.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIDToken(ctx context.Context, raw IDToken, expectedNonce string) (*IDTokenClaims, error) {
	const op = "Provider.VerifyIDToken"
	if raw == "" {
		return nil, fmt.Errorf("%s: %w", op, newTokenErr(ErrMalformedToken, "id_token is empty"))
	}
	payload, err := p.keySet.VerifySignature(WithRequestKind(ctx, RequestJWKS), string(raw))
	if err != nil {
		if errors.Is(classifyErr(err), ErrProviderTransport) {
			return nil, p.providerErr(op, RequestJWKS, err)
		}
		p.logger.Debug("id_token signature verification failed", "error", err)
		return nil, fmt.Errorf("%s: %w", op, newTokenErr(ErrInvalidSignature, ""))
	}
	claims, err := ParseClaims(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, newTokenErr(ErrMalformedToken, "payload is not a claims object"))
	}
	ic := newIDTokenClaims(claims)
	if err := p.checkIDTokenClaims(ic, expectedNonce); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ic, nil
}

func (p *Provider) checkIDTokenClaims(ic *IDTokenClaims, expectedNonce string) error {
	now := p.now()
	switch {
	case ic.Expiry.IsZero():
		return newTokenErr(ErrExpiredToken, "missing exp")
	case now.After(ic.Expiry.Add(p.config.AllowedClockSkew)):
		return newTokenErr(ErrExpiredToken, fmt.Sprintf("expired at %s", ic.Expiry.UTC().Format(time.RFC3339)))
	}
	switch {
	case ic.IssuedAt.IsZero():
		return newTokenErr(ErrInvalidIssuedAt, "missing iat")
	case ic.IssuedAt.After(now.Add(p.config.MaxIssuedAtSkew)):
		return newTokenErr(ErrInvalidIssuedAt, "issued in the future")
	}
	if !strutils.StrListContains(ic.Audience, p.config.ClientID) {
		return newTokenErr(ErrInvalidAudience, "client id not in aud")
	}
	if ic.AuthorizedParty != "" && ic.AuthorizedParty != p.config.ClientID {
		return newTokenErr(ErrInvalidAuthorizedParty, "azp is not the client id")
	}
	if len(ic.Audience) > 1 && ic.AuthorizedParty == "" {
		return newTokenErr(ErrInvalidAuthorizedParty, "azp is required with multiple audiences")
	}
	if p.config.Issuer != "" && ic.Issuer != p.config.Issuer {
		return newTokenErr(ErrInvalidIssuer, "iss does not match")
	}
	if expectedNonce != "" && subtle.ConstantTimeCompare([]byte(ic.Nonce), []byte(expectedNonce)) != 1 {
		return newTokenErr(ErrInvalidNonce, "")
	}
	if ic.Subject == "" {
		return newTokenErr(ErrMissingSubject, "")
	}
	return nil
}

// UserInfo gets the claims from the provider's userinfo endpoint.  Both
// application/json and signed application/jwt responses are supported.  The
// response must contain a sub claim.
func (p *Provider) UserInfo(ctx context.Context, at AccessToken) (Claims, error) {
	const op = "Provider.UserInfo"
	if at == "" {
		return nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}
	if !p.config.HasUserInfo() {
		return nil, fmt.Errorf("%s: no userinfo endpoint configured: %w", op, ErrNotFound)
	}
	ctx = WithRequestKind(ctx, RequestUserInfo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(at))
	req.Header.Set("Accept", "application/json, application/jwt")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.providerErr(op, RequestUserInfo, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, p.providerErr(op, RequestUserInfo, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Debug("userinfo request rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%s: userinfo returned %d: %w", op, resp.StatusCode, ErrProviderRejected)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/jwt" {
		payload, err := p.keySet.VerifySignature(WithRequestKind(ctx, RequestJWKS), strings.TrimSpace(string(body)))
		if err != nil {
			p.logger.Debug("userinfo signature verification failed", "error", err)
			return nil, fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, ErrInvalidSignature)
		}
		body = payload
	}
	claims, err := ParseClaims(body)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed userinfo response: %w: %w", op, ErrProviderRejected, err)
	}
	if claims.Subject() == "" {
		return nil, fmt.Errorf("%s: userinfo has no sub: %w: %w", op, ErrProviderRejected, ErrMissingSubject)
	}
	return claims, nil
}

// EndSessionURL returns the provider's end session URL with the id_token
// hint and post logout redirect, for RP initiated logout.
func (p *Provider) EndSessionURL(idTokenHint IDToken, postLogoutRedirect string) (string, error) {
	const op = "Provider.EndSessionURL"
	if p.config.Endpoints.EndSessionURL == "" {
		return "", fmt.Errorf("%s: no end session endpoint configured: %w", op, ErrNotFound)
	}
	u, err := url.Parse(p.config.Endpoints.EndSessionURL)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", string(idTokenHint))
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// providerErr classifies a failed provider request.  Provider response
// bodies only go to the debug log.
func (p *Provider) providerErr(op string, kind RequestKind, err error) error {
	class := classifyErr(err)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		p.logger.Debug("provider rejected request", "request", kind, "status", status, "error_code", re.ErrorCode, "body", string(re.Body))
		return fmt.Errorf("%s: %s returned %d %q: %w", op, kind, status, re.ErrorCode, class)
	}
	p.logger.Debug("provider request failed", "request", kind, "error", err)
	return fmt.Errorf("%s: %s failed: %v: %w", op, kind, err, class)
}

// providerOptions is the set of available options
type providerOptions struct {
	withNowFunc   func() time.Time
	withLogger    hclog.Logger
	withAugmenter RequestAugmenter
	withRetries   int
	withKeySet    KeySet
}

// providerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func providerDefaults() providerOptions {
	return providerOptions{
		withNowFunc: time.Now,
		withLogger:  hclog.NewNullLogger(),
		withRetries: 1,
	}
}

// getProviderOpts gets the defaults and applies the opt overrides passed in.
func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithRequestAugmenter provides a RequestAugmenter applied to every request
// sent to the provider.  Valid for: Provider
func WithRequestAugmenter(a RequestAugmenter) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withAugmenter = a
		}
	}
}

// WithRetries provides how many times a token exchange is retried when the
// provider could not be reached.  Valid for: Provider
func WithRetries(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok && n >= 0 {
			o.withRetries = n
		}
	}
}

// WithKeySet provides a KeySet that replaces the one derived from the
// config.  Valid for: Provider
func WithKeySet(ks KeySet) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withKeySet = ks
		}
	}
}

// authURLOptions is the set of available options for AuthURL
type authURLOptions struct {
	withAuthParams [][2]string
}

func getAuthURLOpts(opt ...Option) authURLOptions {
	opts := authURLOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAuthParam adds an extra query parameter to the authorization request,
// for example prompt or login_hint.  Valid for: Provider.AuthURL
func WithAuthParam(key, value string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authURLOptions); ok && key != "" {
			o.withAuthParams = append(o.withAuthParams, [2]string{key, value})
		}
	}
}
