// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oidcgeneric/oidcrp/oidc/internal/strutils"
)

// ScopeOpenID is the mandatory scope for all OpenID Connect OAuth2 requests.
const ScopeOpenID = "openid"

// Configuration defaults.
const (
	DefaultRequestTimeout   = 5 * time.Second
	DefaultAllowedClockSkew = 60 * time.Second
	DefaultMaxIssuedAtSkew  = 5 * time.Minute
)

// ClientSecret is an oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// TokenAuthStyle is how the client authenticates to the token endpoint.
type TokenAuthStyle string

const (
	// AuthStylePost sends client_id and client_secret in the request body.
	AuthStylePost TokenAuthStyle = "client_secret_post"

	// AuthStyleBasic sends the client credentials in an Authorization header.
	AuthStyleBasic TokenAuthStyle = "client_secret_basic"

	// AuthStyleJWT sends a client_assertion JWT signed with the client secret
	// (HS256).
	AuthStyleJWT TokenAuthStyle = "client_secret_jwt"
)

func (s TokenAuthStyle) valid() bool {
	switch s {
	case AuthStylePost, AuthStyleBasic, AuthStyleJWT:
		return true
	default:
		return false
	}
}

// Endpoints are the provider's endpoint URLs.  They are configured
// explicitly; discovery is not performed.
type Endpoints struct {
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	EndSessionURL string
	JWKSURL       string
}

// Config represents the configuration for an OIDC relying party using the
// authorization code flow.  A Config must not be modified once it has been
// handed to NewProvider.
type Config struct {
	// ClientID is the relying party id.
	ClientID string

	// ClientSecret is the relying party secret.
	ClientSecret ClientSecret

	// Scopes requested from the provider.  "openid" is always included.
	Scopes []string

	// Endpoints of the provider.  AuthURL and TokenURL are required.
	Endpoints Endpoints

	// Issuer is checked against the id_token iss claim when not empty.
	Issuer string

	// RedirectURL is where the provider returns the user agent.
	RedirectURL string

	// VerifyTLS enables verification of the provider's TLS certificates.
	VerifyTLS bool

	// ProviderCA is an optional PEM encoded CA cert to use when sending
	// requests to the provider.
	ProviderCA string

	// RequestTimeout bounds every request sent to the provider.
	RequestTimeout time.Duration

	// SupportedSigningAlgs is the allow-list of id_token signing algorithms.
	SupportedSigningAlgs []Alg

	// TokenAuthStyle selects how the client authenticates at the token
	// endpoint.
	TokenAuthStyle TokenAuthStyle

	// AllowedClockSkew is tolerated when checking exp.
	AllowedClockSkew time.Duration

	// MaxIssuedAtSkew is how far in the future iat may be.
	MaxIssuedAtSkew time.Duration

	// PublicKeys are optional PEM encoded keys used to verify id_tokens when
	// the provider has no JWKS endpoint.
	PublicKeys []string
}

// NewConfig composes a new Config for a provider.  The configuration is
// validated before it is returned.
//
// Supported options: WithScopes, WithIssuer, WithProviderCA, WithVerifyTLS,
// WithRequestTimeout, WithSigningAlgs, WithTokenAuthStyle, WithClockSkew,
// WithMaxIssuedAtSkew, WithPublicKeys, WithEndSessionURL, WithJWKSURL,
// WithUserInfoURL
func NewConfig(clientID string, clientSecret ClientSecret, redirectURL, authURL, tokenURL string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoints: Endpoints{
			AuthURL:       authURL,
			TokenURL:      tokenURL,
			UserInfoURL:   opts.withUserInfoURL,
			EndSessionURL: opts.withEndSessionURL,
			JWKSURL:       opts.withJWKSURL,
		},
		Scopes:               ParseScopes(strings.Join(opts.withScopes, " ")),
		Issuer:               opts.withIssuer,
		VerifyTLS:            opts.withVerifyTLS,
		ProviderCA:           opts.withProviderCA,
		RequestTimeout:       opts.withRequestTimeout,
		SupportedSigningAlgs: opts.withSigningAlgs,
		TokenAuthStyle:       opts.withTokenAuthStyle,
		AllowedClockSkew:     opts.withClockSkew,
		MaxIssuedAtSkew:      opts.withMaxIssuedAtSkew,
		PublicKeys:           opts.withPublicKeys,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// ParseScopes splits a space delimited scope string into a list of scopes.
// Duplicates are dropped and "openid" is always the first scope.
func ParseScopes(scope string) []string {
	scopes := append([]string{ScopeOpenID}, strings.Fields(scope)...)
	return strutils.RemoveDuplicatesStable(scopes, false)
}

// Validate the provider configuration.  Every problem found is reported in
// the returned error, not just the first one.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format+": %w", append(args, ErrInvalidParameter)...))
	}
	if c.ClientID == "" {
		add("client id is empty")
	}
	if c.ClientSecret == "" {
		add("client secret is empty")
	}
	if c.RedirectURL == "" {
		add("redirect URL is empty")
	} else if err := absoluteURL(c.RedirectURL); err != nil {
		add("redirect URL %q %s", c.RedirectURL, err)
	}
	endpoints := []struct {
		name     string
		url      string
		required bool
	}{
		{"auth endpoint", c.Endpoints.AuthURL, true},
		{"token endpoint", c.Endpoints.TokenURL, true},
		{"userinfo endpoint", c.Endpoints.UserInfoURL, false},
		{"end session endpoint", c.Endpoints.EndSessionURL, false},
		{"jwks endpoint", c.Endpoints.JWKSURL, false},
		{"issuer", c.Issuer, false},
	}
	for _, e := range endpoints {
		switch {
		case e.url == "" && e.required:
			add("%s is empty", e.name)
		case e.url == "":
		default:
			if err := absoluteURL(e.url); err != nil {
				add("%s %q %s", e.name, e.url, err)
			}
		}
	}
	if c.RequestTimeout <= 0 {
		add("request timeout must be positive")
	}
	if c.AllowedClockSkew < 0 || c.MaxIssuedAtSkew < 0 {
		add("clock skew must not be negative")
	}
	if !c.TokenAuthStyle.valid() {
		add("unsupported token auth style %q", c.TokenAuthStyle)
	}
	if len(c.SupportedSigningAlgs) == 0 {
		add("supported algorithms is empty")
	}
	var asymmetric bool
	for _, a := range c.SupportedSigningAlgs {
		if !a.IsSupported() {
			result = multierror.Append(result, fmt.Errorf("unsupported algorithm %s: %w", a, ErrUnsupportedAlg))
			continue
		}
		if !a.IsSymmetric() {
			asymmetric = true
			continue
		}
		if c.ClientSecret != "" && len(c.ClientSecret) < a.MinSecretLen() {
			add("client secret must be at least %d bytes for %s", a.MinSecretLen(), a)
		}
	}
	if c.TokenAuthStyle == AuthStyleJWT && c.ClientSecret != "" && len(c.ClientSecret) < HS256.MinSecretLen() {
		add("client secret must be at least %d bytes for %s", HS256.MinSecretLen(), AuthStyleJWT)
	}
	if asymmetric && c.Endpoints.JWKSURL == "" && len(c.PublicKeys) == 0 {
		add("a jwks endpoint or public keys are required for asymmetric algorithms")
	}
	for i, k := range c.PublicKeys {
		if _, err := parsePublicKeyPEM(k); err != nil {
			add("public key %d is invalid: %s", i, err)
		}
	}
	if c.ProviderCA != "" {
		if ok := x509.NewCertPool().AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			result = multierror.Append(result, fmt.Errorf("could not parse CA PEM value: %w", ErrInvalidCACert))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HasUserInfo reports whether a userinfo endpoint is configured.
func (c *Config) HasUserInfo() bool { return c.Endpoints.UserInfoURL != "" }

func absoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a URL: %v", err)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("scheme is not http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("has no host")
	}
	return nil
}

func parsePublicKeyPEM(s string) (interface{}, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a public key or certificate")
	}
	return cert.PublicKey, nil
}

// configOptions is the set of available options
type configOptions struct {
	withScopes          []string
	withIssuer          string
	withVerifyTLS       bool
	withProviderCA      string
	withRequestTimeout  time.Duration
	withSigningAlgs     []Alg
	withTokenAuthStyle  TokenAuthStyle
	withClockSkew       time.Duration
	withMaxIssuedAtSkew time.Duration
	withPublicKeys      []string
	withEndSessionURL   string
	withJWKSURL         string
	withUserInfoURL     string
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withVerifyTLS:       true,
		withRequestTimeout:  DefaultRequestTimeout,
		withSigningAlgs:     []Alg{RS256},
		withTokenAuthStyle:  AuthStylePost,
		withClockSkew:       DefaultAllowedClockSkew,
		withMaxIssuedAtSkew: DefaultMaxIssuedAtSkew,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes.  Valid for: Config
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithIssuer provides an optional issuer checked against the iss claim.
// Valid for: Config
func WithIssuer(iss string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withIssuer = iss
		}
	}
}

// WithVerifyTLS toggles verification of the provider's certificates.
// Valid for: Config
func WithVerifyTLS(verify bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withVerifyTLS = verify
		}
	}
}

// WithProviderCA provides an optional CA cert.  Valid for: Config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithRequestTimeout provides an optional timeout for provider requests.
// Valid for: Config
func WithRequestTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRequestTimeout = d
		}
	}
}

// WithSigningAlgs provides the allow-list of signing algorithms.
// Valid for: Config
func WithSigningAlgs(algs ...Alg) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok && len(algs) > 0 {
			o.withSigningAlgs = algs
		}
	}
}

// WithTokenAuthStyle selects how the client authenticates to the token
// endpoint.  Valid for: Config
func WithTokenAuthStyle(s TokenAuthStyle) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok && s != "" {
			o.withTokenAuthStyle = s
		}
	}
}

// WithClockSkew provides the skew tolerated when checking exp.
// Valid for: Config
func WithClockSkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withClockSkew = d
		}
	}
}

// WithMaxIssuedAtSkew provides how far into the future iat may be.
// Valid for: Config
func WithMaxIssuedAtSkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withMaxIssuedAtSkew = d
		}
	}
}

// WithPublicKeys provides PEM encoded keys for verifying id_tokens.
// Valid for: Config
func WithPublicKeys(keys ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withPublicKeys = keys
		}
	}
}

// WithEndSessionURL provides the provider's end session endpoint.
// Valid for: Config
func WithEndSessionURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withEndSessionURL = u
		}
	}
}

// WithJWKSURL provides the provider's JWKS endpoint.  Valid for: Config
func WithJWKSURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withJWKSURL = u
		}
	}
}

// WithUserInfoURL provides the provider's userinfo endpoint.
// Valid for: Config
func WithUserInfoURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withUserInfoURL = u
		}
	}
}
