// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config loads the settings of a relying party from YAML and the
// environment and turns them into the values the other packages are built
// from.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/oidcgeneric/oidcrp/flow"
	"github.com/oidcgeneric/oidcrp/oidc"
)

// Backends of the state store and the account directory.
const (
	StateStoreMemory = "memory"
	StateStoreRedis  = "redis"

	DirectoryMemory   = "memory"
	DirectoryPostgres = "postgres"
)

// MinSessionSecretLength is the minimum length of session_secret.
const MinSessionSecretLength = 32

// EnvPrefix is the prefix of the environment variables overriding a
// setting: client_id is overridden by OIDC_CLIENT_ID.
const EnvPrefix = "OIDC_"

// Settings are the settings of a relying party.
type Settings struct {
	ClientID           string            `yaml:"client_id"`
	ClientSecret       oidc.ClientSecret `yaml:"client_secret"`
	Scope              string            `yaml:"scope"`
	EndpointLogin      string            `yaml:"endpoint_login"`
	EndpointToken      string            `yaml:"endpoint_token"`
	EndpointUserinfo   string            `yaml:"endpoint_userinfo"`
	EndpointEndSession string            `yaml:"endpoint_end_session"`
	EndpointJWKS       string            `yaml:"endpoint_jwks"`
	Issuer             string            `yaml:"issuer"`
	NoSSLVerify        bool              `yaml:"no_sslverify"`

	// HTTPRequestTimeout is in seconds.
	HTTPRequestTimeout int `yaml:"http_request_timeout"`

	IdentityKey          string `yaml:"identity_key"`
	NicknameKey          string `yaml:"nickname_key"`
	EmailFormat          string `yaml:"email_format"`
	DisplayNameFormat    string `yaml:"displayname_format"`
	IdentifyWithUsername bool   `yaml:"identify_with_username"`

	EnforcePrivacy       bool `yaml:"enforce_privacy"`
	AlternateRedirectURI bool `yaml:"alternate_redirect_uri"`
	LinkExistingUsers    bool `yaml:"link_existing_users"`
	RedirectUserBack     bool `yaml:"redirect_user_back"`

	// LoginType is button or auto.
	LoginType string `yaml:"login_type"`

	EnableLogging bool   `yaml:"enable_logging"`
	LogLevel      string `yaml:"log_level"`

	SiteURL        string        `yaml:"site_url"`
	StateTTL       time.Duration `yaml:"state_ttl"`
	SecureCookies  bool          `yaml:"secure_cookies"`
	TokenAuthStyle string        `yaml:"token_auth_style"`
	SigningAlgs    []string      `yaml:"signing_algs"`

	StateStore    string `yaml:"state_store"`
	RedisAddr     string `yaml:"redis_addr"`
	Directory     string `yaml:"directory"`
	DatabaseDSN   string `yaml:"database_dsn"`
	SessionSecret string `yaml:"session_secret"`

	// Endpoint keys of old settings files, moved to the endpoint_* keys on
	// load.
	LegacyLogin    string `yaml:"ep_login,omitempty"`
	LegacyToken    string `yaml:"ep_token,omitempty"`
	LegacyUserinfo string `yaml:"ep_userinfo,omitempty"`
}

// Defaults returns the settings used for every key that is not set.
func Defaults() *Settings {
	return &Settings{
		HTTPRequestTimeout: 5,
		IdentityKey:        "preferred_username",
		NicknameKey:        "preferred_username",
		EmailFormat:        "{email}",
		LoginType:          "button",
		LogLevel:           "info",
		StateTTL:           3 * time.Minute,
		SecureCookies:      true,
		TokenAuthStyle:     string(oidc.AuthStylePost),
		SigningAlgs:        []string{string(oidc.RS256)},
		StateStore:         StateStoreMemory,
		Directory:          DirectoryMemory,
	}
}

// upgradeLegacy moves the ep_* keys to the endpoint_* keys.  It reports
// whether anything was moved.
func (s *Settings) upgradeLegacy() bool {
	if s.LegacyLogin == "" && s.LegacyToken == "" && s.LegacyUserinfo == "" {
		return false
	}
	if s.EndpointLogin == "" {
		s.EndpointLogin = s.LegacyLogin
	}
	if s.EndpointToken == "" {
		s.EndpointToken = s.LegacyToken
	}
	if s.EndpointUserinfo == "" {
		s.EndpointUserinfo = s.LegacyUserinfo
	}
	s.LegacyLogin, s.LegacyToken, s.LegacyUserinfo = "", "", ""
	return true
}

// Validate the settings.  Every problem found is reported in the returned
// error, not just the first one.
func (s *Settings) Validate() error {
	const op = "Settings.Validate"
	if s == nil {
		return fmt.Errorf("%s: settings are nil: %w", op, oidc.ErrNilParameter)
	}
	var result *multierror.Error
	invalid := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf("%s: %s: %w", op, fmt.Sprintf(format, args...), oidc.ErrInvalidParameter))
	}

	if s.ClientID == "" {
		invalid("client_id is required")
	}
	for _, u := range []struct {
		key      string
		value    string
		required bool
	}{
		{"endpoint_login", s.EndpointLogin, true},
		{"endpoint_token", s.EndpointToken, true},
		{"site_url", s.SiteURL, true},
		{"endpoint_userinfo", s.EndpointUserinfo, false},
		{"endpoint_end_session", s.EndpointEndSession, false},
		{"endpoint_jwks", s.EndpointJWKS, false},
	} {
		switch {
		case u.value == "" && u.required:
			invalid("%s is required", u.key)
		case u.value != "" && !isAbsoluteURL(u.value):
			invalid("%s %q is not an absolute url", u.key, u.value)
		}
	}
	if s.HTTPRequestTimeout < 0 {
		invalid("http_request_timeout must not be negative")
	}
	if s.StateTTL < 0 {
		invalid("state_ttl must not be negative")
	}
	if s.LogLevel != "" && hclog.LevelFromString(s.LogLevel) == hclog.NoLevel {
		invalid("log_level %q is unknown", s.LogLevel)
	}
	if !flow.LoginType(s.LoginType).Valid() {
		invalid("login_type %q is unknown", s.LoginType)
	}
	switch oidc.TokenAuthStyle(s.TokenAuthStyle) {
	case "", oidc.AuthStylePost, oidc.AuthStyleBasic, oidc.AuthStyleJWT:
	default:
		invalid("token_auth_style %q is unknown", s.TokenAuthStyle)
	}
	for _, a := range s.SigningAlgs {
		alg := oidc.Alg(a)
		switch {
		case !alg.IsSupported():
			invalid("signing_algs: %q is not supported", a)
		case s.ClientSecret != "" && len(s.ClientSecret) < alg.MinSecretLen():
			invalid("signing_algs: %s needs a client_secret of at least %d bytes", a, alg.MinSecretLen())
		}
	}
	if oidc.TokenAuthStyle(s.TokenAuthStyle) == oidc.AuthStyleJWT && s.ClientSecret != "" && len(s.ClientSecret) < oidc.HS256.MinSecretLen() {
		invalid("token_auth_style %s needs a client_secret of at least %d bytes", s.TokenAuthStyle, oidc.HS256.MinSecretLen())
	}

	switch s.StateStore {
	case StateStoreMemory:
	case StateStoreRedis:
		if s.RedisAddr == "" {
			invalid("redis_addr is required by the redis state_store")
		}
	default:
		invalid("state_store %q is unknown", s.StateStore)
	}
	switch s.Directory {
	case DirectoryMemory:
	case DirectoryPostgres:
		if s.DatabaseDSN == "" {
			invalid("database_dsn is required by the postgres directory")
		}
	default:
		invalid("directory %q is unknown", s.Directory)
	}
	if len(s.SessionSecret) < MinSessionSecretLength {
		invalid("session_secret must be at least %d bytes", MinSessionSecretLength)
	}
	return result.ErrorOrNil()
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// scopes returns the scopes requested, openid included.
func (s *Settings) scopes() []string {
	return oidc.ParseScopes(strings.TrimSpace(s.Scope))
}
