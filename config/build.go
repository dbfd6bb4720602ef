// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/oidcgeneric/oidcrp/flow"
	"github.com/oidcgeneric/oidcrp/identity"
	"github.com/oidcgeneric/oidcrp/identity/gormdir"
	"github.com/oidcgeneric/oidcrp/oidc"
	"github.com/oidcgeneric/oidcrp/session"
	"github.com/oidcgeneric/oidcrp/state"
)

// Logger returns the root logger writing to w.  When logging is not enabled
// the logger discards everything.
func (s *Settings) Logger(w io.Writer) hclog.Logger {
	if !s.EnableLogging {
		return hclog.NewNullLogger()
	}
	level := hclog.LevelFromString(s.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "oidcrp",
		Level:  level,
		Output: w,
	})
}

// RedirectURL returns where the provider sends the browser back to.
func (s *Settings) RedirectURL() string {
	path := flow.DefaultCallbackPath
	if s.AlternateRedirectURI {
		path = flow.AlternateCallbackPath
	}
	return strings.TrimSuffix(s.SiteURL, "/") + path
}

// ProviderConfig returns the provider config.
func (s *Settings) ProviderConfig() (*oidc.Config, error) {
	const op = "Settings.ProviderConfig"
	opts := []oidc.Option{
		oidc.WithScopes(s.scopes()...),
		oidc.WithVerifyTLS(!s.NoSSLVerify),
		oidc.WithUserInfoURL(s.EndpointUserinfo),
		oidc.WithEndSessionURL(s.EndpointEndSession),
		oidc.WithJWKSURL(s.EndpointJWKS),
	}
	if s.Issuer != "" {
		opts = append(opts, oidc.WithIssuer(s.Issuer))
	}
	if s.HTTPRequestTimeout > 0 {
		opts = append(opts, oidc.WithRequestTimeout(time.Duration(s.HTTPRequestTimeout)*time.Second))
	}
	if s.TokenAuthStyle != "" {
		opts = append(opts, oidc.WithTokenAuthStyle(oidc.TokenAuthStyle(s.TokenAuthStyle)))
	}
	if len(s.SigningAlgs) > 0 {
		algs := make([]oidc.Alg, 0, len(s.SigningAlgs))
		for _, a := range s.SigningAlgs {
			algs = append(algs, oidc.Alg(a))
		}
		opts = append(opts, oidc.WithSigningAlgs(algs...))
	}
	c, err := oidc.NewConfig(s.ClientID, s.ClientSecret, s.RedirectURL(), s.EndpointLogin, s.EndpointToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// NewStateStore returns the configured state store and a func releasing
// its resources.
func (s *Settings) NewStateStore(logger hclog.Logger) (state.Store, func() error, error) {
	const op = "Settings.NewStateStore"
	logger = logger.Named("state")
	switch s.StateStore {
	case StateStoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{s.RedisAddr},
		})
		st, err := state.NewRedisStore(client, state.WithTTL(s.StateTTL), state.WithLogger(logger))
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		return st, client.Close, nil
	case StateStoreMemory, "":
		return state.NewMemoryStore(state.WithTTL(s.StateTTL), state.WithLogger(logger)), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%s: unknown state store %q: %w", op, s.StateStore, oidc.ErrInvalidParameter)
	}
}

// NewDirectory returns the configured account directory.
func (s *Settings) NewDirectory(logger hclog.Logger) (identity.Directory, error) {
	const op = "Settings.NewDirectory"
	logger = logger.Named("directory")
	switch s.Directory {
	case DirectoryPostgres:
		d, err := gormdir.Open(s.DatabaseDSN, gormdir.WithLogger(logger), gormdir.WithDebug(logger.IsTrace()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return d, nil
	case DirectoryMemory, "":
		return identity.NewMemoryDirectory(identity.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%s: unknown directory %q: %w", op, s.Directory, oidc.ErrInvalidParameter)
	}
}

// ResolverOptions returns the options of identity.NewResolver.
func (s *Settings) ResolverOptions(logger hclog.Logger) []oidc.Option {
	return []oidc.Option{
		identity.WithLogger(logger.Named("identity")),
		identity.WithIdentityKey(s.IdentityKey),
		identity.WithNicknameKey(s.NicknameKey),
		identity.WithEmailFormat(s.EmailFormat),
		identity.WithDisplayNameFormat(s.DisplayNameFormat),
		identity.WithIdentifyWithUsername(s.IdentifyWithUsername),
		identity.WithLinkExistingUsers(s.LinkExistingUsers),
	}
}

// ControllerOptions returns the options of flow.NewController.
func (s *Settings) ControllerOptions(logger hclog.Logger) []oidc.Option {
	logger = logger.Named("flow")
	return []oidc.Option{
		flow.WithLogger(logger),
		flow.WithCodec(session.NewCodec(session.WithSecure(s.SecureCookies), session.WithLogger(logger))),
		flow.WithEnforcePrivacy(s.EnforcePrivacy),
		flow.WithRedirectUserBack(s.RedirectUserBack),
		flow.WithAlternateCallback(s.AlternateRedirectURI),
		flow.WithLoginType(flow.LoginType(s.LoginType)),
		flow.WithHomeURL(strings.TrimSuffix(s.SiteURL, "/") + flow.DefaultHomePath),
		flow.WithPostLogoutURL(s.SiteURL),
	}
}
