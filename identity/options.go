// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// Defaults of the claim mapping.
const (
	DefaultIdentityKey = oidc.ClaimPreferredUsername
	DefaultNicknameKey = oidc.ClaimPreferredUsername
	DefaultEmailFormat = "{email}"
)

// resolverOptions is the set of available options for a Resolver
type resolverOptions struct {
	withLoginPolicy          LoginPolicy
	withCreationPolicy       CreationPolicy
	withObservers            []Observer
	withIdentityKey          string
	withNicknameKey          string
	withEmailFormat          string
	withDisplayNameFormat    string
	withIdentifyWithUsername bool
	withLinkExistingUsers    bool
	withLogger               hclog.Logger
	withNowFunc              func() time.Time
}

// resolverDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func resolverDefaults() resolverOptions {
	return resolverOptions{
		withLoginPolicy:    AllowAll{},
		withCreationPolicy: AllowAll{},
		withIdentityKey:    DefaultIdentityKey,
		withNicknameKey:    DefaultNicknameKey,
		withEmailFormat:    DefaultEmailFormat,
		withLogger:         hclog.NewNullLogger(),
		withNowFunc:        time.Now,
	}
}

func getResolverOpts(opt ...oidc.Option) resolverOptions {
	opts := resolverDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLoginPolicy provides the LoginPolicy.  Valid for: Resolver
func WithLoginPolicy(p LoginPolicy) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok && p != nil {
			v.withLoginPolicy = p
		}
	}
}

// WithCreationPolicy provides the CreationPolicy.  Valid for: Resolver
func WithCreationPolicy(p CreationPolicy) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok && p != nil {
			v.withCreationPolicy = p
		}
	}
}

// WithObserver adds an Observer.  Valid for: Resolver
func WithObserver(obs Observer) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok && obs != nil {
			v.withObservers = append(v.withObservers, obs)
		}
	}
}

// WithIdentityKey provides the claim used to derive usernames.  Valid for:
// Resolver
func WithIdentityKey(key string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok && key != "" {
			v.withIdentityKey = key
		}
	}
}

// WithNicknameKey provides the claim used as nickname.  Valid for: Resolver
func WithNicknameKey(key string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok && key != "" {
			v.withNicknameKey = key
		}
	}
}

// WithEmailFormat provides the {claim} format of new accounts' email.  An
// empty format leaves the email empty.  Valid for: Resolver
func WithEmailFormat(format string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok {
			v.withEmailFormat = format
		}
	}
}

// WithDisplayNameFormat provides the {claim} format of new accounts' display
// name.  When empty the nickname is used.  Valid for: Resolver
func WithDisplayNameFormat(format string) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok {
			v.withDisplayNameFormat = format
		}
	}
}

// WithIdentifyWithUsername makes the derived username identify an existing
// account for linking and makes a username collision a rejection instead
// of a reason to suffix the username.  Valid for: Resolver
func WithIdentifyWithUsername(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok {
			v.withIdentifyWithUsername = enabled
		}
	}
}

// WithLinkExistingUsers allows linking a subject to an existing account
// found by email, or by username with WithIdentifyWithUsername.  Valid for:
// Resolver
func WithLinkExistingUsers(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok {
			v.withLinkExistingUsers = enabled
		}
	}
}

// WithLogger provides an optional logger.  Valid for: Resolver and
// MemoryDirectory
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *resolverOptions:
			v.withLogger = l
		case *directoryOptions:
			v.withLogger = l
		}
	}
}

// WithNow provides an optional func for determining the current time.
// Valid for: Resolver and MemoryDirectory
func WithNow(now func() time.Time) oidc.Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *resolverOptions:
			v.withNowFunc = now
		case *directoryOptions:
			v.withNowFunc = now
		}
	}
}
