// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package oidc is the relying party side of the OpenID Connect authorization
code flow.

Primary types provided by the package:

* Config: the client configuration (client id/secret, redirect URL, provider
endpoints, scopes, TLS settings, request timeout, signing algorithm
allow-list, token endpoint auth style).  A Config is validated once and
treated as immutable afterwards.

* Provider: generates auth URLs, exchanges authorization codes, refreshes
tokens, verifies id_tokens and fetches userinfo claims.  Provider errors are
classified as ErrProviderTransport or ErrProviderRejected and id_token
failures as ErrTokenInvalid.

* Token: the access_token, id_token and refresh_token returned by the
provider.  Secrets are redacted when printed or marshaled.

* Claims: typed claim values from an id_token or userinfo response.

* KeySet: verifies JWT signatures with a remote JWKS, static PEM keys or the
client secret.

* RequestAugmenter: a hook applied to every request sent to the provider.

* TestProvider: an in-process provider for tests.
*/
package oidc
