// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidcrp lets a web application delegate authentication to an OpenID
// Connect provider with the authorization code flow and map the provider's
// identities onto local accounts.
//
// The packages, in the order a login passes through them:
//
//   - state: one-time state values and nonces, in memory or in Redis.
//   - oidc: the provider client; auth URLs, code exchange, refresh,
//     id_token verification and userinfo.
//   - identity: resolves the verified claims to a local account, linking or
//     creating one when allowed.  identity/gormdir stores accounts in
//     Postgres.
//   - session: encrypts the refresh token into a cookie with a per-account
//     key.
//   - flow: the HTTP handlers and middleware driving all of the above.
//   - config: YAML and environment settings for the whole stack.
//
// See examples/webapp for a complete site.
package oidcrp
