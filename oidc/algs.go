// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

// Alg represents asymmetric and symmetric signing algorithms
type Alg string

// JOSE signing algorithm values as defined by RFC 7518.
// See: https://tools.ietf.org/html/rfc7518#section-3.1
const (
	RS256 Alg = "RS256" // RSASSA-PKCS-v1.5 using SHA-256
	RS384 Alg = "RS384" // RSASSA-PKCS-v1.5 using SHA-384
	RS512 Alg = "RS512" // RSASSA-PKCS-v1.5 using SHA-512
	ES256 Alg = "ES256" // ECDSA using P-256 and SHA-256
	ES384 Alg = "ES384" // ECDSA using P-384 and SHA-384
	ES512 Alg = "ES512" // ECDSA using P-521 and SHA-512
	PS256 Alg = "PS256" // RSASSA-PSS using SHA256 and MGF1-SHA256
	PS384 Alg = "PS384" // RSASSA-PSS using SHA384 and MGF1-SHA384
	PS512 Alg = "PS512" // RSASSA-PSS using SHA512 and MGF1-SHA512
	EdDSA Alg = "EdDSA" // Ed25519 using SHA-512
	HS256 Alg = "HS256" // HMAC using SHA-256 with the client secret
	HS384 Alg = "HS384" // HMAC using SHA-384 with the client secret
	HS512 Alg = "HS512" // HMAC using SHA-512 with the client secret
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
	EdDSA: true,
	HS256: true,
	HS384: true,
	HS512: true,
}

// IsSymmetric reports whether the alg is an HMAC algorithm keyed by the
// client secret.
func (a Alg) IsSymmetric() bool {
	switch a {
	case HS256, HS384, HS512:
		return true
	default:
		return false
	}
}

// IsSupported reports whether the alg can be used to verify id_tokens.
func (a Alg) IsSupported() bool { return supportedAlgorithms[a] }

// MinSecretLen returns the minimum length in bytes of a client secret used
// as the key of an HMAC alg.  It is the size of the alg's hash, and 0 for
// asymmetric algs.
func (a Alg) MinSecretLen() int {
	switch a {
	case HS256:
		return 32
	case HS384:
		return 48
	case HS512:
		return 64
	default:
		return 0
	}
}
