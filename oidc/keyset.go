// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
)

// KeySet represents a set of keys that can be used to verify the signatures
// of JWTs.  A KeySet is expected to be backed by a set of local or remote
// keys.
type KeySet interface {
	// VerifySignature parses the given JWT, verifies its signature, and
	// returns its payload.
	VerifySignature(ctx context.Context, token string) (payload []byte, err error)
}

// NewRemoteKeySet returns a KeySet that verifies JWT signatures using keys
// from the JSON Web Key Set (JWKS) at jwksURL.  Keys are fetched lazily with
// client and cached until a token with an unknown key id is seen.
func NewRemoteKeySet(ctx context.Context, client *http.Client, jwksURL string) (KeySet, error) {
	const op = "oidc.NewRemoteKeySet"
	if jwksURL == "" {
		return nil, fmt.Errorf("%s: jwks URL is empty: %w", op, ErrInvalidParameter)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	// the remote key set holds on to this context for every fetch
	ctx = WithRequestKind(HTTPClientContext(ctx, client), RequestJWKS)
	return oidc.NewRemoteKeySet(ctx, jwksURL), nil
}

// NewStaticKeySet returns a KeySet that verifies JWT signatures using PEM
// encoded public keys.  The keys must be PKIX public keys or x509
// certificates holding an RSA, ECDSA or Ed25519 key.
func NewStaticKeySet(publicKeys ...string) (KeySet, error) {
	const op = "oidc.NewStaticKeySet"
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("%s: no public keys: %w", op, ErrInvalidParameter)
	}
	parsed := make([]crypto.PublicKey, 0, len(publicKeys))
	for i, k := range publicKeys {
		key, err := parsePublicKeyPEM(k)
		if err != nil {
			return nil, fmt.Errorf("%s: public key %d: %s: %w", op, i, err, ErrInvalidParameter)
		}
		switch key.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		default:
			return nil, fmt.Errorf("%s: public key %d has unsupported type %T: %w", op, i, key, ErrInvalidParameter)
		}
		parsed = append(parsed, key)
	}
	return &oidc.StaticKeySet{PublicKeys: parsed}, nil
}

// hmacKeySet verifies JWTs signed with the client secret.
type hmacKeySet struct {
	secret []byte
	algs   []jose.SignatureAlgorithm
}

// NewHMACKeySet returns a KeySet that verifies HMAC JWTs using the client
// secret as the key.  Only the HS256, HS384 and HS512 algs whose hash size
// the secret reaches are accepted.
func NewHMACKeySet(secret ClientSecret) (KeySet, error) {
	const op = "oidc.NewHMACKeySet"
	if secret == "" {
		return nil, fmt.Errorf("%s: client secret is empty: %w", op, ErrInvalidParameter)
	}
	var algs []jose.SignatureAlgorithm
	for _, a := range []Alg{HS256, HS384, HS512} {
		if len(secret) >= a.MinSecretLen() {
			algs = append(algs, jose.SignatureAlgorithm(a))
		}
	}
	if len(algs) == 0 {
		return nil, fmt.Errorf("%s: client secret must be at least %d bytes: %w", op, HS256.MinSecretLen(), ErrInvalidParameter)
	}
	return &hmacKeySet{
		secret: []byte(secret),
		algs:   algs,
	}, nil
}

// VerifySignature implements KeySet.
func (ks *hmacKeySet) VerifySignature(_ context.Context, token string) ([]byte, error) {
	const op = "hmacKeySet.VerifySignature"
	jws, err := jose.ParseSigned(token, ks.algs)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed jwt: %w", op, err)
	}
	payload, err := jws.Verify(ks.secret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return payload, nil
}

// algKeySet enforces the signing algorithm allow-list and routes HMAC tokens
// to the symmetric key set and everything else to the asymmetric one.
type algKeySet struct {
	algs       []jose.SignatureAlgorithm
	symmetric  KeySet
	asymmetric KeySet
}

// VerifySignature implements KeySet.
func (ks *algKeySet) VerifySignature(ctx context.Context, token string) ([]byte, error) {
	const op = "algKeySet.VerifySignature"
	jws, err := jose.ParseSigned(token, ks.algs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one signature, got %d", op, len(jws.Signatures))
	}
	alg := Alg(jws.Signatures[0].Header.Algorithm)
	target := ks.asymmetric
	if alg.IsSymmetric() {
		target = ks.symmetric
	}
	if target == nil {
		return nil, fmt.Errorf("%s: no keys for %s: %w", op, alg, ErrUnsupportedAlg)
	}
	return target.VerifySignature(ctx, token)
}

// newKeySet selects the key set for a config: a JWKS endpoint, static public
// keys, and the client secret for HS* algorithms.
func newKeySet(ctx context.Context, c *Config, client *http.Client) (KeySet, error) {
	const op = "oidc.newKeySet"
	ks := &algKeySet{}
	var symmetric, asymmetric bool
	for _, a := range c.SupportedSigningAlgs {
		ks.algs = append(ks.algs, jose.SignatureAlgorithm(a))
		if a.IsSymmetric() {
			symmetric = true
		} else {
			asymmetric = true
		}
	}
	var err error
	if symmetric {
		if ks.symmetric, err = NewHMACKeySet(c.ClientSecret); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if asymmetric {
		switch {
		case c.Endpoints.JWKSURL != "":
			ks.asymmetric, err = NewRemoteKeySet(ctx, client, c.Endpoints.JWKSURL)
		case len(c.PublicKeys) > 0:
			ks.asymmetric, err = NewStaticKeySet(c.PublicKeys...)
		default:
			err = errors.New("no jwks URL or public keys configured")
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return ks, nil
}
