// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AccessToken is an oauth access_token.
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token.
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token.
func (t AccessToken) String() string { return RedactedAccessToken }

// MarshalJSON will redact the token.
func (t AccessToken) MarshalJSON() ([]byte, error) { return json.Marshal(RedactedAccessToken) }

// RefreshToken is an oauth refresh_token.
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token.
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token.
func (t RefreshToken) String() string { return RedactedRefreshToken }

// MarshalJSON will redact the token.
func (t RefreshToken) MarshalJSON() ([]byte, error) { return json.Marshal(RedactedRefreshToken) }

// IDToken is an oidc id_token.
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token.
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token.
func (t IDToken) String() string { return RedactedIDToken }

// MarshalJSON will redact the token.
func (t IDToken) MarshalJSON() ([]byte, error) { return json.Marshal(RedactedIDToken) }

// Claims retrieves the IDToken claims without verifying the signature.  Use
// Provider.VerifyIDToken for anything that needs to be trusted.
func (t IDToken) Claims(claims interface{}) error {
	const op = "IDToken.Claims"
	if len(t) == 0 {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	return UnmarshalClaims(string(t), claims)
}

// Token is the result of a successful token exchange or refresh with the
// provider.
type Token struct {
	AccessToken  AccessToken
	IDToken      IDToken
	RefreshToken RefreshToken
	TokenType    string

	// Expiry is when the access token expires.  A zero Expiry means the
	// provider did not send expires_in.
	Expiry time.Time
}

// Expired reports whether the access token is expired or will expire within
// the skew.
func (t *Token) Expired(now time.Time, skew time.Duration) bool {
	if t == nil {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return t.Expiry.Round(0).Before(now.Add(skew))
}

// Valid reports whether the token has an access token that has not expired.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return !t.Expired(now, 0)
}

// newToken converts an oauth2 token into a Token.  A refresh token that is
// missing from the provider response is carried over from previous.
func newToken(tk *oauth2.Token, previous RefreshToken) (*Token, error) {
	const op = "oidc.newToken"
	if tk == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if tk.AccessToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingAccessToken)
	}
	t := &Token{
		AccessToken:  AccessToken(tk.AccessToken),
		RefreshToken: RefreshToken(tk.RefreshToken),
		TokenType:    tk.TokenType,
		Expiry:       tk.Expiry,
	}
	if t.RefreshToken == "" {
		t.RefreshToken = previous
	}
	if raw, ok := tk.Extra("id_token").(string); ok {
		t.IDToken = IDToken(raw)
	}
	return t, nil
}

// UnmarshalClaims will retrieve the claims from the provided raw JWT token
// without verifying the signature.
func UnmarshalClaims(rawToken string, claims interface{}) error {
	const op = "UnmarshalClaims"
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%s: malformed jwt, expected 3 parts got %d: %w", op, len(parts), ErrInvalidParameter)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%s: malformed jwt payload: %v: %w", op, err, ErrInvalidParameter)
	}
	if err := json.Unmarshal(raw, claims); err != nil {
		return fmt.Errorf("%s: unable to marshal jwt JSON: %w", op, err)
	}
	return nil
}
