// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
)

// Parameter and internal errors.
var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNilParameter       = errors.New("nil parameter")
	ErrInvalidCACert      = errors.New("invalid CA certificate")
	ErrIDGeneratorFailed  = errors.New("id generation failed")
	ErrUnsupportedAlg     = errors.New("unsupported signing algorithm")
	ErrNotFound           = errors.New("not found")
	ErrMissingIDToken     = errors.New("id_token is missing")
	ErrMissingAccessToken = errors.New("access_token is missing")
)

// Flow errors. Each one maps to a single, well defined failure class of an
// authentication flow. Callers classify with errors.Is.
var (
	// ErrStateInvalid is returned when a state value is expired, unknown or
	// has already been used. It must be treated as a CSRF attempt.
	ErrStateInvalid = errors.New("state is invalid")

	// ErrProviderTransport is returned when a request to the provider timed
	// out or could not connect. It is safe to retry the login, never a
	// consumed authorization code.
	ErrProviderTransport = errors.New("provider transport error")

	// ErrProviderRejected is returned for non-2xx or malformed provider
	// responses.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrTokenInvalid is returned when an id_token fails any validation check.
	ErrTokenInvalid = errors.New("id_token is invalid")

	// ErrIdentityRejected is returned when login or creation policy declines
	// the claim set.
	ErrIdentityRejected = errors.New("identity rejected")

	// ErrDecrypt is returned when a refresh session cookie can not be read.
	ErrDecrypt = errors.New("unable to decrypt session")
)

// The specific id_token check that failed. Each is returned wrapped together
// with ErrTokenInvalid.
var (
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrExpiredToken           = errors.New("token is expired")
	ErrInvalidIssuedAt        = errors.New("invalid issued at (iat)")
	ErrInvalidAudience        = errors.New("invalid audience")
	ErrInvalidAuthorizedParty = errors.New("invalid authorized party (azp)")
	ErrInvalidIssuer          = errors.New("invalid issuer")
	ErrInvalidNonce           = errors.New("invalid nonce")
	ErrMissingSubject         = errors.New("missing subject")
	ErrSubjectMismatch        = errors.New("subject mismatch")
	ErrMalformedToken         = errors.New("malformed token")
)

// tokenErr wraps a specific check failure so that both it and ErrTokenInvalid
// satisfy errors.Is.
type tokenErr struct {
	check error
	msg   string
}

func (e *tokenErr) Error() string {
	if e.msg == "" {
		return e.check.Error()
	}
	return e.check.Error() + ": " + e.msg
}

func (e *tokenErr) Is(target error) bool {
	return target == ErrTokenInvalid || target == e.check
}

func (e *tokenErr) Unwrap() error { return e.check }

func newTokenErr(check error, msg string) error {
	return &tokenErr{check: check, msg: msg}
}
