// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package flow runs the authorization code flow between a browser, the
// provider and the host application's local session.
//
// A user moves through four states:
//
//	Anonymous -> AwaitingCallback -> Authenticated -> RefreshPending -> Authenticated
//	                                                                 \-> Anonymous
//
// Every failure on the way lands in Anonymous.  The browser only ever sees
// a generic login-error code; details go to the logger.
package flow

import (
	"context"
	"errors"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// State is the authentication state of a user.
type State int

const (
	Anonymous State = iota
	AwaitingCallback
	Authenticated
	RefreshPending
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case AwaitingCallback:
		return "awaiting-callback"
	case Authenticated:
		return "authenticated"
	case RefreshPending:
		return "refresh-pending"
	default:
		return "unknown"
	}
}

// Transition is a change of state.
type Transition struct {
	From State
	To   State

	// AccountID is set once the account is known.
	AccountID string

	// Err is the reason of a transition to Anonymous, if it was a failure.
	Err error
}

// TransitionHook observes transitions.  Hooks run synchronously on the
// request.
type TransitionHook func(ctx context.Context, t Transition)

// ErrorCode is the value of the login-error query parameter the browser is
// redirected with when a login fails.
type ErrorCode string

const (
	CodeState     ErrorCode = "state"
	CodeTransport ErrorCode = "transport"
	CodeProvider  ErrorCode = "provider"
	CodeToken     ErrorCode = "token"
	CodeIdentity  ErrorCode = "identity"
	CodeSession   ErrorCode = "session"
)

// LoginErrorParam is the query parameter carrying an ErrorCode.
const LoginErrorParam = "login-error"

var errorMessages = map[ErrorCode]string{
	CodeState:     "Your login attempt expired or was already used. Please try again.",
	CodeTransport: "The identity provider could not be reached. Please try again.",
	CodeProvider:  "The identity provider did not complete the login. Please try again.",
	CodeToken:     "The identity provider's response could not be verified.",
	CodeIdentity:  "Your account is not permitted to log in to this site.",
	CodeSession:   "Your session could not be started. Please try again.",
}

// Message returns the user facing text for the code.
func (c ErrorCode) Message() string {
	if m, ok := errorMessages[c]; ok {
		return m
	}
	return "Login failed."
}

// errorCode classifies err, using fallback for errors outside the flow
// error classes.
func errorCode(err error, fallback ErrorCode) ErrorCode {
	switch {
	case errors.Is(err, oidc.ErrStateInvalid):
		return CodeState
	case errors.Is(err, oidc.ErrProviderTransport):
		return CodeTransport
	case errors.Is(err, oidc.ErrTokenInvalid):
		return CodeToken
	case errors.Is(err, oidc.ErrProviderRejected):
		return CodeProvider
	case errors.Is(err, oidc.ErrIdentityRejected):
		return CodeIdentity
	default:
		return fallback
	}
}
