// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// SessionHost is the host application's local session.
type SessionHost interface {
	// CurrentAccount returns the account logged in on r.
	CurrentAccount(r *http.Request) (accountID string, ok bool)

	// Login starts a local session for the account.
	Login(w http.ResponseWriter, r *http.Request, accountID string) error

	// Logout ends the local session.
	Logout(w http.ResponseWriter, r *http.Request) error
}

// DefaultSessionName is the session name GorillaSessionHost uses when none
// is set.
const DefaultSessionName = "oidcrp"

const sessionKeyAccountID = "account-id"

// GorillaSessionHost is a SessionHost over a gorilla sessions store.
type GorillaSessionHost struct {
	// Store is the gorilla sessions store to use.
	Store sessions.Store

	// SessionName is the name of the session.  If not set,
	// DefaultSessionName is used.
	SessionName string
}

var _ SessionHost = (*GorillaSessionHost)(nil)

func (g *GorillaSessionHost) name() string {
	if g.SessionName == "" {
		return DefaultSessionName
	}
	return g.SessionName
}

func (g *GorillaSessionHost) CurrentAccount(r *http.Request) (string, bool) {
	if g.Store == nil {
		return "", false
	}
	s, err := g.Store.Get(r, g.name())
	if err != nil {
		return "", false
	}
	id, ok := s.Values[sessionKeyAccountID].(string)
	return id, ok && id != ""
}

func (g *GorillaSessionHost) Login(w http.ResponseWriter, r *http.Request, accountID string) error {
	const op = "GorillaSessionHost.Login"
	if g.Store == nil {
		return fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	if accountID == "" {
		return fmt.Errorf("%s: missing account id: %w", op, oidc.ErrInvalidParameter)
	}
	// An undecodable cookie still yields a new, usable session.
	s, _ := g.Store.Get(r, g.name())
	for k := range s.Values {
		delete(s.Values, k)
	}
	s.Values[sessionKeyAccountID] = accountID
	if err := s.Save(r, w); err != nil {
		return fmt.Errorf("%s: saving session: %w", op, err)
	}
	return nil
}

func (g *GorillaSessionHost) Logout(w http.ResponseWriter, r *http.Request) error {
	const op = "GorillaSessionHost.Logout"
	if g.Store == nil {
		return fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	s, _ := g.Store.Get(r, g.name())
	for k := range s.Values {
		delete(s.Values, k)
	}
	if s.Options == nil {
		s.Options = &sessions.Options{Path: "/"}
	}
	s.Options.MaxAge = -1
	if err := s.Save(r, w); err != nil {
		return fmt.Errorf("%s: saving session: %w", op, err)
	}
	return nil
}
