// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package session keeps an account's refresh token in an encrypted cookie.
// Each account has its own key, so replacing the key invalidates every
// cookie issued to the account.
package session

import (
	"fmt"
	"time"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// ErrDecrypt is returned when a cookie can not be decoded, verified or
// decrypted with the account's key.  Callers treat it as "no session".
var ErrDecrypt = fmt.Errorf("session: %w", oidc.ErrDecrypt)

// Payload is the plaintext of a refresh session cookie.
type Payload struct {
	AccountID    string
	RefreshToken oidc.RefreshToken
	IssuedAt     time.Time

	// AccessExpiry is when the access token obtained together with
	// RefreshToken expires.  Zero means unknown.
	AccessExpiry time.Time

	// IDToken is the raw id_token of the latest login or refresh.  It is
	// sent as the id_token_hint of an end session request.
	IDToken oidc.IDToken
}

// NeedsRefresh reports whether the access token expires within skew of now.
// An unknown expiry never needs a refresh.
func (p *Payload) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if p.AccessExpiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(p.AccessExpiry)
}

// wirePayload is the serialized form of a Payload.  The redacted token type
// can not be used here since it never marshals its value.
type wirePayload struct {
	AccountID    string `json:"aid"`
	RefreshToken string `json:"rt"`
	IssuedAt     int64  `json:"iat"`
	AccessExpiry int64  `json:"exp,omitempty"`
	IDToken      string `json:"idt,omitempty"`
}

func toWire(p *Payload) *wirePayload {
	w := &wirePayload{
		AccountID:    p.AccountID,
		RefreshToken: string(p.RefreshToken),
		IssuedAt:     p.IssuedAt.Unix(),
		IDToken:      string(p.IDToken),
	}
	if !p.AccessExpiry.IsZero() {
		w.AccessExpiry = p.AccessExpiry.Unix()
	}
	return w
}

func fromWire(w *wirePayload) *Payload {
	p := &Payload{
		AccountID:    w.AccountID,
		RefreshToken: oidc.RefreshToken(w.RefreshToken),
		IssuedAt:     time.Unix(w.IssuedAt, 0),
		IDToken:      oidc.IDToken(w.IDToken),
	}
	if w.AccessExpiry != 0 {
		p.AccessExpiry = time.Unix(w.AccessExpiry, 0)
	}
	return p
}
