// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// Cookie defaults.
const (
	DefaultCookieName = "oidc_refresh"
	DefaultMaxAge     = 14 * 24 * time.Hour
)

// Codec encrypts refresh session payloads with a per-account key and reads
// and writes them as cookies.  Ciphertexts are authenticated with
// HMAC-SHA256, encrypted with AES-256 and carry a timestamp that limits
// their age.
type Codec struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite
	maxAge   time.Duration
	now      func() time.Time
	logger   hclog.Logger
}

// NewCodec creates a Codec.
//
// Supported options: WithCookieName, WithCookiePath, WithSecure,
// WithSameSite, WithMaxAge, WithNow, WithLogger
func NewCodec(opt ...oidc.Option) *Codec {
	opts := getCodecOpts(opt...)
	return &Codec{
		name:     opts.withCookieName,
		path:     opts.withCookiePath,
		secure:   opts.withSecure,
		sameSite: opts.withSameSite,
		maxAge:   opts.withMaxAge,
		now:      opts.withNowFunc,
		logger:   opts.withLogger,
	}
}

// CookieName returns the name of the cookie.
func (c *Codec) CookieName() string { return c.name }

func (c *Codec) secureCookie(key []byte) (*securecookie.SecureCookie, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes: %w", KeySize, oidc.ErrInvalidParameter)
	}
	sc := securecookie.New(key[:hashKeySize], key[hashKeySize:])
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(c.maxAge / time.Second))
	return sc, nil
}

// Encrypt returns the ciphertext of p under key.  IssuedAt is set to now
// when zero.  When the result would exceed the cookie size limit the
// IDToken is left out.
func (c *Codec) Encrypt(key []byte, p *Payload) (string, error) {
	const op = "Codec.Encrypt"
	if p == nil {
		return "", fmt.Errorf("%s: payload is nil: %w", op, oidc.ErrNilParameter)
	}
	if p.AccountID == "" {
		return "", fmt.Errorf("%s: missing account id: %w", op, oidc.ErrInvalidParameter)
	}
	if p.RefreshToken == "" {
		return "", fmt.Errorf("%s: missing refresh token: %w", op, oidc.ErrInvalidParameter)
	}
	sc, err := c.secureCookie(key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	w := toWire(p)
	if p.IssuedAt.IsZero() {
		w.IssuedAt = c.now().Unix()
	}
	s, err := sc.Encode(c.name, w)
	if err != nil && w.IDToken != "" {
		c.logger.Debug("refresh cookie too large, dropping id_token", "account", p.AccountID, "error", err)
		w.IDToken = ""
		s, err = sc.Encode(c.name, w)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Decrypt returns the payload of ciphertext.  Every failure, including a
// wrong key, tampering and an expired timestamp, wraps ErrDecrypt.
func (c *Codec) Decrypt(key []byte, ciphertext string) (*Payload, error) {
	const op = "Codec.Decrypt"
	if ciphertext == "" {
		return nil, fmt.Errorf("%s: empty ciphertext: %w", op, ErrDecrypt)
	}
	sc, err := c.secureCookie(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDecrypt, err)
	}
	var w wirePayload
	if err := sc.Decode(c.name, ciphertext, &w); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDecrypt, err)
	}
	if w.AccountID == "" || w.RefreshToken == "" {
		return nil, fmt.Errorf("%s: incomplete payload: %w", op, ErrDecrypt)
	}
	return fromWire(&w), nil
}

// Write sets the refresh cookie for p.
func (c *Codec) Write(w http.ResponseWriter, p *Payload, key []byte) error {
	const op = "Codec.Write"
	v, err := c.Encrypt(key, p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    v,
		Path:     c.path,
		MaxAge:   int(c.maxAge / time.Second),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
	return nil
}

// ErrNoCookie is returned by Read when the request has no refresh cookie.
var ErrNoCookie = errors.New("no refresh cookie")

// Read decrypts the refresh cookie of r.  The payload must belong to
// accountID.
func (c *Codec) Read(r *http.Request, accountID string, key []byte) (*Payload, error) {
	const op = "Codec.Read"
	ck, err := r.Cookie(c.name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoCookie)
	}
	p, err := c.Decrypt(key, ck.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.AccountID != accountID {
		c.logger.Warn("refresh cookie belongs to another account", "account", accountID)
		return nil, fmt.Errorf("%s: account mismatch: %w", op, ErrDecrypt)
	}
	return p, nil
}

// Clear expires the refresh cookie.
func (c *Codec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     c.path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
}
