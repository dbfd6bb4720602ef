// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ClientAssertionType is the client_assertion_type for client_secret_jwt.
// https://www.rfc-editor.org/rfc/rfc7523.html#section-2.2
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// clientAssertion adds a client_assertion signed with the client secret to
// token endpoint requests.
type clientAssertion struct {
	clientID string
	secret   ClientSecret
	audience string
	now      func() time.Time
}

// Serialize returns a new signed client assertion JWT.
func (a *clientAssertion) Serialize() (string, error) {
	const op = "clientAssertion.Serialize"
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(a.secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create signer: %w", op, err)
	}
	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	now := a.now().UTC()
	claims := jwt.Claims{
		Issuer:    a.clientID,
		Subject:   a.clientID,
		Audience:  jwt.Audience{a.audience},
		Expiry:    jwt.NewNumericDate(now.Add(5 * time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        id,
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("%s: failed to serialize token: %w", op, err)
	}
	return token, nil
}

// Augment implements RequestAugmenter for token exchange and refresh
// requests.
func (a *clientAssertion) Augment(_ context.Context, kind RequestKind, req *http.Request) error {
	const op = "clientAssertion.Augment"
	if kind != RequestTokenExchange && kind != RequestRefresh {
		return nil
	}
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return fmt.Errorf("%s: unable to read request body: %w", op, err)
		}
		_ = req.Body.Close()
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("%s: unable to parse request body: %w", op, err)
	}
	assertion, err := a.Serialize()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)
	encoded := form.Encode()
	req.Body = io.NopCloser(strings.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte(encoded))), nil
	}
	return nil
}

// augmenters applies each augmenter in order.
type augmenters []RequestAugmenter

// Augment implements RequestAugmenter.
func (as augmenters) Augment(ctx context.Context, kind RequestKind, req *http.Request) error {
	for _, a := range as {
		if a == nil {
			continue
		}
		if err := a.Augment(ctx, kind, req); err != nil {
			return err
		}
	}
	return nil
}
