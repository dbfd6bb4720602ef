// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// RequestKind identifies which provider call an outgoing request belongs to.
type RequestKind string

const (
	RequestTokenExchange RequestKind = "token-exchange"
	RequestRefresh       RequestKind = "refresh"
	RequestUserInfo      RequestKind = "userinfo"
	RequestJWKS          RequestKind = "jwks"
)

// RequestAugmenter may modify every request sent to the provider, for
// example to add headers a gateway in front of the provider requires.  An
// error aborts the request.
type RequestAugmenter interface {
	Augment(ctx context.Context, kind RequestKind, req *http.Request) error
}

// RequestAugmenterFunc adapts a func to a RequestAugmenter.
type RequestAugmenterFunc func(ctx context.Context, kind RequestKind, req *http.Request) error

// Augment calls f.
func (f RequestAugmenterFunc) Augment(ctx context.Context, kind RequestKind, req *http.Request) error {
	return f(ctx, kind, req)
}

type requestKindKey struct{}

// WithRequestKind returns a context carrying the request kind.
func WithRequestKind(ctx context.Context, kind RequestKind) context.Context {
	return context.WithValue(ctx, requestKindKey{}, kind)
}

// RequestKindFromContext returns the request kind carried by ctx, if any.
func RequestKindFromContext(ctx context.Context) (RequestKind, bool) {
	k, ok := ctx.Value(requestKindKey{}).(RequestKind)
	return k, ok
}

// augmentingTransport applies a RequestAugmenter before handing the request
// to the underlying transport.
type augmentingTransport struct {
	base      http.RoundTripper
	augmenter RequestAugmenter
}

// RoundTrip implements http.RoundTripper.
func (t *augmentingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	const op = "augmentingTransport.RoundTrip"
	if t.augmenter == nil {
		return t.base.RoundTrip(req)
	}
	ctx := req.Context()
	kind, _ := RequestKindFromContext(ctx)
	// a RoundTripper must not modify the caller's request
	r := req.Clone(ctx)
	if err := t.augmenter.Augment(ctx, kind, r); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%s: request augmenter failed for %s: %w", op, kind, err)
	}
	return t.base.RoundTrip(r)
}

// NewHTTPClient creates the http client used for every request to the
// provider.  It uses a pooled transport honoring the config's TLS settings
// and request timeout.  The augmenter may be nil.
func NewHTTPClient(c *Config, augmenter RequestAugmenter) (*http.Client, error) {
	const op = "oidc.NewHTTPClient"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	tr := cleanhttp.DefaultPooledTransport()
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.VerifyTLS,
	}
	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tlsConfig.RootCAs = certPool
	}
	tr.TLSClientConfig = tlsConfig
	return &http.Client{
		Transport: &augmentingTransport{base: tr, augmenter: augmenter},
		Timeout:   c.RequestTimeout,
	}, nil
}

// HTTPClientContext returns a new Context that carries the provided HTTP
// client.  It uses the same context key as the github.com/coreos/go-oidc and
// golang.org/x/oauth2 packages, so the returned context works for both.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	return oidc.ClientContext(ctx, client)
}

// classifyErr maps an error from a provider request onto ErrProviderTransport
// (timeouts, connection failures) or ErrProviderRejected (non-2xx and
// malformed responses).
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return ErrProviderRejected
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrProviderTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrProviderTransport
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrProviderTransport
	}
	return ErrProviderRejected
}

// isDialErr reports whether the request failed before any byte was sent,
// which is the only case where a token exchange may safely be retried.
func isDialErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
