// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedirect = "https://rp.example.com/oidc/callback"

func testNewProvider(t *testing.T, c *Config, opt ...Option) *Provider {
	t.Helper()
	p, err := NewProvider(c, opt...)
	require.NoError(t, err)
	return p
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tests := []struct {
		name      string
		config    *Config
		wantIsErr error
	}{
		{
			name:   "valid",
			config: tp.TestConfig(testRedirect),
		},
		{
			name:      "nil-config",
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "invalid-config",
			config:    &Config{ClientID: "rp"},
			wantIsErr: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			p, err := NewProvider(tt.config)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Nil(p)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted %q and got %q", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.config, p.Config())
			assert.NotNil(p.HTTPClient())
		})
	}
}

func TestProvider_AuthURL(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	p := testNewProvider(t, tp.TestConfig(testRedirect))
	ctx := context.Background()

	t.Run("with-nonce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.AuthURL(ctx, "st_abc", "nonce-xyz", WithAuthParam("prompt", "login"))
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal(tp.Addr()+"/auth", u.Scheme+"://"+u.Host+u.Path)
		q := u.Query()
		assert.Equal("test-rp", q.Get("client_id"))
		assert.Equal(testRedirect, q.Get("redirect_uri"))
		assert.Equal("code", q.Get("response_type"))
		assert.Equal("openid email profile", q.Get("scope"))
		assert.Equal("st_abc", q.Get("state"))
		assert.Equal("nonce-xyz", q.Get("nonce"))
		assert.Equal("login", q.Get("prompt"))
	})
	t.Run("without-nonce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.AuthURL(ctx, "st_abc", "")
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		_, ok := u.Query()["nonce"]
		assert.False(ok)
	})
	t.Run("state-equals-nonce", func(t *testing.T) {
		_, err := p.AuthURL(ctx, "same", "same")
		assert.True(t, errors.Is(err, ErrInvalidParameter))
	})
	t.Run("empty-state", func(t *testing.T) {
		_, err := p.AuthURL(ctx, "", "nonce")
		assert.True(t, errors.Is(err, ErrInvalidParameter))
	})
}

func TestProvider_Exchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("auth-styles", func(t *testing.T) {
		for _, style := range []TokenAuthStyle{AuthStylePost, AuthStyleBasic, AuthStyleJWT} {
			style := style
			t.Run(string(style), func(t *testing.T) {
				assert, require := assert.New(t), require.New(t)
				tp := StartTestProvider(t)
				tp.SetExpectedAuthCode("valid-code")
				tp.SetRefreshToken("rt-1")
				tp.SetExpectedExpiry(time.Minute)
				p := testNewProvider(t, tp.TestConfig(testRedirect, WithTokenAuthStyle(style)))

				tk, err := p.Exchange(ctx, "valid-code")
				require.NoError(err)
				assert.Equal(style, tp.LastClientAuth())
				assert.NotEmpty(tk.AccessToken)
				assert.NotEmpty(tk.IDToken)
				assert.Equal(RefreshToken("rt-1"), tk.RefreshToken)
				assert.Equal("Bearer", tk.TokenType)
				assert.WithinDuration(time.Now().Add(time.Minute), tk.Expiry, 5*time.Second)
			})
		}
	})
	t.Run("bad-code", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.Exchange(ctx, "bad-code")
		assert.True(errors.Is(err, ErrProviderRejected))
		assert.False(errors.Is(err, ErrProviderTransport))
	})
	t.Run("bad-client-secret", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		c := tp.TestConfig(testRedirect)
		tp.SetClientCreds("test-rp", "rotated-secret")
		p := testNewProvider(t, c)
		_, err := p.Exchange(ctx, "valid-code")
		assert.True(t, errors.Is(err, ErrProviderRejected))
	})
	t.Run("server-error", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		tp.SetTokenErrorStatus(http.StatusInternalServerError)
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.Exchange(ctx, "valid-code")
		assert.True(t, errors.Is(err, ErrProviderRejected))
	})
	t.Run("missing-id-token", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		tp.OmitIDTokens()
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.Exchange(ctx, "valid-code")
		assert.True(errors.Is(err, ErrProviderRejected))
		assert.True(errors.Is(err, ErrMissingIDToken))
	})
	t.Run("timeout", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		tp.SetTokenDelay(500 * time.Millisecond)
		p := testNewProvider(t, tp.TestConfig(testRedirect, WithRequestTimeout(50*time.Millisecond)))
		_, err := p.Exchange(ctx, "valid-code")
		assert.True(errors.Is(err, ErrProviderTransport))
		assert.False(errors.Is(err, ErrProviderRejected))
		// the code may have been consumed, so the exchange is not retried
		assert.Equal(1, tp.TokenRequests())
	})
	t.Run("connection-refused-is-retried", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(err)
		addr := "http://" + l.Addr().String()
		require.NoError(l.Close())

		c, err := NewConfig("rp", TestClientSecret, testRedirect, addr+"/auth", addr+"/token", WithSigningAlgs(HS256))
		require.NoError(err)
		var calls int32
		counter := RequestAugmenterFunc(func(_ context.Context, kind RequestKind, _ *http.Request) error {
			assert.Equal(RequestTokenExchange, kind)
			atomic.AddInt32(&calls, 1)
			return nil
		})
		p := testNewProvider(t, c, WithRetries(2), WithRequestAugmenter(counter))
		_, err = p.Exchange(ctx, "code")
		assert.True(errors.Is(err, ErrProviderTransport))
		assert.Equal(int32(3), atomic.LoadInt32(&calls))
	})
	t.Run("augmenter", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		aug := RequestAugmenterFunc(func(_ context.Context, kind RequestKind, r *http.Request) error {
			r.Header.Set("X-Request-Kind", string(kind))
			return nil
		})
		p := testNewProvider(t, tp.TestConfig(testRedirect), WithRequestAugmenter(aug))
		_, err := p.Exchange(ctx, "valid-code")
		require.NoError(err)
		assert.Equal(string(RequestTokenExchange), tp.LastTokenRequestHeader("X-Request-Kind"))
	})
	t.Run("empty-code", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.Exchange(ctx, "")
		assert.True(t, errors.Is(err, ErrInvalidParameter))
	})
}

func TestProvider_VerifyIDToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p := testNewProvider(t, tp.TestConfig(testRedirect))
	_, otherPriv := TestGenerateKeys(t)

	validClaims := func() jwt.Claims {
		now := time.Now()
		return jwt.Claims{
			Issuer:   tp.Addr(),
			Subject:  "alice-subject",
			Audience: jwt.Audience{"test-rp"},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(time.Minute)),
		}
	}
	_, priv := tp.SigningKeys()
	sign := func(mutate func(*jwt.Claims), private map[string]interface{}) IDToken {
		c := validClaims()
		if mutate != nil {
			mutate(&c)
		}
		return IDToken(TestSignJWT(t, priv, c, private))
	}

	tests := []struct {
		name      string
		token     IDToken
		nonce     string
		opt       []Option
		wantIsErr error
	}{
		{
			name:  "valid",
			token: sign(nil, map[string]interface{}{"nonce": "n-1", "email": "alice@example.com"}),
			nonce: "n-1",
		},
		{
			name:  "nonce-not-expected",
			token: sign(nil, nil),
		},
		{
			name:      "wrong-audience",
			token:     sign(func(c *jwt.Claims) { c.Audience = jwt.Audience{"other-rp"} }, map[string]interface{}{"nonce": "n-1"}),
			nonce:     "n-1",
			wantIsErr: ErrInvalidAudience,
		},
		{
			name:      "nonce-mismatch",
			token:     sign(nil, map[string]interface{}{"nonce": "n-2"}),
			nonce:     "n-1",
			wantIsErr: ErrInvalidNonce,
		},
		{
			name:      "nonce-missing",
			token:     sign(nil, nil),
			nonce:     "n-1",
			wantIsErr: ErrInvalidNonce,
		},
		{
			name:      "expired",
			token:     sign(func(c *jwt.Claims) { c.Expiry = jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)) }, nil),
			wantIsErr: ErrExpiredToken,
		},
		{
			name:  "expired-within-skew",
			token: sign(func(c *jwt.Claims) { c.Expiry = jwt.NewNumericDate(time.Now().Add(-10 * time.Second)) }, nil),
		},
		{
			name:      "missing-exp",
			token:     sign(func(c *jwt.Claims) { c.Expiry = nil }, nil),
			wantIsErr: ErrExpiredToken,
		},
		{
			name:      "issued-in-future",
			token:     sign(func(c *jwt.Claims) { c.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour)) }, nil),
			wantIsErr: ErrInvalidIssuedAt,
		},
		{
			name:      "wrong-issuer",
			token:     sign(func(c *jwt.Claims) { c.Issuer = "https://evil.example.com" }, nil),
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name:      "wrong-azp",
			token:     sign(nil, map[string]interface{}{"azp": "other-rp"}),
			wantIsErr: ErrInvalidAuthorizedParty,
		},
		{
			name:      "multiple-audiences-without-azp",
			token:     sign(func(c *jwt.Claims) { c.Audience = jwt.Audience{"test-rp", "other-rp"} }, nil),
			wantIsErr: ErrInvalidAuthorizedParty,
		},
		{
			name:  "multiple-audiences-with-azp",
			token: sign(func(c *jwt.Claims) { c.Audience = jwt.Audience{"test-rp", "other-rp"} }, map[string]interface{}{"azp": "test-rp"}),
		},
		{
			name:      "missing-sub",
			token:     sign(func(c *jwt.Claims) { c.Subject = "" }, nil),
			wantIsErr: ErrMissingSubject,
		},
		{
			name:      "unknown-key",
			token:     IDToken(TestSignJWT(t, otherPriv, validClaims(), nil)),
			wantIsErr: ErrInvalidSignature,
		},
		{
			name:      "alg-not-allowed",
			token:     IDToken(TestSignHMACJWT(t, TestClientSecret, validClaims(), nil)),
			wantIsErr: ErrInvalidSignature,
		},
		{
			name:      "malformed",
			token:     "not.a.jwt",
			wantIsErr: ErrInvalidSignature,
		},
		{
			name:      "empty",
			token:     "",
			wantIsErr: ErrMalformedToken,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := p.VerifyIDToken(ctx, tt.token, tt.nonce)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Nil(got)
				assert.Truef(errors.Is(err, ErrTokenInvalid), "wanted ErrTokenInvalid and got %q", err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted %q and got %q", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal("alice-subject", got.Subject)
			assert.Equal(tp.Addr(), got.Issuer)
			assert.Contains(got.Audience, "test-rp")
			assert.Equal(tt.nonce, got.Nonce)
			assert.Equal("alice-subject", got.Claims.Subject())
		})
	}

	t.Run("clock", func(t *testing.T) {
		assert := assert.New(t)
		tk := sign(nil, nil)
		later := testNewProvider(t, tp.TestConfig(testRedirect), WithNow(func() time.Time { return time.Now().Add(10 * time.Minute) }))
		_, err := later.VerifyIDToken(ctx, tk, "")
		assert.True(errors.Is(err, ErrExpiredToken))
	})
	t.Run("hmac", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		hp := StartTestProvider(t)
		hp.SetSignWithSecret(true)
		hc := hp.TestConfig(testRedirect, WithSigningAlgs(HS256))
		p := testNewProvider(t, hc)
		got, err := p.VerifyIDToken(ctx, IDToken(hp.IssueIDToken("n-1")), "n-1")
		require.NoError(err)
		assert.Equal("alice-subject", got.Subject)
	})
	t.Run("jwks-unreachable", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(err)
		jwksURL := "http://" + l.Addr().String() + "/certs"
		require.NoError(l.Close())

		up := testNewProvider(t, tp.TestConfig(testRedirect, WithJWKSURL(jwksURL)))
		got, err := up.VerifyIDToken(ctx, sign(nil, nil), "")
		require.Error(err)
		assert.Nil(got)
		assert.Truef(errors.Is(err, ErrProviderTransport), "wanted ErrProviderTransport and got %q", err)
		assert.False(errors.Is(err, ErrTokenInvalid))
		assert.False(errors.Is(err, ErrInvalidSignature))
	})
	t.Run("static-keys", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		pub, _ := tp.SigningKeys()
		sc := tp.TestConfig(testRedirect, WithJWKSURL(""), WithPublicKeys(pub))
		p := testNewProvider(t, sc)
		got, err := p.VerifyIDToken(ctx, sign(nil, nil), "")
		require.NoError(err)
		assert.Equal("alice-subject", got.Subject)
	})
}

func TestProvider_UserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("json", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		got, err := p.UserInfo(ctx, "at_1")
		require.NoError(err)
		assert.Equal("alice-subject", got.Subject())
		assert.Equal("alice@example.com", got.Email())
		assert.Equal("Bearer at_1", tp.LastUserInfoRequestHeader("Authorization"))
	})
	t.Run("jwt", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetUserInfoAsJWT(true)
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		got, err := p.UserInfo(ctx, "at_1")
		require.NoError(err)
		assert.Equal("alice-subject", got.Subject())
		name, ok := got.String(ClaimName)
		assert.True(ok)
		assert.Equal("Alice Doe-Smith", name)
	})
	t.Run("rejected", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.UserInfo(ctx, "not-issued")
		assert.True(t, errors.Is(err, ErrProviderRejected))
	})
	t.Run("disabled", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.DisableUserInfo()
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.UserInfo(ctx, "at_1")
		assert.True(t, errors.Is(err, ErrProviderRejected))
	})
	t.Run("missing-sub", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetUserInfoReply(map[string]interface{}{"sub": ""})
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.UserInfo(ctx, "at_1")
		assert.True(errors.Is(err, ErrProviderRejected))
		assert.True(errors.Is(err, ErrMissingSubject))
	})
	t.Run("no-endpoint", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp.TestConfig(testRedirect, WithUserInfoURL("")))
		_, err := p.UserInfo(ctx, "at_1")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestProvider_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rotated", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetRefreshToken("rt-1")
		tp.SetNextRefreshToken("rt-2")
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		tk, err := p.Refresh(ctx, "rt-1")
		require.NoError(err)
		assert.Equal(RefreshToken("rt-2"), tk.RefreshToken)
		assert.NotEmpty(tk.AccessToken)
	})
	t.Run("not-rotated", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetRefreshToken("rt-1")
		p := testNewProvider(t, tp.TestConfig(testRedirect, WithTokenAuthStyle(AuthStyleJWT)))
		tk, err := p.Refresh(ctx, "rt-1")
		require.NoError(err)
		assert.Equal(RefreshToken("rt-1"), tk.RefreshToken)
		assert.Equal(AuthStyleJWT, tp.LastClientAuth())
	})
	t.Run("revoked", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetRefreshToken("rt-1")
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.Refresh(ctx, "rt-old")
		assert.True(t, errors.Is(err, ErrProviderRejected))
	})
	t.Run("empty", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp.TestConfig(testRedirect))
		_, err := p.Refresh(ctx, "")
		assert.True(t, errors.Is(err, ErrInvalidParameter))
	})
}

func TestProvider_EndSessionURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	p := testNewProvider(t, tp.TestConfig(testRedirect))
	got, err := p.EndSessionURL("id-token", "https://rp.example.com/")
	require.NoError(err)
	u, err := url.Parse(got)
	require.NoError(err)
	assert.Equal("id-token", u.Query().Get("id_token_hint"))
	assert.Equal("https://rp.example.com/", u.Query().Get("post_logout_redirect_uri"))
	assert.Equal("test-rp", u.Query().Get("client_id"))

	np := testNewProvider(t, tp.TestConfig(testRedirect, WithEndSessionURL("")))
	_, err = np.EndSessionURL("id-token", "")
	assert.True(errors.Is(err, ErrNotFound))
}
