// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/oidcgeneric/oidcrp/oidc/internal/strutils"
)

// TestClientSecret is the client secret TestConfig uses when the provider
// has no client creds.  It is long enough to key HS512.
const TestClientSecret = "test-rp-secret-0123456789abcdef0123456789abcdef0123456789abcdefx"

// TestProvider is a local OIDC provider which makes writing tests much
// easier.  It serves the authorization, token (authorization_code and
// refresh_token grants), userinfo, JWKS and end session endpoints.  It
// authenticates the client with client_secret_post, client_secret_basic or
// client_secret_jwt.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string
	client     *http.Client

	jwks            *jose.JSONWebKeySet
	ecdsaPublicKey  string
	ecdsaPrivateKey string

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	allowedRedirectURIs []string
	expectedAuthCode    string
	expectedAuthNonce   string
	lastAuthNonce       string
	replySubject        string
	replyExpiry         time.Duration
	replyUserinfo       map[string]interface{}
	userinfoAsJWT       bool
	customClaims        map[string]interface{}
	customAudience      []string
	signWithSecret      bool
	omitIDToken         bool
	disableUserInfo     bool
	refreshToken        string
	nextRefreshToken    string
	tokenStatus         int
	tokenDelay          time.Duration
	tokenRequests       int
	accessTokenCounter  int
	lastClientAuth      TokenAuthStyle
	lastTokenHeader     http.Header
	lastUserinfoHeader  http.Header

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider which is stopped by
// t.Cleanup.
//
// Supported options: WithTestPort
func StartTestProvider(t *testing.T, opt ...Option) *TestProvider {
	t.Helper()
	require := require.New(t)
	opts := getTestProviderOpts(opt...)

	p := &TestProvider{
		t:            t,
		replySubject: "alice-subject",
		replyExpiry:  5 * time.Second,
		replyUserinfo: map[string]interface{}{
			"email":              "alice@example.com",
			"preferred_username": "alice",
			"name":               "Alice Doe-Smith",
		},
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	if opts.withPort != 0 {
		p.httpServer = httptestNewUnstartedServerWithPort(t, p, opts.withPort)
	} else {
		p.httpServer = httptest.NewUnstartedServer(p)
	}
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()

	certPool := x509.NewCertPool()
	require.True(certPool.AppendCertsFromPEM([]byte(p.caCert)))
	p.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: certPool, MinVersion: tls.VersionTLS12},
		},
	}
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running webserver.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// HttpClient returns an http client that trusts the test provider's CA.
func (p *TestProvider) HttpClient() *http.Client { return p.client }

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// TestConfig returns a Config for a client of the test provider.  The
// client creds are set with SetClientCreds when the provider has none.
// Options passed override the defaults.
func (p *TestProvider) TestConfig(redirectURL string, opt ...Option) *Config {
	p.t.Helper()
	id, secret := p.ClientCreds()
	if id == "" {
		id, secret = "test-rp", TestClientSecret
		p.SetClientCreds(id, secret)
	}
	defaults := []Option{
		WithProviderCA(p.CACert()),
		WithIssuer(p.Addr()),
		WithSigningAlgs(ES256),
		WithJWKSURL(p.Addr() + "/certs"),
		WithUserInfoURL(p.Addr() + "/userinfo"),
		WithEndSessionURL(p.Addr() + "/end_session"),
		WithScopes("email", "profile"),
	}
	c, err := NewConfig(id, ClientSecret(secret), redirectURL, p.Addr()+"/auth", p.Addr()+"/token", append(defaults, opt...)...)
	require.NoError(p.t, err)
	return c
}

// SetClientCreds is for configuring the client information required for the
// OIDC workflows.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// ClientCreds returns the relying party client information required for the
// OIDC workflows.
func (p *TestProvider) ClientCreds() (clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID, p.clientSecret
}

// SetExpectedAuthCode configures the auth code to return from /auth and the
// allowed auth code for /token.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce configures the nonce value required for /auth and
// returned in the id_token.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetAllowedRedirectURIs allows you to configure the allowed redirect URIs
// for /token.  When empty, any redirect URI is allowed.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetExpectedSubject configures the sub claim of issued id_tokens and of
// userinfo responses.
func (p *TestProvider) SetExpectedSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetExpectedExpiry configures the lifetime of issued tokens.
func (p *TestProvider) SetExpectedExpiry(exp time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExpiry = exp
}

// SetUserInfoReply sets the claims returned by /userinfo.  A sub claim in
// the reply overrides the expected subject.
func (p *TestProvider) SetUserInfoReply(resp map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = resp
}

// SetUserInfoAsJWT makes /userinfo return a signed application/jwt response.
func (p *TestProvider) SetUserInfoAsJWT(asJWT bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoAsJWT = asJWT
}

// SetCustomClaims lets you set claims to return in the JWT issued by the OIDC
// workflow.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures what audience value to embed in the JWT issued
// by the OIDC workflow.
func (p *TestProvider) SetCustomAudience(customAudience ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// SetSignWithSecret makes the provider sign JWTs with HS256 and the client
// secret instead of its ECDSA key.
func (p *TestProvider) SetSignWithSecret(hmac bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signWithSecret = hmac
}

// SetRefreshToken configures the refresh token issued by the
// authorization_code grant and required by the refresh_token grant.
func (p *TestProvider) SetRefreshToken(rt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshToken = rt
}

// SetNextRefreshToken makes the next refresh_token grant rotate the refresh
// token to next.  Without it the refresh token is not rotated.
func (p *TestProvider) SetNextRefreshToken(next string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRefreshToken = next
}

// SetTokenErrorStatus forces /token to fail with the status.  Zero restores
// normal behavior.
func (p *TestProvider) SetTokenErrorStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// SetTokenDelay delays every /token response.
func (p *TestProvider) SetTokenDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = d
}

// OmitIDTokens forces an error state where the /token endpoint does not return
// id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// DisableUserInfo makes the userinfo endpoint return 404.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// TokenRequests returns how many requests /token has received.
func (p *TestProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// LastClientAuth returns how the client authenticated on the last /token
// request.
func (p *TestProvider) LastClientAuth() TokenAuthStyle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastClientAuth
}

// LastTokenRequestHeader returns a header of the last /token request.
func (p *TestProvider) LastTokenRequestHeader(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenHeader.Get(name)
}

// LastUserInfoRequestHeader returns a header of the last /userinfo request.
func (p *TestProvider) LastUserInfoRequestHeader(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUserinfoHeader.Get(name)
}

// IssueIDToken signs an id_token for the configured subject and client, as
// the token endpoint would.  The nonce is omitted when empty.
func (p *TestProvider) IssueIDToken(nonce string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idToken(nonce)
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()

	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)

	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}

	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}

	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// sign must be called with p.mu held.
func (p *TestProvider) sign(claims jwt.Claims, privateClaims map[string]interface{}) string {
	if p.signWithSecret {
		return TestSignHMACJWT(p.t, p.clientSecret, claims, privateClaims)
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, claims, privateClaims)
}

// idToken must be called with p.mu held.
func (p *TestProvider) idToken(nonce string) string {
	now := time.Now()
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(p.replyExpiry)),
		Audience:  jwt.Audience{p.clientID},
	}
	if len(p.customAudience) > 0 {
		stdClaims.Audience = jwt.Audience(p.customAudience)
	}
	privateClaims := map[string]interface{}{}
	if nonce != "" {
		privateClaims["nonce"] = nonce
	}
	for k, v := range p.customClaims {
		privateClaims[k] = v
	}
	return p.sign(stdClaims, privateClaims)
}

// authenticateClient must be called with p.mu held.
func (p *TestProvider) authenticateClient(req *http.Request) (TokenAuthStyle, bool) {
	if assertion := req.PostForm.Get("client_assertion"); assertion != "" {
		if req.PostForm.Get("client_assertion_type") != ClientAssertionType {
			return AuthStyleJWT, false
		}
		parsed, err := jwt.ParseSigned(assertion, []jose.SignatureAlgorithm{jose.HS256})
		if err != nil {
			return AuthStyleJWT, false
		}
		var claims jwt.Claims
		if err := parsed.Claims([]byte(p.clientSecret), &claims); err != nil {
			return AuthStyleJWT, false
		}
		if err := claims.ValidateWithLeeway(jwt.Expected{
			Issuer:      p.clientID,
			Subject:     p.clientID,
			AnyAudience: jwt.Audience{p.Addr() + "/token"},
			Time:        time.Now(),
		}, time.Minute); err != nil {
			return AuthStyleJWT, false
		}
		return AuthStyleJWT, true
	}
	if id, secret, ok := req.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return AuthStyleBasic, id == p.clientID && secret == p.clientSecret
	}
	return AuthStylePost, req.PostForm.Get("client_id") == p.clientID &&
		req.PostForm.Get("client_secret") == p.clientSecret
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		if qv.Get("response_type") != "code" {
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
			return
		}
		if !strutils.StrListContains(strings.Fields(qv.Get("scope")), ScopeOpenID) {
			p.writeAuthErrorResponse(w, req, "invalid_scope", "")
			return
		}
		if p.expectedAuthCode == "" {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}
		nonce := qv.Get("nonce")
		if p.expectedAuthNonce != "" && p.expectedAuthNonce != nonce {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}
		state := qv.Get("state")
		if state == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		}
		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing redirect_uri parameter")
			return
		}
		p.lastAuthNonce = nonce
		redirectURI += "?state=" + url.QueryEscape(state) +
			"&code=" + url.QueryEscape(p.expectedAuthCode)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/certs_missing":
		w.WriteHeader(http.StatusNotFound)

	case "/certs_invalid":
		_, _ = w.Write([]byte("It's not a keyset!"))

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.tokenRequests++
		p.lastTokenHeader = req.Header.Clone()
		if p.tokenDelay > 0 {
			time.Sleep(p.tokenDelay)
		}
		if err := req.ParseForm(); err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "malformed body")
			return
		}
		if p.tokenStatus != 0 {
			_ = p.writeTokenErrorResponse(w, p.tokenStatus, "server_error", "forced failure")
			return
		}
		style, ok := p.authenticateClient(req)
		p.lastClientAuth = style
		if !ok {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}

		reply := struct {
			AccessToken  string `json:"access_token"`
			TokenType    string `json:"token_type"`
			ExpiresIn    int64  `json:"expires_in,omitempty"`
			IDToken      string `json:"id_token,omitempty"`
			RefreshToken string `json:"refresh_token,omitempty"`
		}{
			TokenType: "Bearer",
			ExpiresIn: int64(p.replyExpiry / time.Second),
		}
		nonce := p.expectedAuthNonce
		if nonce == "" {
			nonce = p.lastAuthNonce
		}

		switch req.PostForm.Get("grant_type") {
		case "authorization_code":
			switch {
			case len(p.allowedRedirectURIs) > 0 && !strutils.StrListContains(p.allowedRedirectURIs, req.PostForm.Get("redirect_uri")):
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
				return
			case p.expectedAuthCode == "" || req.PostForm.Get("code") != p.expectedAuthCode:
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
				return
			}
			reply.RefreshToken = p.refreshToken
		case "refresh_token":
			if p.refreshToken == "" || req.PostForm.Get("refresh_token") != p.refreshToken {
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
				return
			}
			if p.nextRefreshToken != "" {
				p.refreshToken, p.nextRefreshToken = p.nextRefreshToken, ""
				reply.RefreshToken = p.refreshToken
			}
			// a refreshed id_token carries no nonce
			nonce = ""
		default:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "bad grant_type")
			return
		}

		p.accessTokenCounter++
		reply.AccessToken = "at_" + strconv.Itoa(p.accessTokenCounter)
		if !p.omitIDToken {
			reply.IDToken = p.idToken(nonce)
		}
		_ = p.writeJSON(w, &reply)

	case "/userinfo":
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.lastUserinfoHeader = req.Header.Clone()
		if !strings.HasPrefix(req.Header.Get("Authorization"), "Bearer at_") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reply := map[string]interface{}{"sub": p.replySubject}
		for k, v := range p.replyUserinfo {
			reply[k] = v
		}
		if p.userinfoAsJWT {
			w.Header().Set("Content-Type", "application/jwt")
			_, _ = w.Write([]byte(p.sign(jwt.Claims{}, reply)))
			return
		}
		_ = p.writeJSON(w, reply)

	case "/end_session":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprint(w, "logged out")

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				Algorithm: string(ES256),
				Use:       "sig",
			},
		},
	}
}

// httptestNewUnstartedServerWithPort is roughly the same as
// httptest.NewUnstartedServer() but allows the caller to explicitly choose the
// port if desired.
func httptestNewUnstartedServerWithPort(t *testing.T, handler http.Handler, port int) *httptest.Server {
	t.Helper()
	require := require.New(t)
	require.NotEmpty(port)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	require.NoError(err)

	return &httptest.Server{
		Listener: l,
		Config:   &http.Server{Handler: handler},
	}
}

// testProviderOptions is the set of available options for TestProvider
type testProviderOptions struct {
	withPort int
}

// testProviderDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func testProviderDefaults() testProviderOptions {
	return testProviderOptions{}
}

// getTestProviderOpts gets the defaults and applies the opt overrides passed
// in.
func getTestProviderOpts(opt ...Option) testProviderOptions {
	opts := testProviderDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithTestPort provides an optional port for the test provider.
// Valid for: TestProvider.StartTestProvider
func WithTestPort(port int) Option {
	return func(o interface{}) {
		if o, ok := o.(*testProviderOptions); ok {
			o.withPort = port
		}
	}
}
