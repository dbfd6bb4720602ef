// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/require"

	"github.com/oidcgeneric/oidcrp/identity"
	"github.com/oidcgeneric/oidcrp/oidc"
	"github.com/oidcgeneric/oidcrp/session"
	"github.com/oidcgeneric/oidcrp/state"
)

// testEnv is an application using a Controller against a test provider.
type testEnv struct {
	tp       *oidc.TestProvider
	ctrl     *Controller
	dir      *identity.MemoryDirectory
	states   *state.MemoryStore
	host     *GorillaSessionHost
	app      *httptest.Server
	browser  *http.Client
	clock    *testClock
	hooks    *transitionRecorder
	provider *oidc.Provider
}

type testEnvOptions struct {
	controllerOpts []oidc.Option
	resolverOpts   []oidc.Option
	configOpts     []oidc.Option
}

// testClock is a settable clock, offset from the real time.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// transitionRecorder records the transitions of a Controller.
type transitionRecorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *transitionRecorder) hook(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

// path returns the visited states, starting with the first From.
func (r *transitionRecorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return nil
	}
	out := []State{r.transitions[0].From}
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

func (r *transitionRecorder) last() Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return Transition{}
	}
	return r.transitions[len(r.transitions)-1]
}

func (r *transitionRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = nil
}

func newTestEnv(t *testing.T, opts testEnvOptions) *testEnv {
	t.Helper()
	require := require.New(t)
	env := &testEnv{
		tp:    oidc.StartTestProvider(t),
		dir:   identity.NewMemoryDirectory(),
		clock: &testClock{},
		hooks: &transitionRecorder{},
	}
	env.tp.SetExpectedAuthCode("valid-code")
	env.tp.SetRefreshToken("rt-1")
	env.tp.SetExpectedExpiry(time.Minute)

	var handler http.Handler = http.NotFoundHandler()
	env.app = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.app.Close)

	cfg := env.tp.TestConfig(env.app.URL+DefaultCallbackPath, opts.configOpts...)
	p, err := oidc.NewProvider(cfg)
	require.NoError(err)
	env.provider = p

	env.states = state.NewMemoryStore()
	resolver, err := identity.NewResolver(env.dir, opts.resolverOpts...)
	require.NoError(err)
	keys, err := session.NewKeys(env.dir)
	require.NoError(err)
	env.host = &GorillaSessionHost{Store: sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))}

	ctrlOpts := append([]oidc.Option{
		WithCodec(session.NewCodec(session.WithSecure(false), session.WithNow(env.clock.Now))),
		WithNow(env.clock.Now),
		WithTransitionHook(env.hooks.hook),
	}, opts.controllerOpts...)
	env.ctrl, err = NewController(p, env.states, resolver, keys, env.host, ctrlOpts...)
	require.NoError(err)

	r := chi.NewRouter()
	r.Use(env.ctrl.RefreshMiddleware)
	r.Use(env.ctrl.EnforcePrivacy)
	env.ctrl.Register(r)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		id, _ := env.host.CurrentAccount(r)
		_, _ = fmt.Fprint(w, "home:"+id)
	})
	r.Method(http.MethodGet, DefaultLoginFormPath, env.ctrl.LoginForm(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		btn, err := env.ctrl.LoginButton(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = fmt.Fprint(w, btn)
	})))
	r.Get("/feed", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, env.ctrl.FeedContent(r, "the feed"))
	})
	r.Get("/private/*", func(w http.ResponseWriter, r *http.Request) {
		id, _ := env.host.CurrentAccount(r)
		_, _ = fmt.Fprint(w, "private:"+r.URL.Path+":"+id)
	})
	handler = r

	jar, err := cookiejar.New(nil)
	require.NoError(err)
	env.browser = &http.Client{
		Transport: env.tp.HttpClient().Transport,
		Jar:       jar,
	}
	return env
}

// get requests path from the app, following redirects.
func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.browser.Get(e.app.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

// noFollow returns a copy of the browser that does not follow redirects.
func (e *testEnv) noFollow() *http.Client {
	c := *e.browser
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

// login runs a complete login and returns the account id.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	_, body := e.get(t, DefaultLoginPath)
	require.Regexp(t, "^home:acct_", body)
	return body[len("home:"):]
}
