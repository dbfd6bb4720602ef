// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcgeneric/oidcrp/oidc"
)

func TestController_LoginForm(t *testing.T) {
	t.Parallel()

	getForm := func(t *testing.T, env *testEnv, query string) (*http.Response, string) {
		t.Helper()
		resp, err := env.noFollow().Get(env.app.URL + DefaultLoginFormPath + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	t.Run("button", func(t *testing.T) {
		assert := assert.New(t)
		env := newTestEnv(t, testEnvOptions{})
		resp, body := getForm(t, env, "")
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(body, "oidc-login-form")
	})
	t.Run("auto", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		env := newTestEnv(t, testEnvOptions{
			controllerOpts: []oidc.Option{WithLoginType(LoginTypeAuto), WithRedirectUserBack(true)},
		})
		resp, _ := getForm(t, env, "?return_to=%2Fprivate%2Fx")
		require.Equal(http.StatusFound, resp.StatusCode)
		loc, err := resp.Location()
		require.NoError(err)
		assert.Equal(DefaultLoginPath, loc.Path)
		assert.Equal("/private/x", loc.Query().Get(ReturnToParam))

		// following the redirect goes through the provider and logs in
		_, body := env.get(t, DefaultLoginFormPath)
		assert.Regexp("^home:acct_", body)
	})
	t.Run("auto-shows-login-error", func(t *testing.T) {
		assert := assert.New(t)
		env := newTestEnv(t, testEnvOptions{
			controllerOpts: []oidc.Option{WithLoginType(LoginTypeAuto)},
		})
		resp, body := getForm(t, env, "?login-error="+string(CodeState))
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(body, CodeState.Message())
	})
	t.Run("auto-authenticated", func(t *testing.T) {
		assert := assert.New(t)
		env := newTestEnv(t, testEnvOptions{
			controllerOpts: []oidc.Option{WithLoginType(LoginTypeAuto)},
		})
		env.login(t)
		resp, body := getForm(t, env, "")
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(body, "oidc-login-form")
	})
}

func TestLoginType_Valid(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.True(LoginTypeButton.Valid())
	assert.True(LoginTypeAuto.Valid())
	assert.False(LoginType("").Valid())
	assert.False(LoginType("popup").Valid())

	opts := getControllerOpts(WithLoginType("popup"))
	assert.Equal(LoginTypeButton, opts.withLoginType)
}
