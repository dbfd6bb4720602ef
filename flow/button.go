// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flow

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"
)

// DefaultButtonLabel is the label of the login button.
const DefaultButtonLabel = "Login with OpenID Connect"

// ButtonLabeler alters the login button label.
type ButtonLabeler interface {
	Label(r *http.Request, label string) string
}

// ButtonLabelerFunc adapts a func to a ButtonLabeler.
type ButtonLabelerFunc func(r *http.Request, label string) string

func (f ButtonLabelerFunc) Label(r *http.Request, label string) string { return f(r, label) }

// DefaultButtonLabeler keeps the label.
type DefaultButtonLabeler struct{}

func (DefaultButtonLabeler) Label(_ *http.Request, label string) string { return label }

var loginFormTmpl = template.Must(template.New("login").Parse(
	`{{if .Error}}<div class="oidc-login-error"><strong>ERROR:</strong> {{.Error}}</div>
{{end}}<div class="oidc-login-form"><a class="button button-large" href="{{.Href}}">{{.Label}}</a></div>`))

// LoginButton renders the login form fragment for r: the message of any
// login-error code on r and a button that starts a login.
func (c *Controller) LoginButton(r *http.Request) (template.HTML, error) {
	data := struct {
		Error string
		Href  string
		Label string
	}{
		Href:  c.loginHref(r),
		Label: c.labeler.Label(r, DefaultButtonLabel),
	}
	if code := r.URL.Query().Get(LoginErrorParam); code != "" {
		data.Error = ErrorCode(code).Message()
	}
	var buf bytes.Buffer
	if err := loginFormTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// loginHref returns the login path, carrying the return_to of r when users
// are redirected back.
func (c *Controller) loginHref(r *http.Request) string {
	href := c.loginPath
	if c.redirectUserBack {
		if rt := safeReturnTo(r.URL.Query().Get(ReturnToParam)); rt != "" {
			v := url.Values{}
			v.Set(ReturnToParam, rt)
			href += "?" + v.Encode()
		}
	}
	return href
}
