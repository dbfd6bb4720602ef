// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package identity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/oidcgeneric/oidcrp/oidc"
)

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// Format replaces every {claim} placeholder in format with the text of that
// claim.  Dotted names reach into nested claims.  A referenced claim that is
// missing, empty or not a scalar is an ErrMissingClaim error.
func Format(format string, claims oidc.Claims) (string, error) {
	const op = "identity.Format"
	var missing []string
	out := placeholder.ReplaceAllStringFunc(format, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		v, ok := claims.String(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%s: %q: %w", op, strings.Join(missing, ", "), ErrMissingClaim)
	}
	return out, nil
}

var foldASCII = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var lower = cases.Lower(language.Und)

// NormalizeUsername transliterates s to ASCII, lowercases it and keeps only
// [a-z0-9_-].  Whitespace and dots become dashes.
func NormalizeUsername(s string) string {
	folded, _, err := transform.String(foldASCII, s)
	if err != nil {
		folded = s
	}
	folded = lower.String(folded)
	var b strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '.':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// usernameFromClaims derives a username from the identity key, falling back
// to preferred_username, name and the local part of email in that order.
func usernameFromClaims(claims oidc.Claims, identityKey string) (string, error) {
	const op = "identity.usernameFromClaims"
	candidates := []string{identityKey, oidc.ClaimPreferredUsername, oidc.ClaimName}
	for _, key := range candidates {
		if key == "" {
			continue
		}
		if v, ok := claims.String(key); ok {
			if u := NormalizeUsername(v); u != "" {
				return u, nil
			}
		}
	}
	if email := claims.Email(); email != "" {
		local, _, _ := strings.Cut(email, "@")
		if u := NormalizeUsername(local); u != "" {
			return u, nil
		}
	}
	return "", fmt.Errorf("%s: unable to derive a username: %w", op, oidc.ErrIdentityRejected)
}
