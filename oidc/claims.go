// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Well known claim names.
const (
	ClaimSubject           = "sub"
	ClaimIssuer            = "iss"
	ClaimAudience          = "aud"
	ClaimExpiry            = "exp"
	ClaimIssuedAt          = "iat"
	ClaimNonce             = "nonce"
	ClaimAuthorizedParty   = "azp"
	ClaimEmail             = "email"
	ClaimName              = "name"
	ClaimPreferredUsername = "preferred_username"
	ClaimGivenName         = "given_name"
	ClaimFamilyName        = "family_name"
	ClaimNickname          = "nickname"
)

// ClaimKind identifies which member of a ClaimValue is set.
type ClaimKind int

const (
	KindNull ClaimKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

func (k ClaimKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// ClaimValue is a single claim value: a string, number, bool, list, nested
// object or null.
type ClaimValue struct {
	kind ClaimKind
	str  string
	num  float64
	b    bool
	list []ClaimValue
	obj  Claims
}

// StringValue returns a string ClaimValue.
func StringValue(s string) ClaimValue { return ClaimValue{kind: KindString, str: s} }

// NumberValue returns a number ClaimValue.
func NumberValue(n float64) ClaimValue { return ClaimValue{kind: KindNumber, num: n} }

// BoolValue returns a bool ClaimValue.
func BoolValue(b bool) ClaimValue { return ClaimValue{kind: KindBool, b: b} }

// ListValue returns a list ClaimValue.
func ListValue(l ...ClaimValue) ClaimValue { return ClaimValue{kind: KindList, list: l} }

// ObjectValue returns a nested object ClaimValue.
func ObjectValue(c Claims) ClaimValue { return ClaimValue{kind: KindObject, obj: c} }

// Kind returns the kind of value held.
func (v ClaimValue) Kind() ClaimKind { return v.kind }

// Str returns the value when it is a string.
func (v ClaimValue) Str() (string, bool) { return v.str, v.kind == KindString }

// Number returns the value when it is a number.
func (v ClaimValue) Number() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the value when it is a bool.
func (v ClaimValue) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// List returns the value when it is a list.
func (v ClaimValue) List() ([]ClaimValue, bool) { return v.list, v.kind == KindList }

// Object returns the value when it is a nested object.
func (v ClaimValue) Object() (Claims, bool) { return v.obj, v.kind == KindObject }

// Text renders scalar values as text: strings as is, numbers without a
// trailing ".0", bools as "true"/"false".  Lists, objects and null render as
// the empty string.
func (v ClaimValue) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Interface converts the value back to its generic JSON representation.
func (v ClaimValue) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		l := make([]interface{}, 0, len(v.list))
		for _, e := range v.list {
			l = append(l, e.Interface())
		}
		return l
	case KindObject:
		return v.obj.Map()
	default:
		return nil
	}
}

// MarshalJSON encodes the value.
func (v ClaimValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON value.
func (v *ClaimValue) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	cv, err := valueOf(raw)
	if err != nil {
		return err
	}
	*v = cv
	return nil
}

func valueOf(raw interface{}) (ClaimValue, error) {
	switch t := raw.(type) {
	case nil:
		return ClaimValue{}, nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case float32:
		return NumberValue(float64(t)), nil
	case int:
		return NumberValue(float64(t)), nil
	case int64:
		return NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return ClaimValue{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return NumberValue(f), nil
	case []interface{}:
		l := make([]ClaimValue, 0, len(t))
		for _, e := range t {
			ev, err := valueOf(e)
			if err != nil {
				return ClaimValue{}, err
			}
			l = append(l, ev)
		}
		return ListValue(l...), nil
	case []string:
		l := make([]ClaimValue, 0, len(t))
		for _, e := range t {
			l = append(l, StringValue(e))
		}
		return ListValue(l...), nil
	case map[string]interface{}:
		c, err := ClaimsFromMap(t)
		if err != nil {
			return ClaimValue{}, err
		}
		return ObjectValue(c), nil
	default:
		return ClaimValue{}, fmt.Errorf("unsupported claim type %T: %w", raw, ErrInvalidParameter)
	}
}

// Claims is a set of claims keyed by claim name.  Provider specific claims
// pass through untouched; the well known ones have accessors.
type Claims map[string]ClaimValue

// ClaimsFromMap converts generic decoded JSON into Claims.
func ClaimsFromMap(m map[string]interface{}) (Claims, error) {
	c := make(Claims, len(m))
	for k, raw := range m {
		v, err := valueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", k, err)
		}
		c[k] = v
	}
	return c, nil
}

// ParseClaims decodes a JSON object into Claims.
func ParseClaims(b []byte) (Claims, error) {
	const op = "oidc.ParseClaims"
	var c Claims
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%s: claims are not a JSON object: %w", op, ErrInvalidParameter)
	}
	return c, nil
}

// Lookup returns the value for a claim.  Dotted names ("address.country")
// descend into nested objects.
func (c Claims) Lookup(name string) (ClaimValue, bool) {
	if v, ok := c[name]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(name, ".")
	if !found {
		return ClaimValue{}, false
	}
	v, ok := c[head]
	if !ok || v.kind != KindObject {
		return ClaimValue{}, false
	}
	return v.obj.Lookup(rest)
}

// String returns the text of a scalar claim.  It reports false when the
// claim is missing, not a scalar, or empty.
func (c Claims) String(name string) (string, bool) {
	v, ok := c.Lookup(name)
	if !ok {
		return "", false
	}
	s := v.Text()
	return s, s != ""
}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	s, _ := c.String(ClaimSubject)
	return s
}

// Email returns the email claim.
func (c Claims) Email() string {
	s, _ := c.String(ClaimEmail)
	return s
}

// Strings returns a claim that is either a single string or a list of
// strings, as "aud" can be.
func (c Claims) Strings(name string) []string {
	v, ok := c.Lookup(name)
	if !ok {
		return nil
	}
	switch v.kind {
	case KindString:
		return []string{v.str}
	case KindList:
		out := make([]string, 0, len(v.list))
		for _, e := range v.list {
			if s, ok := e.Str(); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Time returns a NumericDate claim as a time.
func (c Claims) Time(name string) (time.Time, bool) {
	v, ok := c.Lookup(name)
	if !ok {
		return time.Time{}, false
	}
	n, ok := v.Number()
	if !ok {
		return time.Time{}, false
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), true
}

// Merge returns a new Claims containing c overlaid with other; values in
// other win.
func (c Claims) Merge(other Claims) Claims {
	out := make(Claims, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the claim names in sorted order.
func (c Claims) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map converts the claims to their generic JSON representation.
func (c Claims) Map() map[string]interface{} {
	if c == nil {
		return nil
	}
	m := make(map[string]interface{}, len(c))
	for k, v := range c {
		m[k] = v.Interface()
	}
	return m
}

// IDTokenClaims are the verified claims of an id_token.
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Nonce    string

	// AuthorizedParty is the azp claim, if any.
	AuthorizedParty string

	// Claims holds every claim in the token, including the ones above.
	Claims Claims
}

func newIDTokenClaims(c Claims) *IDTokenClaims {
	out := &IDTokenClaims{
		Subject:  c.Subject(),
		Audience: c.Strings(ClaimAudience),
		Claims:   c,
	}
	out.Issuer, _ = c.String(ClaimIssuer)
	out.Nonce, _ = c.String(ClaimNonce)
	out.AuthorizedParty, _ = c.String(ClaimAuthorizedParty)
	out.Expiry, _ = c.Time(ClaimExpiry)
	out.IssuedAt, _ = c.Time(ClaimIssuedAt)
	return out
}
