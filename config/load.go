// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// Load reads the settings file at path, applies the OIDC_* environment
// overrides and validates the result.  An empty path loads the defaults
// and the environment only.
//
// Supported options: WithLookupEnv, WithLogger
func Load(path string, opt ...oidc.Option) (*Settings, error) {
	const op = "config.Load"
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("%s: unable to read settings: %w", op, err)
		}
	}
	s, err := Parse(data, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, path, err)
	}
	return s, nil
}

// Parse is Load for settings already in memory.
//
// Supported options: WithLookupEnv, WithLogger
func Parse(data []byte, opt ...oidc.Option) (*Settings, error) {
	const op = "config.Parse"
	opts := getLoadOpts(opt...)
	s := Defaults()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: unable to decode settings: %w: %w", op, oidc.ErrInvalidParameter, err)
		}
	}
	if err := applyEnv(s, opts.withLookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if s.upgradeLegacy() {
		opts.withLogger.Warn("ep_login, ep_token and ep_userinfo are deprecated, use the endpoint_* settings")
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// applyEnv sets every field whose OIDC_<KEY> variable is set.
func applyEnv(s *Settings, lookup func(string) (string, bool)) error {
	const op = "config.applyEnv"
	v := reflect.ValueOf(s).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if key == "" || key == "-" {
			continue
		}
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("%s: %s: %w: %w", op, name, oidc.ErrInvalidParameter, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(f reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch {
	case f.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
	case f.Kind() == reflect.String:
		f.SetString(raw)
	case f.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case f.Kind() == reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case f.Kind() == reflect.Slice && f.Type().Elem().Kind() == reflect.String:
		items := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
		f.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported setting type %s", f.Type())
	}
	return nil
}

// loadOptions is the set of available options for Load and Parse
type loadOptions struct {
	withLookupEnv func(string) (string, bool)
	withLogger    hclog.Logger
}

// loadDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func loadDefaults() loadOptions {
	return loadOptions{
		withLookupEnv: os.LookupEnv,
		withLogger:    hclog.NewNullLogger(),
	}
}

func getLoadOpts(opt ...oidc.Option) loadOptions {
	opts := loadDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLookupEnv provides the environment lookup.  Valid for: Load, Parse and
// NewHolder
func WithLookupEnv(fn func(string) (string, bool)) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*loadOptions); ok && fn != nil {
			v.withLookupEnv = fn
		}
	}
}

// WithLogger provides an optional logger.  Valid for: Load, Parse and
// NewHolder
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*loadOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}
