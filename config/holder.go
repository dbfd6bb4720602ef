// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/oidcgeneric/oidcrp/oidc"
)

// Holder holds the settings loaded from a file.  The settings it returns are
// never modified; Reload replaces them.
type Holder struct {
	path string
	opts []oidc.Option

	mu       sync.RWMutex
	settings *Settings
	logger   hclog.Logger
}

// NewHolder loads the settings at path.
//
// Supported options: WithLookupEnv, WithLogger
func NewHolder(path string, opt ...oidc.Option) (*Holder, error) {
	const op = "config.NewHolder"
	s, err := Load(path, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Holder{
		path:     path,
		opts:     opt,
		settings: s,
		logger:   getLoadOpts(opt...).withLogger,
	}, nil
}

// Settings returns the current settings.
func (h *Holder) Settings() *Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

// Reload loads the settings again.  When the file no longer loads, the
// current settings are kept and the error is returned.
func (h *Holder) Reload() error {
	const op = "Holder.Reload"
	s, err := Load(h.path, h.opts...)
	if err != nil {
		h.logger.Error("settings not reloaded", "path", h.path, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	h.mu.Lock()
	h.settings = s
	h.mu.Unlock()
	h.logger.Info("settings reloaded", "path", h.path)
	return nil
}
