// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package gormdir is an identity.Directory stored in a SQL database through
// gorm.  Open connects to PostgreSQL.
package gormdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oidcgeneric/oidcrp/identity"
	"github.com/oidcgeneric/oidcrp/oidc"
)

// accountModel is the table row of an account.
type accountModel struct {
	ID                string  `gorm:"type:text;primaryKey"`
	Username          string  `gorm:"type:text;not null;uniqueIndex"`
	Email             string  `gorm:"type:text;index"`
	Nickname          string  `gorm:"type:text"`
	DisplayName       string  `gorm:"type:text"`
	GivenName         string  `gorm:"type:text"`
	FamilyName        string  `gorm:"type:text"`
	Subject           *string `gorm:"type:text;uniqueIndex"`
	LastIDTokenClaims []byte
	LastUserClaims    []byte
	CreatedByPlugin   bool `gorm:"not null;default:false"`
	RefreshKey        []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (accountModel) TableName() string { return "oidc_accounts" }

// Directory implements identity.Directory with gorm.
type Directory struct {
	db     *gorm.DB
	logger hclog.Logger
}

var _ identity.Directory = (*Directory)(nil)

// options is the set of available options
type options struct {
	withLogger      hclog.Logger
	withAutoMigrate bool
	withDebug       bool
}

func getOpts(opt ...oidc.Option) options {
	opts := options{
		withLogger:      hclog.NewNullLogger(),
		withAutoMigrate: true,
	}
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*options); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithAutoMigrate controls whether the accounts table is migrated when the
// Directory is created.  Defaults to true.
func WithAutoMigrate(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*options); ok {
			v.withAutoMigrate = enabled
		}
	}
}

// WithDebug logs every SQL statement.  Valid for: Open
func WithDebug(enabled bool) oidc.Option {
	return func(o interface{}) {
		if v, ok := o.(*options); ok {
			v.withDebug = enabled
		}
	}
}

// Open connects to the PostgreSQL database at dsn.
//
// Supported options: WithLogger, WithAutoMigrate, WithDebug
func Open(dsn string, opt ...oidc.Option) (*Directory, error) {
	const op = "gormdir.Open"
	if dsn == "" {
		return nil, fmt.Errorf("%s: missing dsn: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getOpts(opt...)
	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	}
	if opts.withDebug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to connect to database: %w", op, err)
	}
	return New(db, opt...)
}

// New creates a Directory using db.
//
// Supported options: WithLogger, WithAutoMigrate
func New(db *gorm.DB, opt ...oidc.Option) (*Directory, error) {
	const op = "gormdir.New"
	if db == nil {
		return nil, fmt.Errorf("%s: db is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getOpts(opt...)
	if opts.withAutoMigrate {
		if err := db.AutoMigrate(&accountModel{}); err != nil {
			return nil, fmt.Errorf("%s: unable to migrate: %w", op, err)
		}
	}
	return &Directory{db: db, logger: opts.withLogger}, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*identity.Account, error) {
	const op = "gormdir.Get"
	return d.first(ctx, op, "id = ?", id)
}

func (d *Directory) FindBySubject(ctx context.Context, subject string) (*identity.Account, error) {
	const op = "gormdir.FindBySubject"
	if subject == "" {
		return nil, fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	}
	return d.first(ctx, op, "subject = ?", subject)
}

func (d *Directory) FindByEmail(ctx context.Context, email string) (*identity.Account, error) {
	const op = "gormdir.FindByEmail"
	if email == "" {
		return nil, fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	}
	return d.first(ctx, op, "LOWER(email) = ?", strings.ToLower(email))
}

func (d *Directory) FindByUsername(ctx context.Context, username string) (*identity.Account, error) {
	const op = "gormdir.FindByUsername"
	if username == "" {
		return nil, fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	}
	return d.first(ctx, op, "username = ?", username)
}

func (d *Directory) first(ctx context.Context, op string, query string, args ...interface{}) (*identity.Account, error) {
	var m accountModel
	err := d.db.WithContext(ctx).Where(query, args...).Order("created_at").First(&m).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a, err := fromModel(&m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func (d *Directory) Create(ctx context.Context, a *identity.Account) (*identity.Account, error) {
	const op = "gormdir.Create"
	if a == nil {
		return nil, fmt.Errorf("%s: account is nil: %w", op, oidc.ErrNilParameter)
	}
	if a.Username == "" {
		return nil, fmt.Errorf("%s: missing username: %w", op, oidc.ErrInvalidParameter)
	}
	id, err := oidc.NewID(oidc.WithPrefix("acct"), oidc.WithLength(16))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m, err := toModel(a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.ID = id

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&accountModel{}).Where("username = ?", m.Username).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%q: %w", m.Username, identity.ErrAccountExists)
		}
		if m.Subject != nil {
			if err := tx.Model(&accountModel{}).Where("subject = ?", *m.Subject).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return identity.ErrAlreadyLinked
			}
		}
		return tx.Create(m).Error
	})
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return nil, fmt.Errorf("%s: %w", op, identity.ErrAccountExists)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	created, err := fromModel(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

func (d *Directory) Update(ctx context.Context, a *identity.Account) error {
	const op = "gormdir.Update"
	if a == nil {
		return fmt.Errorf("%s: account is nil: %w", op, oidc.ErrNilParameter)
	}
	m, err := toModel(a)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	res := d.db.WithContext(ctx).Model(&accountModel{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
		"email":                m.Email,
		"nickname":             m.Nickname,
		"display_name":         m.DisplayName,
		"given_name":           m.GivenName,
		"family_name":          m.FamilyName,
		"last_id_token_claims": m.LastIDTokenClaims,
		"last_user_claims":     m.LastUserClaims,
	})
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	}
	return nil
}

func (d *Directory) LinkSubject(ctx context.Context, id, subject string) error {
	const op = "gormdir.LinkSubject"
	if subject == "" {
		return fmt.Errorf("%s: missing subject: %w", op, oidc.ErrInvalidParameter)
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&accountModel{}).Where("subject = ?", subject).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return identity.ErrAlreadyLinked
		}
		res := tx.Model(&accountModel{}).Where("id = ? AND subject IS NULL", id).Update("subject", subject)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		if err := tx.Model(&accountModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return identity.ErrAccountNotFound
		}
		return identity.ErrAlreadyLinked
	})
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, identity.ErrAlreadyLinked)
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}
	d.logger.Debug("linked subject", "account", id)
	return nil
}

func (d *Directory) RefreshKey(ctx context.Context, id string) ([]byte, error) {
	const op = "gormdir.RefreshKey"
	var m accountModel
	err := d.db.WithContext(ctx).Select("id", "refresh_key").Where("id = ?", id).First(&m).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(m.RefreshKey) == 0 {
		return nil, nil
	}
	return m.RefreshKey, nil
}

func (d *Directory) SetRefreshKey(ctx context.Context, id string, key []byte) error {
	const op = "gormdir.SetRefreshKey"
	res := d.db.WithContext(ctx).Model(&accountModel{}).Where("id = ?", id).Update("refresh_key", key)
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, identity.ErrAccountNotFound)
	}
	return nil
}

func toModel(a *identity.Account) (*accountModel, error) {
	const op = "gormdir.toModel"
	m := &accountModel{
		ID:              a.ID,
		Username:        a.Username,
		Email:           a.Email,
		Nickname:        a.Nickname,
		DisplayName:     a.DisplayName,
		GivenName:       a.GivenName,
		FamilyName:      a.FamilyName,
		CreatedByPlugin: a.Record.CreatedByPlugin,
		RefreshKey:      a.RefreshKey,
		CreatedAt:       a.CreatedAt,
	}
	if s := a.Record.SubjectIdentity; s != "" {
		m.Subject = &s
	}
	var err error
	if m.LastIDTokenClaims, err = marshalClaims(a.Record.LastIDTokenClaims); err != nil {
		return nil, fmt.Errorf("%s: id_token claims: %w", op, err)
	}
	if m.LastUserClaims, err = marshalClaims(a.Record.LastUserClaims); err != nil {
		return nil, fmt.Errorf("%s: user claims: %w", op, err)
	}
	return m, nil
}

func fromModel(m *accountModel) (*identity.Account, error) {
	const op = "gormdir.fromModel"
	a := &identity.Account{
		ID:          m.ID,
		Username:    m.Username,
		Email:       m.Email,
		Nickname:    m.Nickname,
		DisplayName: m.DisplayName,
		GivenName:   m.GivenName,
		FamilyName:  m.FamilyName,
		Record: identity.Record{
			CreatedByPlugin: m.CreatedByPlugin,
		},
		CreatedAt: m.CreatedAt,
	}
	if len(m.RefreshKey) > 0 {
		a.RefreshKey = m.RefreshKey
	}
	if m.Subject != nil {
		a.Record.SubjectIdentity = *m.Subject
	}
	var err error
	if a.Record.LastIDTokenClaims, err = unmarshalClaims(m.LastIDTokenClaims); err != nil {
		return nil, fmt.Errorf("%s: id_token claims: %w", op, err)
	}
	if a.Record.LastUserClaims, err = unmarshalClaims(m.LastUserClaims); err != nil {
		return nil, fmt.Errorf("%s: user claims: %w", op, err)
	}
	return a, nil
}

func marshalClaims(c oidc.Claims) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func unmarshalClaims(b []byte) (oidc.Claims, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return oidc.ParseClaims(b)
}
