package platform

import (
	"database/sql"

	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// DB is an open connection (optional, opened from config.database.dsn
	// if not provided). A provided DB is not closed by the platform.
	DB *sql.DB

	// IdentityStore (optional, created from the database or in memory if
	// not provided).
	IdentityStore identity.Store

	// AuditLogger (optional, created from config if not provided).
	AuditLogger audit.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithIdentityStore sets the user and permission store.
func WithIdentityStore(s identity.Store) Option {
	return func(o *Options) {
		o.IdentityStore = s
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = l
	}
}
