package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/plume-admin/pkg/account"
	"github.com/txn2/plume-admin/pkg/admin"
	"github.com/txn2/plume-admin/pkg/audit"
	auditpostgres "github.com/txn2/plume-admin/pkg/audit/postgres"
	"github.com/txn2/plume-admin/pkg/database/migrate"
	"github.com/txn2/plume-admin/pkg/health"
	"github.com/txn2/plume-admin/pkg/identity"
	identitypostgres "github.com/txn2/plume-admin/pkg/identity/postgres"
	"github.com/txn2/plume-admin/pkg/permission"
	"github.com/txn2/plume-admin/pkg/session"
)

// auditCleanupInterval is how often expired audit events are deleted.
const auditCleanupInterval = 24 * time.Hour

// Platform is the assembled server core.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle

	db     *sql.DB
	ownsDB bool

	store    identity.Store
	resolver *permission.Resolver
	accounts *account.Manager
	sessions *session.Registry
	audit    audit.Logger
	cookies  *admin.CookieCodec
	health   *health.Checker
	handler  *admin.Handler
}

// New creates a new platform instance. Nothing touches the database until
// Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.closeDB()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	p.initIdentityStore(opts)
	if err := p.initResolver(); err != nil {
		return err
	}
	p.initAudit(opts)
	p.initAccounts()
	if err := p.initHTTP(); err != nil {
		return err
	}
	p.registerLifecycle()
	return nil
}

// initDatabase opens the PostgreSQL connection when a DSN is configured.
func (p *Platform) initDatabase(opts *Options) error {
	if opts.DB != nil {
		p.db = opts.DB
		return nil
	}
	if p.config.Database.DSN == "" {
		return nil
	}

	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
	p.db = db
	p.ownsDB = true
	return nil
}

func (p *Platform) initIdentityStore(opts *Options) {
	switch {
	case opts.IdentityStore != nil:
		p.store = opts.IdentityStore
	case p.db != nil:
		p.store = identitypostgres.New(p.db)
	default:
		slog.Warn("no database configured; users and permissions are kept in memory and lost on restart")
		p.store = identity.NewMemoryStore()
	}
	p.health.AddDependency("identity_store", p.store)
}

func (p *Platform) initResolver() error {
	catalog, err := p.config.Catalog()
	if err != nil {
		return err
	}
	p.resolver, err = permission.NewResolver(p.store, catalog,
		permission.WithPreserveExtraGrants(p.config.Auth.PreserveExtraGrants),
		permission.WithPatternCacheSize(p.config.Auth.PatternCacheSize),
	)
	if err != nil {
		return fmt.Errorf("creating permission resolver: %w", err)
	}
	return nil
}

func (p *Platform) initAudit(opts *Options) {
	switch {
	case opts.AuditLogger != nil:
		p.audit = opts.AuditLogger
	case !p.config.Audit.IsEnabled():
		slog.Info("audit logging disabled")
	case p.db != nil:
		p.audit = auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: p.config.Audit.RetentionDays})
	default:
		p.audit = audit.NewMemoryLogger(audit.DefaultMemoryCapacity)
	}
}

func (p *Platform) initAccounts() {
	p.sessions = session.NewRegistry()

	opts := []account.Option{
		account.WithUserDisabledHook(func(userID int64) {
			if n := p.sessions.RemoveUserSessions(userID); n > 0 {
				slog.Info("ended sessions of disabled user", "user_id", userID, "count", n)
			}
		}),
	}
	if p.audit != nil {
		opts = append(opts, account.WithAuditLogger(p.audit))
	}
	p.accounts = account.NewManager(p.store, p.resolver, opts...)
}

func (p *Platform) initHTTP() error {
	sc := p.config.Auth.Session
	cookies, err := admin.NewCookieCodec(admin.CookieConfig{
		Name:       sc.CookieName,
		MaxAge:     sc.CookieMaxAge,
		Secure:     sc.CookieSecure,
		SigningKey: []byte(sc.SigningKey),
	})
	if err != nil {
		return fmt.Errorf("creating cookie codec: %w", err)
	}
	p.cookies = cookies

	p.handler = admin.NewHandler(admin.Deps{
		Accounts: p.accounts,
		Resolver: p.resolver,
		Sessions: p.sessions,
		Cookies:  p.cookies,
		Audit:    p.audit,
	})
	return nil
}

// registerLifecycle wires startup and shutdown. Steps stop in reverse, so
// the database closes last.
func (p *Platform) registerLifecycle() {
	if p.ownsDB {
		p.lifecycle.OnStop("database", func(context.Context) error { return p.closeDB() })
	}
	if p.db != nil {
		p.lifecycle.OnStart("migrations", func(context.Context) error {
			return migrate.Run(p.db)
		})
	}

	p.lifecycle.OnStart("bootstrap", func(ctx context.Context) error {
		return p.accounts.Bootstrap(ctx, p.config.Auth.Bootstrap)
	})

	sc := p.config.Auth.Session
	p.lifecycle.Append("session cleanup",
		func(context.Context) error {
			p.sessions.StartCleanupRoutine(sc.CleanupInterval, sc.Timeout)
			return nil
		},
		func(context.Context) error { return p.sessions.Close() })

	if pg, ok := p.audit.(*auditpostgres.Store); ok {
		p.lifecycle.Append("audit cleanup",
			func(context.Context) error {
				pg.StartCleanupRoutine(auditCleanupInterval)
				return nil
			},
			func(context.Context) error { return pg.Close() })
	} else if p.audit != nil {
		p.lifecycle.RegisterCloser("audit", p.audit)
	}
}

// Start migrates the database, bootstraps the catalog and administrator,
// starts background cleanup and marks the server ready.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err //nolint:wrapcheck // lifecycle names the failed step
	}
	p.health.SetReady()
	slog.Info("platform started", "name", p.config.Server.Name)
	return nil
}

// Stop marks the server as draining and stops background work.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()
	return p.lifecycle.Stop(ctx)
}

func (p *Platform) closeDB() error {
	if !p.ownsDB || p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Handler returns the API handler.
func (p *Platform) Handler() http.Handler {
	return p.handler
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Accounts returns the account manager.
func (p *Platform) Accounts() *account.Manager {
	return p.accounts
}

// Resolver returns the permission resolver.
func (p *Platform) Resolver() *permission.Resolver {
	return p.resolver
}

// Sessions returns the session registry.
func (p *Platform) Sessions() *session.Registry {
	return p.sessions
}

// AuditLogger returns the audit logger, or nil when auditing is disabled.
func (p *Platform) AuditLogger() audit.Logger {
	return p.audit
}
