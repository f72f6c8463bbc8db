// Package platform assembles the authorization core from configuration:
// stores, permission resolver, account manager, session registry, audit
// log and the HTTP API.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/plume-admin/pkg/account"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/permission"
)

// Config holds the complete server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection. An empty DSN selects
// the in-memory stores.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuthConfig configures sign-in, sessions and permission resolution.
type AuthConfig struct {
	Bootstrap           account.BootstrapConfig `yaml:"bootstrap"`
	Session             SessionConfig           `yaml:"session"`
	PreserveExtraGrants bool                    `yaml:"preserve_extra_grants"`
	PatternCacheSize    int                     `yaml:"pattern_cache_size"`
}

// SessionConfig configures the session registry and cookie.
type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CookieName      string        `yaml:"cookie_name"`
	CookieMaxAge    time.Duration `yaml:"cookie_max_age"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	SigningKey      string        `yaml:"signing_key"`
}

// PermissionsConfig extends the built-in permission catalog.
type PermissionsConfig struct {
	Extra        []permission.Definition `yaml:"extra"`
	RoleDefaults map[string][]string     `yaml:"role_defaults"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled       *bool `yaml:"enabled"`
	RetentionDays int   `yaml:"retention_days"`
}

// IsEnabled reports whether audit logging is on. It defaults to true.
func (c AuditConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults.
const (
	DefaultServerName      = "plume-admin"
	DefaultAddress         = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxOpenConns    = 25
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultRetentionDays   = 90
)

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = DefaultServerName
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.Auth.Session.Timeout == 0 {
		cfg.Auth.Session.Timeout = DefaultSessionTimeout
	}
	if cfg.Auth.Session.CleanupInterval == 0 {
		cfg.Auth.Session.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Auth.PatternCacheSize == 0 {
		cfg.Auth.PatternCacheSize = permission.DefaultPatternCacheSize
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = DefaultRetentionDays
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.Session.CookieSecure && c.Auth.Session.SigningKey == "" {
		errs = append(errs, "auth.session.signing_key is required when cookie_secure is enabled")
	}
	if c.Auth.Session.Timeout < 0 {
		errs = append(errs, "auth.session.timeout must be positive")
	}
	if c.Auth.Session.CleanupInterval < 0 {
		errs = append(errs, "auth.session.cleanup_interval must be positive")
	}
	if c.Auth.PatternCacheSize < 0 {
		errs = append(errs, "auth.pattern_cache_size must not be negative")
	}
	for role := range c.Permissions.RoleDefaults {
		if r := identity.Role(role); r != identity.RoleGuest && r != identity.RoleUser {
			errs = append(errs, fmt.Sprintf("permissions.role_defaults: unsupported role %q (guest or user)", role))
		}
	}
	for _, d := range c.Permissions.Extra {
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, "permissions.extra: name is required")
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Catalog builds the permission catalog: the built-in definitions plus any
// extras, with configured role defaults replacing the built-in ones per role.
func (c *Config) Catalog() (*permission.Catalog, error) {
	defs := make([]permission.Definition, 0, len(permission.DefaultDefinitions)+len(c.Permissions.Extra))
	defs = append(defs, permission.DefaultDefinitions...)
	defs = append(defs, c.Permissions.Extra...)

	defaults := make(map[identity.Role][]string, len(permission.DefaultRoleDefaults))
	for role, names := range permission.DefaultRoleDefaults {
		defaults[role] = names
	}
	for role, names := range c.Permissions.RoleDefaults {
		defaults[identity.Role(role)] = names
	}

	catalog, err := permission.NewCatalog(defs, defaults)
	if err != nil {
		return nil, fmt.Errorf("building permission catalog: %w", err)
	}
	return catalog, nil
}
