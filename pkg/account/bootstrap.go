package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
)

// Built-in administrator credentials used when none are configured.
const (
	DefaultAdminUsername = "admin"
	DefaultAdminEmail    = "admin@example.com"
	DefaultAdminPassword = "admin123"
)

// BootstrapConfig names the administrator created on first start.
type BootstrapConfig struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

func (c BootstrapConfig) withDefaults() BootstrapConfig {
	if c.Username == "" {
		c.Username = DefaultAdminUsername
	}
	if c.Email == "" {
		c.Email = DefaultAdminEmail
	}
	if c.Password == "" {
		c.Password = DefaultAdminPassword
	}
	return c
}

// Bootstrap makes the store usable: it creates missing catalog permissions
// and, if no user with the configured admin username exists, creates that
// administrator. It is safe to run on every start.
func (m *Manager) Bootstrap(ctx context.Context, cfg BootstrapConfig) error {
	cfg = cfg.withDefaults()

	created, err := m.resolver.Catalog().Initialize(ctx, m.store)
	if err != nil {
		return fmt.Errorf("initializing permissions: %w", err)
	}

	_, err = m.store.GetUserByUsername(ctx, cfg.Username)
	if err == nil {
		if created > 0 {
			m.record(ctx, audit.NewEvent(audit.ActionBootstrap).
				WithParameters(map[string]any{"permissions_created": created}).
				WithResult(true, ""))
		}
		return nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("looking up admin user: %w", err)
	}

	admin, err := m.createUser(ctx, NewUser{
		Username: cfg.Username,
		Email:    cfg.Email,
		Password: cfg.Password,
		Role:     identity.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}

	m.record(ctx, audit.NewEvent(audit.ActionBootstrap).
		WithTarget(admin.ID, admin.Username).
		WithParameters(map[string]any{"permissions_created": created}).
		WithResult(true, ""))
	slog.Info("bootstrap administrator created", "username", admin.Username)
	if cfg.Password == DefaultAdminPassword {
		slog.Warn("bootstrap administrator uses the built-in default password; change it immediately",
			"username", admin.Username)
	}
	return nil
}
