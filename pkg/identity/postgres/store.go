// Package postgres provides PostgreSQL storage for users, permissions and grants.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/plume-admin/pkg/identity"
)

// PostgreSQL error codes mapped onto identity sentinels.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// userColumns lists columns returned by user SELECT queries.
var userColumns = []string{
	"id", "username", "email", "password_hash", "role", "is_active", "created_at", "last_login",
}

// Store implements identity.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL identity store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateUser inserts a new user and sets its ID and CreatedAt.
func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	query, args, err := psq.Insert("users").
		Columns("username", "email", "password_hash", "role", "is_active").
		Values(u.Username, u.Email, u.PasswordHash, string(u.Role), u.Active).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building user insert: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.CreatedAt); err != nil {
		return fmt.Errorf("inserting user %q: %w", u.Username, mapError(err))
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*identity.User, error) {
	return s.getUserWhere(ctx, sq.Eq{"id": id})
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	return s.getUserWhere(ctx, sq.Eq{"username": username})
}

// GetUserByEmail retrieves a user by email, ignoring case.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.getUserWhere(ctx, sq.Expr("LOWER(email) = LOWER(?)", email))
}

func (s *Store) getUserWhere(ctx context.Context, pred any) (*identity.User, error) {
	query, args, err := psq.Select(userColumns...).From("users").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user query: %w", err)
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// UpdateUser writes the non-nil fields of upd in a single statement.
func (s *Store) UpdateUser(ctx context.Context, id int64, upd identity.UserUpdate) error {
	if upd.Empty() {
		_, err := s.GetUser(ctx, id)
		return err
	}

	qb := psq.Update("users").Where(sq.Eq{"id": id})
	if upd.Email != nil {
		qb = qb.Set("email", *upd.Email)
	}
	if upd.PasswordHash != nil {
		qb = qb.Set("password_hash", *upd.PasswordHash)
	}
	if upd.Role != nil {
		qb = qb.Set("role", string(*upd.Role))
	}
	if upd.Active != nil {
		qb = qb.Set("is_active", *upd.Active)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building user update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating user %d: %w", id, mapError(err))
	}
	return requireAffected(result)
}

// RecordLogin sets last_login when the row is still active and still
// carries passwordHash.
func (s *Store) RecordLogin(ctx context.Context, id int64, passwordHash string, at time.Time) error {
	query, args, err := psq.Update("users").
		Set("last_login", at).
		Where(sq.Eq{"id": id, "is_active": true, "password_hash": passwordHash}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building login update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording login for user %d: %w", id, err)
	}
	return requireAffected(result)
}

// DeleteUser removes a user. Grants go with it via ON DELETE CASCADE.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	query, args, err := psq.Delete("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building user delete: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting user %d: %w", id, err)
	}
	return requireAffected(result)
}

// ListUsers returns users matching the filter, ordered by username.
func (s *Store) ListUsers(ctx context.Context, filter identity.UserFilter) ([]*identity.User, error) {
	qb := psq.Select(userColumns...).From("users").OrderBy("username")
	if filter.ActiveOnly {
		qb = qb.Where(sq.Eq{"is_active": true})
	}
	if filter.Role != "" {
		qb = qb.Where(sq.Eq{"role": string(filter.Role)})
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// CreatePermission inserts a new permission and sets its ID and CreatedAt.
func (s *Store) CreatePermission(ctx context.Context, p *identity.Permission) error {
	query, args, err := psq.Insert("permissions").
		Columns("name", "description").
		Values(p.Name, p.Description).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building permission insert: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.CreatedAt); err != nil {
		return fmt.Errorf("inserting permission %q: %w", p.Name, mapError(err))
	}
	return nil
}

// GetPermission retrieves a permission by name.
func (s *Store) GetPermission(ctx context.Context, name string) (*identity.Permission, error) {
	query, args, err := psq.Select("id", "name", "description", "created_at").
		From("permissions").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building permission query: %w", err)
	}

	var p identity.Permission
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying permission %q: %w", name, err)
	}
	return &p, nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Store) ListPermissions(ctx context.Context) ([]*identity.Permission, error) {
	query, args, err := psq.Select("id", "name", "description", "created_at").
		From("permissions").
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building permission list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []*identity.Permission
	for rows.Next() {
		var p identity.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permission rows: %w", err)
	}
	return perms, nil
}

// ListGrants returns the user's grants ordered by permission name.
func (s *Store) ListGrants(ctx context.Context, userID int64) ([]identity.Grant, error) {
	if err := userExists(ctx, s.db, userID, false); err != nil {
		return nil, err
	}

	query, args, err := psq.Select("up.user_id", "up.permission_id", "p.name", "up.source", "up.granted_at").
		From("user_permissions up").
		Join("permissions p ON p.id = up.permission_id").
		Where(sq.Eq{"up.user_id": userID}).
		OrderBy("p.name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building grant query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	grants := make([]identity.Grant, 0)
	for rows.Next() {
		var g identity.Grant
		if err := rows.Scan(&g.UserID, &g.PermissionID, &g.Name, &g.Source, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grant rows: %w", err)
	}
	return grants, nil
}

// AddGrant grants a permission to a user. It reports false when the grant
// already exists.
func (s *Store) AddGrant(ctx context.Context, userID, permissionID int64, source identity.GrantSource) (bool, error) {
	query, args, err := psq.Insert("user_permissions").
		Columns("user_id", "permission_id", "source").
		Values(userID, permissionID, string(source)).
		Suffix("ON CONFLICT (user_id, permission_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building grant insert: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("inserting grant: %w", mapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

// RemoveGrant revokes a permission from a user. It reports false when the
// grant did not exist.
func (s *Store) RemoveGrant(ctx context.Context, userID, permissionID int64) (bool, error) {
	query, args, err := psq.Delete("user_permissions").
		Where(sq.Eq{"user_id": userID, "permission_id": permissionID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building grant delete: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting grant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

// ReplaceGrants swaps the user's grant set in one transaction. The user row
// is locked for the duration so concurrent replacements serialize.
func (s *Store) ReplaceGrants(ctx context.Context, userID int64, permissionIDs []int64, keepManual bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := userExists(ctx, tx, userID, true); err != nil {
		return err
	}

	del := psq.Delete("user_permissions").Where(sq.Eq{"user_id": userID})
	if keepManual {
		del = del.Where(sq.NotEq{"source": string(identity.GrantSourceManual)})
	}
	query, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("building grant reset: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clearing grants: %w", err)
	}

	if len(permissionIDs) > 0 {
		ins := psq.Insert("user_permissions").Columns("user_id", "permission_id", "source")
		for _, permID := range permissionIDs {
			ins = ins.Values(userID, permID, string(identity.GrantSourceRole))
		}
		query, args, err = ins.Suffix("ON CONFLICT (user_id, permission_id) DO NOTHING").ToSql()
		if err != nil {
			return fmt.Errorf("building grant insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting grants: %w", mapError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing grants: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userExists(ctx context.Context, q queryRower, userID int64, lock bool) error {
	qb := psq.Select("id").From("users").Where(sq.Eq{"id": userID})
	if lock {
		qb = qb.Suffix("FOR UPDATE")
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building user lookup: %w", err)
	}

	var id int64
	err = q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %d: %w", userID, identity.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up user %d: %w", userID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*identity.User, error) {
	var (
		u         identity.User
		role      string
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Active, &u.CreatedAt, &lastLogin); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	u.Role = identity.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// mapError translates constraint violations into identity sentinels.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case pgUniqueViolation:
		return fmt.Errorf("%s: %w", pqErr.Constraint, identity.ErrAlreadyExists)
	case pgForeignKeyViolation:
		return fmt.Errorf("%s: %w", pqErr.Constraint, identity.ErrNotFound)
	default:
		return err
	}
}

// Verify interface compliance.
var _ identity.Store = (*Store)(nil)
