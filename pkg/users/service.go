// Package users manages user accounts and group memberships.
package users

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/storage"
)

// PostgresService implements user and membership management over PostgreSQL
type PostgresService struct {
	db     *sql.DB
	engine *authz.Engine
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, engine *authz.Engine) *PostgresService {
	return &PostgresService{db: db, engine: engine}
}

func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", codes.Validation(codes.UserEmailInvalid, "email cannot be blank")
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", codes.Validation(codes.UserEmailInvalid, "email is not valid")
	}
	return email, nil
}

// CreateUser registers a new user. Reserved for global admins.
func (s *PostgresService) CreateUser(ctx context.Context, caller roles.Caller, email string, isAdmin bool) (*User, error) {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionUserManage}); err != nil {
		return nil, err
	}

	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE LOWER(email) = LOWER($1)`, email).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check user existence: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.UserAlreadyExists, "a user with this email already exists")
	}

	user := &User{Email: email, IsAdmin: isAdmin}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, is_admin)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at
	`, email, isAdmin).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to create user: %w", err))
	}
	return user, nil
}

// GetUser retrieves a user by ID. Reserved for global admins.
func (s *PostgresService) GetUser(ctx context.Context, caller roles.Caller, id int64) (*User, error) {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionUserManage}); err != nil {
		return nil, err
	}
	return s.getUser(ctx, id)
}

func (s *PostgresService) getUser(ctx context.Context, id int64) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, is_admin, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.UserNotFound, "user not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get user: %w", err))
	}
	return user, nil
}

// GetByEmail looks a user up by email without an authorization gate. Used by
// the login flow to map an authenticated identity onto an account.
func (s *PostgresService) GetByEmail(ctx context.Context, email string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, is_admin, created_at, updated_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.UserNotFound, "user not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get user by email: %w", err))
	}
	return user, nil
}

// ListUsers pages through all users. Reserved for global admins.
func (s *PostgresService) ListUsers(ctx context.Context, caller roles.Caller, filter string, pageable storage.Pageable) (storage.Page[User], error) {
	var page storage.Page[User]
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionUserManage}); err != nil {
		return page, err
	}

	like := "%" + strings.ToLower(strings.TrimSpace(filter)) + "%"

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE LOWER(email) LIKE $1`, like).Scan(&total)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to count users: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, is_admin, created_at, updated_at
		FROM users
		WHERE LOWER(email) LIKE $1
		ORDER BY email
		LIMIT $2 OFFSET $3
	`, like, pageable.Limit(), pageable.Offset())
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to list users: %w", err))
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return page, storage.ClassifyErr(fmt.Errorf("failed to scan user: %w", err))
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to iterate users: %w", err))
	}
	return storage.NewPage(out, pageable, total), nil
}

// UpdateUser changes a user's global-admin flag. Reserved for global admins.
func (s *PostgresService) UpdateUser(ctx context.Context, caller roles.Caller, id int64, isAdmin bool) (*User, error) {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionUserManage}); err != nil {
		return nil, err
	}

	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET is_admin = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, email, is_admin, created_at, updated_at
	`, isAdmin, id).Scan(&user.ID, &user.Email, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.UserNotFound, "user not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to update user: %w", err))
	}
	return user, nil
}

// DeleteUser removes a user and every membership. Reserved for global admins.
func (s *PostgresService) DeleteUser(ctx context.Context, caller roles.Caller, id int64) error {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionUserManage}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM group_users WHERE user_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete memberships: %w", err))
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete user: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return codes.NotFound(codes.UserNotFound, "user not found")
		}
		return nil
	})
}

// MembershipsOf loads a user's memberships for caller construction at
// authentication time.
func (s *PostgresService) MembershipsOf(ctx context.Context, userID int64) ([]roles.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, user_id, is_group_admin, is_application_admin, is_topic_admin
		FROM group_users
		WHERE user_id = $1
		ORDER BY group_id
	`, userID)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to load memberships: %w", err))
	}
	defer rows.Close()

	var out []roles.Membership
	for rows.Next() {
		var m roles.Membership
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.GroupAdmin, &m.ApplicationAdmin, &m.TopicAdmin); err != nil {
			return nil, storage.ClassifyErr(fmt.Errorf("failed to scan membership: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to iterate memberships: %w", err))
	}
	return out, nil
}
