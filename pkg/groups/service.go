// Package groups manages groups, including the transactional cascade that
// removes a group and everything scoped beneath it.
package groups

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/storage"
)

// PostgresService implements group management over PostgreSQL
type PostgresService struct {
	db     *sql.DB
	engine *authz.Engine
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, engine *authz.Engine) *PostgresService {
	return &PostgresService{db: db, engine: engine}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", codes.Validation(codes.GroupNameBlank, "group name cannot be blank")
	}
	if len(name) < 3 {
		return "", codes.Validation(codes.GroupNameTooShort, "group name must be at least three characters")
	}
	return name, nil
}

// CreateGroup creates a group. Reserved for global admins; the name is
// trimmed and validated only after the caller is authorized.
func (s *PostgresService) CreateGroup(ctx context.Context, caller roles.Caller, name, description string, isPublic bool) (*Group, error) {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGroupCreate}); err != nil {
		return nil, err
	}

	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE LOWER(name) = LOWER($1)`, name).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check group name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.GroupAlreadyExists, "a group with this name already exists")
	}

	g := &Group{Name: name, Description: description, IsPublic: isPublic}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO groups (name, description, is_public)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, name, description, isPublic).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to create group: %w", err))
	}
	return g, nil
}

// GetGroup retrieves a group visible to the caller. Callers outside the
// group's visibility receive the generic unauthorized error.
func (s *PostgresService) GetGroup(ctx context.Context, caller roles.Caller, id int64) (*Group, error) {
	g, err := s.getGroup(ctx, id)
	if err != nil {
		if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
			return nil, codes.Unauthorizedf()
		}
		return nil, err
	}
	if !g.IsPublic && !s.engine.VisibleGroups(ctx, caller).Allows(g.ID) {
		return nil, codes.Unauthorizedf()
	}
	return g, nil
}

func (s *PostgresService) getGroup(ctx context.Context, id int64) (*Group, error) {
	g := &Group{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, is_public, created_at, updated_at
		FROM groups
		WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &g.Description, &g.IsPublic, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.GroupNotFound, "group not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get group: %w", err))
	}
	return g, nil
}

// UpdateGroup renames a group or changes its description and visibility.
func (s *PostgresService) UpdateGroup(ctx context.Context, caller roles.Caller, id int64, name, description string, isPublic bool) (*Group, error) {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGroupUpdate, GroupID: id}); err != nil {
		return nil, err
	}

	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE LOWER(name) = LOWER($1) AND id <> $2`,
		name, id).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check group name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.GroupAlreadyExists, "a group with this name already exists")
	}

	g := &Group{}
	err = s.db.QueryRowContext(ctx, `
		UPDATE groups
		SET name = $1, description = $2, is_public = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING id, name, description, is_public, created_at, updated_at
	`, name, description, isPublic, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.IsPublic, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.GroupNotFound, "group not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to update group: %w", err))
	}
	return g, nil
}

// DeleteGroup removes a group and everything scoped to it in one transaction:
// permissions and artifacts of its applications, permissions targeting its
// topics or intervals, applications, topic sets, topics, intervals,
// memberships, the group row, and finally any non-admin user whose only
// membership was this group. Reserved for global admins.
func (s *PostgresService) DeleteGroup(ctx context.Context, caller roles.Caller, id int64) error {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGroupDelete}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		steps := []struct {
			desc  string
			query string
		}{
			{"delete grants of group applications", `
				DELETE FROM application_permissions
				WHERE application_id IN (SELECT id FROM applications WHERE group_id = $1)`},
			{"delete grants targeting group topics", `
				DELETE FROM application_permissions
				WHERE topic_id IN (SELECT id FROM topics WHERE group_id = $1)
				   OR topic_set_id IN (SELECT id FROM topic_sets WHERE group_id = $1)
				   OR action_interval_id IN (SELECT id FROM action_intervals WHERE group_id = $1)`},
			{"delete application artifacts", `
				DELETE FROM application_artifacts
				WHERE application_id IN (SELECT id FROM applications WHERE group_id = $1)`},
			{"delete applications", `
				DELETE FROM applications WHERE group_id = $1`},
			{"delete topic set members", `
				DELETE FROM topic_set_members
				WHERE topic_set_id IN (SELECT id FROM topic_sets WHERE group_id = $1)`},
			{"delete topic sets", `
				DELETE FROM topic_sets WHERE group_id = $1`},
			{"delete topics", `
				DELETE FROM topics WHERE group_id = $1`},
			{"delete action intervals", `
				DELETE FROM action_intervals WHERE group_id = $1`},
			{"delete sole-membership users", `
				DELETE FROM users
				WHERE is_admin = FALSE
				  AND id IN (SELECT user_id FROM group_users WHERE group_id = $1)
				  AND NOT EXISTS (
					SELECT 1 FROM group_users gu
					WHERE gu.user_id = users.id AND gu.group_id <> $1)`},
			{"delete memberships", `
				DELETE FROM group_users WHERE group_id = $1`},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, id); err != nil {
				return storage.ClassifyErr(fmt.Errorf("failed to %s: %w", step.desc, err))
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete group: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return codes.NotFound(codes.GroupNotFound, "group not found")
		}
		return nil
	})
}

// ListGroups pages through the groups the caller may see plus public groups,
// optionally filtered by name substring.
func (s *PostgresService) ListGroups(ctx context.Context, caller roles.Caller, filter string, pageable storage.Pageable) (storage.Page[Group], error) {
	var page storage.Page[Group]
	if caller.Kind == roles.CallerAnonymous {
		return page, codes.Unauthorizedf()
	}

	visible := s.engine.VisibleGroups(ctx, caller)
	like := "%" + strings.ToLower(strings.TrimSpace(filter)) + "%"

	where := `LOWER(name) LIKE $1`
	args := []interface{}{like}
	if !visible.All {
		where += ` AND (is_public = TRUE OR id = ANY($2))`
		args = append(args, pq.Array(visible.GroupIDs))
	}

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE `+where, args...).Scan(&total)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to count groups: %w", err))
	}

	query := `
		SELECT id, name, description, is_public, created_at, updated_at
		FROM groups
		WHERE ` + where + fmt.Sprintf(`
		ORDER BY name
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, pageable.Limit(), pageable.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to list groups: %w", err))
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.IsPublic, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return page, storage.ClassifyErr(fmt.Errorf("failed to scan group: %w", err))
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to iterate groups: %w", err))
	}
	return storage.NewPage(out, pageable, total), nil
}
