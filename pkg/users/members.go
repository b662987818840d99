package users

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

// AddMember creates a membership for the given email in the group, creating
// the user record on first sight. Requires membership management on the group.
func (s *PostgresService) AddMember(ctx context.Context, caller roles.Caller, groupID int64, email string, flags roles.Flags) (*GroupUser, error) {
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionMembershipManage, GroupID: groupID}); err != nil {
		return nil, err
	}

	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}

	gu := &GroupUser{GroupID: groupID, Email: email}
	err = storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM users WHERE LOWER(email) = LOWER($1)`, email).Scan(&userID)
		if err == sql.ErrNoRows {
			err = tx.QueryRowContext(ctx,
				`INSERT INTO users (email, is_admin) VALUES ($1, FALSE) RETURNING id`,
				email).Scan(&userID)
		}
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to resolve member user: %w", err))
		}

		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM group_users WHERE group_id = $1 AND user_id = $2`,
			groupID, userID).Scan(&count)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to check membership: %w", err))
		}
		if count > 0 {
			return codes.Validation(codes.GroupUserDuplicate, "user is already a member of this group")
		}

		gu.UserID = userID
		gu.Flags = flags
		return tx.QueryRowContext(ctx, `
			INSERT INTO group_users (group_id, user_id, is_group_admin, is_application_admin, is_topic_admin)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`, groupID, userID, flags.GroupAdmin, flags.ApplicationAdmin, flags.TopicAdmin).
			Scan(&gu.ID, &gu.CreatedAt, &gu.UpdatedAt)
	})
	if err != nil {
		if codes.FromErr(err) != nil {
			return nil, err
		}
		return nil, storage.ClassifyErr(fmt.Errorf("failed to add member: %w", err))
	}
	return gu, nil
}

// GetMember loads one membership, subject to membership management rights on
// its group. Non-members learn nothing about its existence.
func (s *PostgresService) GetMember(ctx context.Context, caller roles.Caller, id int64) (*GroupUser, error) {
	gu, err := s.getMember(ctx, id)
	if err != nil {
		return nil, s.concealErr(ctx, caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionMembershipManage, GroupID: gu.GroupID}); err != nil {
		return nil, err
	}
	return gu, nil
}

func (s *PostgresService) getMember(ctx context.Context, id int64) (*GroupUser, error) {
	gu := &GroupUser{}
	err := s.db.QueryRowContext(ctx, `
		SELECT gu.id, gu.group_id, gu.user_id, gu.is_group_admin, gu.is_application_admin,
		       gu.is_topic_admin, u.email, g.name, gu.created_at, gu.updated_at
		FROM group_users gu
		JOIN users u ON u.id = gu.user_id
		JOIN groups g ON g.id = gu.group_id
		WHERE gu.id = $1
	`, id).Scan(&gu.ID, &gu.GroupID, &gu.UserID, &gu.GroupAdmin, &gu.ApplicationAdmin,
		&gu.TopicAdmin, &gu.Email, &gu.GroupName, &gu.CreatedAt, &gu.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.GroupUserNotFound, "membership not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get membership: %w", err))
	}
	return gu, nil
}

// concealErr converts not-found into the generic unauthorized error for
// callers without global visibility, so existence cannot be probed by ID.
func (s *PostgresService) concealErr(ctx context.Context, caller roles.Caller, err error) error {
	if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
		return codes.Unauthorizedf()
	}
	return err
}

// UpdateMember replaces a membership's role flags.
func (s *PostgresService) UpdateMember(ctx context.Context, caller roles.Caller, id int64, flags roles.Flags) (*GroupUser, error) {
	gu, err := s.getMember(ctx, id)
	if err != nil {
		return nil, s.concealErr(ctx, caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionMembershipManage, GroupID: gu.GroupID}); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE group_users
		SET is_group_admin = $1, is_application_admin = $2, is_topic_admin = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`, flags.GroupAdmin, flags.ApplicationAdmin, flags.TopicAdmin, id).Scan(&gu.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to update membership: %w", err))
	}
	gu.Flags = flags
	return gu, nil
}

// RemoveMember deletes a membership.
func (s *PostgresService) RemoveMember(ctx context.Context, caller roles.Caller, id int64) error {
	gu, err := s.getMember(ctx, id)
	if err != nil {
		return s.concealErr(ctx, caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionMembershipManage, GroupID: gu.GroupID}); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM group_users WHERE id = $1`, id); err != nil {
		return storage.ClassifyErr(fmt.Errorf("failed to remove membership: %w", err))
	}
	return nil
}

// ListMembers pages through memberships visible to the caller, optionally
// filtered by email or group name substring.
func (s *PostgresService) ListMembers(ctx context.Context, caller roles.Caller, filter string, pageable storage.Pageable) (storage.Page[GroupUser], error) {
	var page storage.Page[GroupUser]

	visible := s.engine.VisibleGroups(ctx, caller)
	if visible.Empty() {
		if caller.Kind == roles.CallerAnonymous {
			return page, codes.Unauthorizedf()
		}
		return storage.NewPage[GroupUser](nil, pageable, 0), nil
	}

	like := "%" + strings.ToLower(strings.TrimSpace(filter)) + "%"
	where := `(LOWER(u.email) LIKE $1 OR LOWER(g.name) LIKE $1)`
	args := []interface{}{like}
	if !visible.All {
		where += ` AND gu.group_id = ANY($2)`
		args = append(args, pq.Array(visible.GroupIDs))
	}

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM group_users gu
		JOIN users u ON u.id = gu.user_id
		JOIN groups g ON g.id = gu.group_id
		WHERE `+where, args...).Scan(&total)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to count memberships: %w", err))
	}

	query := `
		SELECT gu.id, gu.group_id, gu.user_id, gu.is_group_admin, gu.is_application_admin,
		       gu.is_topic_admin, u.email, g.name, gu.created_at, gu.updated_at
		FROM group_users gu
		JOIN users u ON u.id = gu.user_id
		JOIN groups g ON g.id = gu.group_id
		WHERE ` + where + fmt.Sprintf(`
		ORDER BY g.name, u.email
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, pageable.Limit(), pageable.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to list memberships: %w", err))
	}
	defer rows.Close()

	var out []GroupUser
	for rows.Next() {
		var gu GroupUser
		if err := rows.Scan(&gu.ID, &gu.GroupID, &gu.UserID, &gu.GroupAdmin, &gu.ApplicationAdmin,
			&gu.TopicAdmin, &gu.Email, &gu.GroupName, &gu.CreatedAt, &gu.UpdatedAt); err != nil {
			return page, storage.ClassifyErr(fmt.Errorf("failed to scan membership: %w", err))
		}
		out = append(out, gu)
	}
	if err := rows.Err(); err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to iterate memberships: %w", err))
	}
	return storage.NewPage(out, pageable, total), nil
}
