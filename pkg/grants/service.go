// Package grants manages application permissions, including the one-shot
// bind-token grant flow.
package grants

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/storage"
)

// PostgresService implements permission management over PostgreSQL
type PostgresService struct {
	db     *sql.DB
	engine *authz.Engine
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, engine *authz.Engine) *PostgresService {
	return &PostgresService{db: db, engine: engine}
}

func validateTarget(p *Permission) error {
	if (p.TopicID == nil) == (p.TopicSetID == nil) {
		return codes.Validation(codes.PermissionTargetInvalid, "exactly one of topic and topic set must be targeted")
	}
	if !p.Access.Valid() {
		return codes.Validation(codes.PermissionTargetInvalid, "access must be READ, WRITE or READ_WRITE")
	}
	return nil
}

func (s *PostgresService) appGroup(ctx context.Context, applicationID int64) (int64, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id FROM applications WHERE id = $1`, applicationID).Scan(&groupID)
	if err == sql.ErrNoRows {
		return 0, codes.NotFound(codes.ApplicationNotFound, "application not found")
	}
	if err != nil {
		return 0, storage.ClassifyErr(fmt.Errorf("failed to resolve application group: %w", err))
	}
	return groupID, nil
}

// invalidatePermissionArtifacts drops the cached permission documents so the
// next conditional fetch regenerates them under a new validator. CA-level
// artifacts are untouched.
func invalidatePermissionArtifacts(ctx context.Context, tx *sql.Tx, applicationID int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM application_artifacts
		WHERE application_id = $1 AND kind IN ('permissions_xml', 'permissions_json')
	`, applicationID)
	if err != nil {
		return storage.ClassifyErr(fmt.Errorf("failed to invalidate permission artifacts: %w", err))
	}
	return nil
}

// Grant creates a permission for an application.
func (s *PostgresService) Grant(ctx context.Context, caller roles.Caller, p *Permission) (*Permission, error) {
	groupID, err := s.appGroup(ctx, p.ApplicationID)
	if err != nil {
		if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
			return nil, codes.Unauthorizedf()
		}
		return nil, err
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGrantManage, GroupID: groupID}); err != nil {
		return nil, err
	}
	if err := validateTarget(p); err != nil {
		return nil, err
	}

	err = storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM application_permissions
			WHERE application_id = $1
			  AND topic_id IS NOT DISTINCT FROM $2
			  AND topic_set_id IS NOT DISTINCT FROM $3
			  AND access = $4
		`, p.ApplicationID, p.TopicID, p.TopicSetID, string(p.Access)).Scan(&count)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to check permission: %w", err))
		}
		if count > 0 {
			return codes.Validation(codes.PermissionAlreadyExists, "an identical permission already exists")
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO application_permissions (application_id, topic_id, topic_set_id, access, action_interval_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`, p.ApplicationID, p.TopicID, p.TopicSetID, string(p.Access), p.ActionIntervalID).
			Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to create permission: %w", err))
		}
		return invalidatePermissionArtifacts(ctx, tx, p.ApplicationID)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateGrant changes a permission's access direction or time window.
func (s *PostgresService) UpdateGrant(ctx context.Context, caller roles.Caller, id int64, access Access, actionIntervalID *int64) (*Permission, error) {
	p, err := s.getPermission(ctx, id)
	if err != nil {
		if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
			return nil, codes.Unauthorizedf()
		}
		return nil, err
	}
	groupID, err := s.appGroup(ctx, p.ApplicationID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGrantManage, GroupID: groupID}); err != nil {
		return nil, err
	}
	if !access.Valid() {
		return nil, codes.Validation(codes.PermissionTargetInvalid, "access must be READ, WRITE or READ_WRITE")
	}

	err = storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE application_permissions
			SET access = $1, action_interval_id = $2, updated_at = NOW()
			WHERE id = $3
			RETURNING updated_at
		`, string(access), actionIntervalID, id).Scan(&p.UpdatedAt)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to update permission: %w", err))
		}
		return invalidatePermissionArtifacts(ctx, tx, p.ApplicationID)
	})
	if err != nil {
		return nil, err
	}
	p.Access = access
	p.ActionIntervalID = actionIntervalID
	return p, nil
}

// Revoke deletes a permission.
func (s *PostgresService) Revoke(ctx context.Context, caller roles.Caller, id int64) error {
	p, err := s.getPermission(ctx, id)
	if err != nil {
		if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
			return codes.Unauthorizedf()
		}
		return err
	}
	groupID, err := s.appGroup(ctx, p.ApplicationID)
	if err != nil {
		return err
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGrantManage, GroupID: groupID}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM application_permissions WHERE id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete permission: %w", err))
		}
		return invalidatePermissionArtifacts(ctx, tx, p.ApplicationID)
	})
}

func (s *PostgresService) getPermission(ctx context.Context, id int64) (*Permission, error) {
	p := &Permission{}
	var access string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, application_id, topic_id, topic_set_id, access, action_interval_id, created_at, updated_at
		FROM application_permissions
		WHERE id = $1
	`, id).Scan(&p.ID, &p.ApplicationID, &p.TopicID, &p.TopicSetID, &access,
		&p.ActionIntervalID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.PermissionNotFound, "permission not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get permission: %w", err))
	}
	p.Access = Access(access)
	return p, nil
}

// ListForApplication returns all permissions of one application, visible to
// admins of its group and to the application itself.
func (s *PostgresService) ListForApplication(ctx context.Context, caller roles.Caller, applicationID int64) ([]Permission, error) {
	groupID, err := s.appGroup(ctx, applicationID)
	if err != nil {
		if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
			return nil, codes.Unauthorizedf()
		}
		return nil, err
	}
	if caller.Kind == roles.CallerApplication {
		if caller.ApplicationID != applicationID {
			return nil, codes.Unauthorizedf()
		}
	} else if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionGrantManage, GroupID: groupID}); err != nil {
		return nil, err
	}
	return s.listForApplication(ctx, applicationID)
}

func (s *PostgresService) listForApplication(ctx context.Context, applicationID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, topic_id, topic_set_id, access, action_interval_id, created_at, updated_at
		FROM application_permissions
		WHERE application_id = $1
		ORDER BY id
	`, applicationID)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to list permissions: %w", err))
	}
	defer rows.Close()

	out := []Permission{}
	for rows.Next() {
		var p Permission
		var access string
		if err := rows.Scan(&p.ID, &p.ApplicationID, &p.TopicID, &p.TopicSetID, &access,
			&p.ActionIntervalID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, storage.ClassifyErr(fmt.Errorf("failed to scan permission: %w", err))
		}
		p.Access = Access(access)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to iterate permissions: %w", err))
	}
	return out, nil
}

// GrantWithBindToken redeems a bind token for a topic permission. The token
// lookup, its invalidation and the permission insert happen in one
// transaction, so a concurrent second redemption observes the cleared hash
// and fails.
func (s *PostgresService) GrantWithBindToken(ctx context.Context, token string, topicID int64, access Access) (*Permission, error) {
	if token == "" || !access.Valid() {
		return nil, codes.Credential(codes.InvalidBindToken)
	}

	sum := sha256.Sum256([]byte(token))
	tokenHash := hex.EncodeToString(sum[:])

	p := &Permission{TopicID: &topicID, Access: access}
	err := storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		var applicationID int64
		err := tx.QueryRowContext(ctx, `
			UPDATE applications
			SET bind_token_hash = NULL, bind_token_expires_at = NULL, updated_at = NOW()
			WHERE bind_token_hash = $1 AND bind_token_expires_at > NOW()
			RETURNING id
		`, tokenHash).Scan(&applicationID)
		if err == sql.ErrNoRows {
			return codes.Credential(codes.InvalidBindToken)
		}
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to redeem bind token: %w", err))
		}
		p.ApplicationID = applicationID

		err = tx.QueryRowContext(ctx, `
			INSERT INTO application_permissions (application_id, topic_id, access)
			VALUES ($1, $2, $3)
			RETURNING id, created_at, updated_at
		`, applicationID, topicID, string(access)).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to create bound permission: %w", err))
		}
		return invalidatePermissionArtifacts(ctx, tx, applicationID)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
