package topics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/storage"
)

// CreateActionInterval creates a named time window in the group.
func (s *PostgresService) CreateActionInterval(ctx context.Context, caller roles.Caller, groupID int64, name string, startsAt, endsAt time.Time) (*ActionInterval, error) {
	if groupID == 0 {
		return nil, codes.Validation(codes.TopicRequiresGroup, "action interval requires a group association")
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: groupID}); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, codes.Validation(codes.TopicNameBlank, "action interval name cannot be blank")
	}
	if !endsAt.After(startsAt) {
		return nil, codes.Validation(codes.ActionIntervalInvalid, "interval end must be after its start")
	}

	iv := &ActionInterval{GroupID: groupID, Name: name, StartsAt: startsAt, EndsAt: endsAt}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO action_intervals (group_id, name, starts_at, ends_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, groupID, name, startsAt, endsAt).Scan(&iv.ID, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to create action interval: %w", err))
	}
	return iv, nil
}

// GetActionInterval retrieves an interval visible to the caller.
func (s *PostgresService) GetActionInterval(ctx context.Context, caller roles.Caller, id int64) (*ActionInterval, error) {
	iv, err := s.getActionInterval(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if !s.engine.VisibleGroups(ctx, caller).Allows(iv.GroupID) {
		return nil, codes.Unauthorizedf()
	}
	return iv, nil
}

func (s *PostgresService) getActionInterval(ctx context.Context, id int64) (*ActionInterval, error) {
	iv := &ActionInterval{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, name, starts_at, ends_at, created_at, updated_at
		FROM action_intervals
		WHERE id = $1
	`, id).Scan(&iv.ID, &iv.GroupID, &iv.Name, &iv.StartsAt, &iv.EndsAt, &iv.CreatedAt, &iv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.ActionIntervalNotFound, "action interval not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get action interval: %w", err))
	}
	return iv, nil
}

// UpdateActionInterval changes an interval's window.
func (s *PostgresService) UpdateActionInterval(ctx context.Context, caller roles.Caller, id int64, startsAt, endsAt time.Time) (*ActionInterval, error) {
	iv, err := s.getActionInterval(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: iv.GroupID}); err != nil {
		return nil, err
	}
	if !endsAt.After(startsAt) {
		return nil, codes.Validation(codes.ActionIntervalInvalid, "interval end must be after its start")
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE action_intervals SET starts_at = $1, ends_at = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at
	`, startsAt, endsAt, id).Scan(&iv.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to update action interval: %w", err))
	}
	iv.StartsAt = startsAt
	iv.EndsAt = endsAt
	return iv, nil
}

// DeleteActionInterval removes an interval. Grants referencing it lose the
// time constraint rather than disappearing.
func (s *PostgresService) DeleteActionInterval(ctx context.Context, caller roles.Caller, id int64) error {
	iv, err := s.getActionInterval(ctx, id)
	if err != nil {
		return s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: iv.GroupID}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE application_permissions SET action_interval_id = NULL WHERE action_interval_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to detach interval from grants: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM action_intervals WHERE id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete action interval: %w", err))
		}
		return nil
	})
}
