package topics

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

// CreateTopicSet creates an empty topic set in the group.
func (s *PostgresService) CreateTopicSet(ctx context.Context, caller roles.Caller, groupID int64, name string) (*TopicSet, error) {
	if groupID == 0 {
		return nil, codes.Validation(codes.TopicRequiresGroup, "topic set requires a group association")
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: groupID}); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, codes.Validation(codes.TopicNameBlank, "topic set name cannot be blank")
	}
	if len(name) < 3 {
		return nil, codes.Validation(codes.TopicNameTooShort, "topic set name must be at least three characters")
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM topic_sets WHERE group_id = $1 AND LOWER(name) = LOWER($2)`,
		groupID, name).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check topic set name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.TopicSetAlreadyExists, "a topic set with this name already exists in the group")
	}

	set := &TopicSet{GroupID: groupID, Name: name, TopicIDs: []int64{}}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO topic_sets (group_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at
	`, groupID, name).Scan(&set.ID, &set.CreatedAt, &set.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to create topic set: %w", err))
	}
	return set, nil
}

// GetTopicSet retrieves a topic set with its member topic IDs.
func (s *PostgresService) GetTopicSet(ctx context.Context, caller roles.Caller, id int64) (*TopicSet, error) {
	set, err := s.getTopicSet(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if !s.engine.VisibleGroups(ctx, caller).Allows(set.GroupID) {
		return nil, codes.Unauthorizedf()
	}
	return set, nil
}

func (s *PostgresService) getTopicSet(ctx context.Context, id int64) (*TopicSet, error) {
	set := &TopicSet{TopicIDs: []int64{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, name, created_at, updated_at
		FROM topic_sets
		WHERE id = $1
	`, id).Scan(&set.ID, &set.GroupID, &set.Name, &set.CreatedAt, &set.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.TopicSetNotFound, "topic set not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get topic set: %w", err))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT topic_id FROM topic_set_members WHERE topic_set_id = $1 ORDER BY topic_id`, id)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to load set members: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var topicID int64
		if err := rows.Scan(&topicID); err != nil {
			return nil, storage.ClassifyErr(fmt.Errorf("failed to scan set member: %w", err))
		}
		set.TopicIDs = append(set.TopicIDs, topicID)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to iterate set members: %w", err))
	}
	return set, nil
}

// AddTopicToSet adds a topic to a set. Both must belong to the same group.
func (s *PostgresService) AddTopicToSet(ctx context.Context, caller roles.Caller, setID, topicID int64) error {
	set, err := s.getTopicSet(ctx, setID)
	if err != nil {
		return s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: set.GroupID}); err != nil {
		return err
	}

	topic, err := s.getTopic(ctx, topicID)
	if err != nil {
		return err
	}
	if topic.GroupID != set.GroupID {
		return codes.Validation(codes.PermissionTargetInvalid, "topic and topic set belong to different groups")
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_set_members (topic_set_id, topic_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, setID, topicID); err != nil {
		return storage.ClassifyErr(fmt.Errorf("failed to add topic to set: %w", err))
	}
	return nil
}

// RemoveTopicFromSet removes a topic from a set.
func (s *PostgresService) RemoveTopicFromSet(ctx context.Context, caller roles.Caller, setID, topicID int64) error {
	set, err := s.getTopicSet(ctx, setID)
	if err != nil {
		return s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: set.GroupID}); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM topic_set_members WHERE topic_set_id = $1 AND topic_id = $2`,
		setID, topicID); err != nil {
		return storage.ClassifyErr(fmt.Errorf("failed to remove topic from set: %w", err))
	}
	return nil
}

// DeleteTopicSet removes a set, its memberships and the grants targeting it.
func (s *PostgresService) DeleteTopicSet(ctx context.Context, caller roles.Caller, id int64) error {
	set, err := s.getTopicSet(ctx, id)
	if err != nil {
		return s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: set.GroupID}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM application_permissions WHERE topic_set_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete set grants: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM topic_set_members WHERE topic_set_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete set members: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM topic_sets WHERE id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete topic set: %w", err))
		}
		return nil
	})
}
