// Package topics manages topics, topic sets and action intervals.
package topics

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

// PostgresService implements topic management over PostgreSQL
type PostgresService struct {
	db     *sql.DB
	engine *authz.Engine
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, engine *authz.Engine) *PostgresService {
	return &PostgresService{db: db, engine: engine}
}

func validateTopicName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", codes.Validation(codes.TopicNameBlank, "topic name cannot be blank")
	}
	if len(name) < 3 {
		return "", codes.Validation(codes.TopicNameTooShort, "topic name must be at least three characters")
	}
	return name, nil
}

func (s *PostgresService) concealErr(caller roles.Caller, err error) error {
	if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
		return codes.Unauthorizedf()
	}
	return err
}

// CreateTopic creates a topic in the given group. Requires topic management
// rights; name validation runs only after the caller is authorized.
func (s *PostgresService) CreateTopic(ctx context.Context, caller roles.Caller, groupID int64, name string, kind Kind, description string) (*Topic, error) {
	if groupID == 0 {
		return nil, codes.Validation(codes.TopicRequiresGroup, "topic requires a group association")
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: groupID}); err != nil {
		return nil, err
	}

	name, err := validateTopicName(name)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, codes.Validation(codes.TopicKindInvalid, "topic kind must be B or C")
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM topics WHERE group_id = $1 AND LOWER(name) = LOWER($2)`,
		groupID, name).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check topic name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.TopicAlreadyExists, "a topic with this name already exists in the group")
	}

	topic := &Topic{GroupID: groupID, Name: name, Kind: kind, Description: description}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO topics (group_id, name, kind, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, groupID, name, string(kind), description).
		Scan(&topic.ID, &topic.CreatedAt, &topic.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to create topic: %w", err))
	}
	return topic, nil
}

// GetTopic retrieves a topic visible to the caller.
func (s *PostgresService) GetTopic(ctx context.Context, caller roles.Caller, id int64) (*Topic, error) {
	topic, err := s.getTopic(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if !s.engine.VisibleGroups(ctx, caller).Allows(topic.GroupID) {
		return nil, codes.Unauthorizedf()
	}
	return topic, nil
}

func (s *PostgresService) getTopic(ctx context.Context, id int64) (*Topic, error) {
	topic := &Topic{}
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, name, kind, description, created_at, updated_at
		FROM topics
		WHERE id = $1
	`, id).Scan(&topic.ID, &topic.GroupID, &topic.Name, &kind, &topic.Description,
		&topic.CreatedAt, &topic.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, codes.NotFound(codes.TopicNotFound, "topic not found")
	}
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to get topic: %w", err))
	}
	topic.Kind = Kind(kind)
	return topic, nil
}

// UpdateTopic renames a topic. Group and kind are immutable.
func (s *PostgresService) UpdateTopic(ctx context.Context, caller roles.Caller, id int64, name, description string) (*Topic, error) {
	topic, err := s.getTopic(ctx, id)
	if err != nil {
		return nil, s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: topic.GroupID}); err != nil {
		return nil, err
	}

	name, err = validateTopicName(name)
	if err != nil {
		return nil, err
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM topics WHERE group_id = $1 AND LOWER(name) = LOWER($2) AND id <> $3`,
		topic.GroupID, name, id).Scan(&count)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to check topic name: %w", err))
	}
	if count > 0 {
		return nil, codes.Validation(codes.TopicAlreadyExists, "a topic with this name already exists in the group")
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE topics SET name = $1, description = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at
	`, name, description, id).Scan(&topic.UpdatedAt)
	if err != nil {
		return nil, storage.ClassifyErr(fmt.Errorf("failed to update topic: %w", err))
	}
	topic.Name = name
	topic.Description = description
	return topic, nil
}

// DeleteTopic removes a topic, its set memberships and the grants targeting
// it in one transaction.
func (s *PostgresService) DeleteTopic(ctx context.Context, caller roles.Caller, id int64) error {
	topic, err := s.getTopic(ctx, id)
	if err != nil {
		return s.concealErr(caller, err)
	}
	if err := s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionTopicManage, GroupID: topic.GroupID}); err != nil {
		return err
	}

	return storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM application_permissions WHERE topic_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete topic grants: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM topic_set_members WHERE topic_id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete set memberships: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, id); err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to delete topic: %w", err))
		}
		return nil
	})
}

// ListTopics pages through the topics visible to the caller, optionally
// filtered by name substring.
func (s *PostgresService) ListTopics(ctx context.Context, caller roles.Caller, filter string, pageable storage.Pageable) (storage.Page[Topic], error) {
	var page storage.Page[Topic]
	if caller.Kind == roles.CallerAnonymous {
		return page, codes.Unauthorizedf()
	}

	visible := s.engine.VisibleGroups(ctx, caller)
	if visible.Empty() {
		return storage.NewPage[Topic](nil, pageable, 0), nil
	}

	like := "%" + strings.ToLower(strings.TrimSpace(filter)) + "%"
	where := `LOWER(name) LIKE $1`
	args := []interface{}{like}
	if !visible.All {
		where += ` AND group_id = ANY($2)`
		args = append(args, pq.Array(visible.GroupIDs))
	}

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM topics WHERE `+where, args...).Scan(&total)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to count topics: %w", err))
	}

	query := `
		SELECT id, group_id, name, kind, description, created_at, updated_at
		FROM topics
		WHERE ` + where + fmt.Sprintf(`
		ORDER BY name
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, pageable.Limit(), pageable.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to list topics: %w", err))
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		var topic Topic
		var kind string
		if err := rows.Scan(&topic.ID, &topic.GroupID, &topic.Name, &kind,
			&topic.Description, &topic.CreatedAt, &topic.UpdatedAt); err != nil {
			return page, storage.ClassifyErr(fmt.Errorf("failed to scan topic: %w", err))
		}
		topic.Kind = Kind(kind)
		out = append(out, topic)
	}
	if err := rows.Err(); err != nil {
		return page, storage.ClassifyErr(fmt.Errorf("failed to iterate topics: %w", err))
	}
	return storage.NewPage(out, pageable, total), nil
}
