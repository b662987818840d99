package topics

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresService(db, authz.NewEngine()), mock
}

func topicAdmin(groupID int64) roles.Caller {
	return roles.Caller{
		Kind:   roles.CallerUser,
		UserID: 2,
		Memberships: []roles.Membership{
			{GroupID: groupID, UserID: 2, Flags: roles.Flags{TopicAdmin: true}},
		},
	}
}

func TestCreateTopic(t *testing.T) {
	ctx := context.Background()

	t.Run("creates topic", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT COUNT").
			WithArgs(int64(10), "temperature").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("INSERT INTO topics").
			WithArgs(int64(10), "temperature", "B", "").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(1, time.Now(), time.Now()))

		topic, err := s.CreateTopic(ctx, topicAdmin(10), 10, " temperature ", KindB, "")
		require.NoError(t, err)
		assert.Equal(t, "temperature", topic.Name)
		assert.Equal(t, KindB, topic.Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects missing group before authorization", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.CreateTopic(ctx, topicAdmin(10), 0, "temperature", KindB, "")
		assert.True(t, codes.HasCode(err, codes.TopicRequiresGroup))
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.CreateTopic(ctx, topicAdmin(10), 10, "temperature", Kind("X"), "")
		assert.True(t, codes.HasCode(err, codes.TopicKindInvalid))
	})

	t.Run("duplicate in same group", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		_, err := s.CreateTopic(ctx, topicAdmin(10), 10, "temperature", KindB, "")
		assert.True(t, codes.HasCode(err, codes.TopicAlreadyExists))
	})

	t.Run("application admin denied", func(t *testing.T) {
		s, _ := newService(t)
		caller := roles.Caller{
			Kind:   roles.CallerUser,
			UserID: 2,
			Memberships: []roles.Membership{
				{GroupID: 10, UserID: 2, Flags: roles.Flags{ApplicationAdmin: true}},
			},
		}
		_, err := s.CreateTopic(ctx, caller, 10, "temperature", KindB, "")
		assert.True(t, codes.IsKind(err, codes.KindAuthorization))
	})
}

func TestDeleteTopicRemovesGrantsAndSetMembers(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT id, group_id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "group_id", "name", "kind", "description", "created_at", "updated_at"}).
			AddRow(5, 10, "temperature", "B", "", time.Now(), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM application_permissions").
		WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM topic_set_members").
		WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM topics").
		WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteTopic(context.Background(), topicAdmin(10), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTopicConcealsFromOutsiders(t *testing.T) {
	s, mock := newService(t)
	mock.ExpectQuery("SELECT id, group_id").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "group_id", "name", "kind", "description", "created_at", "updated_at"}).
			AddRow(5, 10, "temperature", "B", "", time.Now(), time.Now()))

	_, err := s.GetTopic(context.Background(), topicAdmin(11), 5)
	assert.True(t, codes.HasCode(err, codes.Unauthorized))
}

func TestAddTopicToSetRejectsCrossGroup(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT id, group_id, name, created_at").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "group_id", "name", "created_at", "updated_at"}).
			AddRow(3, 10, "sensors", time.Now(), time.Now()))
	mock.ExpectQuery("SELECT topic_id FROM topic_set_members").
		WillReturnRows(sqlmock.NewRows([]string{"topic_id"}))
	mock.ExpectQuery("SELECT id, group_id, name, kind").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "group_id", "name", "kind", "description", "created_at", "updated_at"}).
			AddRow(5, 11, "temperature", "B", "", time.Now(), time.Now()))

	err := s.AddTopicToSet(context.Background(), topicAdmin(10), 3, 5)
	assert.True(t, codes.HasCode(err, codes.PermissionTargetInvalid))
}

func TestCreateActionInterval(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	t.Run("rejects inverted window", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.CreateActionInterval(ctx, topicAdmin(10), 10, "maintenance", start, start.Add(-time.Hour))
		assert.True(t, codes.HasCode(err, codes.ActionIntervalInvalid))
	})

	t.Run("creates interval", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("INSERT INTO action_intervals").
			WithArgs(int64(10), "maintenance", start, start.Add(time.Hour)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(1, time.Now(), time.Now()))

		iv, err := s.CreateActionInterval(ctx, topicAdmin(10), 10, "maintenance", start, start.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), iv.ID)
	})
}

func TestDeleteActionIntervalDetachesGrants(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT id, group_id, name, starts_at").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "group_id", "name", "starts_at", "ends_at", "created_at", "updated_at"}).
			AddRow(7, 10, "maintenance", time.Now(), time.Now().Add(time.Hour), time.Now(), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE application_permissions").
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM action_intervals").
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteActionInterval(context.Background(), topicAdmin(10), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}
