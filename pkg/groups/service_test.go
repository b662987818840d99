package groups

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

var admin = roles.Caller{Kind: roles.CallerUser, UserID: 1, GlobalAdmin: true}

func newService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresService(db, authz.NewEngine()), mock
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("trims the name before storing", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT COUNT").
			WithArgs("alpha").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("INSERT INTO groups").
			WithArgs("alpha", "", false).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(1, time.Now(), time.Now()))

		g, err := s.CreateGroup(ctx, admin, "  alpha  ", "", false)
		require.NoError(t, err)
		assert.Equal(t, "alpha", g.Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blank name after trim", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.CreateGroup(ctx, admin, "   ", "", false)
		assert.True(t, codes.HasCode(err, codes.GroupNameBlank))
	})

	t.Run("short name", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.CreateGroup(ctx, admin, "ab", "", false)
		assert.True(t, codes.HasCode(err, codes.GroupNameTooShort))
	})

	t.Run("case-insensitive duplicate", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT COUNT").
			WithArgs("Alpha").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		_, err := s.CreateGroup(ctx, admin, "Alpha", "", false)
		assert.True(t, codes.HasCode(err, codes.GroupAlreadyExists))
	})

	t.Run("authorization precedes validation", func(t *testing.T) {
		s, _ := newService(t)
		caller := roles.Caller{Kind: roles.CallerUser, UserID: 2}
		_, err := s.CreateGroup(ctx, caller, "", "", false)
		// An unauthorized caller sees the generic denial, not a name error.
		assert.True(t, codes.HasCode(err, codes.Unauthorized))
	})
}

func TestDeleteGroupCascade(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM application_permissions").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM application_permissions").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM application_artifacts").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM applications").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM topic_set_members").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM topic_sets").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM topics").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM action_intervals").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM group_users").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM groups").
		WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteGroup(context.Background(), admin, 10))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteGroupNotFoundRollsBack(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectBegin()
	for i := 0; i < 10; i++ {
		mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("DELETE FROM groups").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.DeleteGroup(context.Background(), admin, 404)
	assert.True(t, codes.HasCode(err, codes.GroupNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteGroupDeniedForGroupAdmin(t *testing.T) {
	s, _ := newService(t)
	caller := roles.Caller{
		Kind:   roles.CallerUser,
		UserID: 2,
		Memberships: []roles.Membership{
			{GroupID: 10, UserID: 2, Flags: roles.Flags{GroupAdmin: true}},
		},
	}
	err := s.DeleteGroup(context.Background(), caller, 10)
	assert.True(t, codes.IsKind(err, codes.KindAuthorization))
}

func TestGetGroupConcealsFromOutsiders(t *testing.T) {
	s, mock := newService(t)
	mock.ExpectQuery("SELECT id, name").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "name", "description", "is_public", "created_at", "updated_at"}).
			AddRow(10, "alpha", "", false, time.Now(), time.Now()))

	caller := roles.Caller{Kind: roles.CallerUser, UserID: 2}
	_, err := s.GetGroup(context.Background(), caller, 10)
	assert.True(t, codes.HasCode(err, codes.Unauthorized))
}

func TestGetGroupPublicVisibleToAnyUser(t *testing.T) {
	s, mock := newService(t)
	mock.ExpectQuery("SELECT id, name").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "name", "description", "is_public", "created_at", "updated_at"}).
			AddRow(10, "alpha", "", true, time.Now(), time.Now()))

	caller := roles.Caller{Kind: roles.CallerUser, UserID: 2}
	g, err := s.GetGroup(context.Background(), caller, 10)
	require.NoError(t, err)
	assert.Equal(t, "alpha", g.Name)
}
