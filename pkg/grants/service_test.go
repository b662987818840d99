package grants

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

func appAdmin(groupID int64) roles.Caller {
	return roles.Caller{
		Kind:   roles.CallerUser,
		UserID: 2,
		Memberships: []roles.Membership{
			{GroupID: groupID, UserID: 2, Flags: roles.Flags{ApplicationAdmin: true}},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("creates permission and drops cached permission documents", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT group_id FROM applications").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("INSERT INTO application_permissions").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(1, time.Now(), time.Now()))
		mock.ExpectExec("DELETE FROM application_artifacts").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		p, err := s.Grant(ctx, appAdmin(10), &Permission{
			ApplicationID: 42,
			TopicID:       int64Ptr(5),
			Access:        AccessRead,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects both targets set", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT group_id").
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))

		_, err := s.Grant(ctx, appAdmin(10), &Permission{
			ApplicationID: 42,
			TopicID:       int64Ptr(5),
			TopicSetID:    int64Ptr(3),
			Access:        AccessRead,
		})
		assert.True(t, codes.HasCode(err, codes.PermissionTargetInvalid))
	})

	t.Run("rejects duplicate", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT group_id").
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()

		_, err := s.Grant(ctx, appAdmin(10), &Permission{
			ApplicationID: 42,
			TopicID:       int64Ptr(5),
			Access:        AccessRead,
		})
		assert.True(t, codes.HasCode(err, codes.PermissionAlreadyExists))
	})

	t.Run("outside admin denied", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT group_id").
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))

		_, err := s.Grant(ctx, appAdmin(11), &Permission{
			ApplicationID: 42,
			TopicID:       int64Ptr(5),
			Access:        AccessRead,
		})
		assert.True(t, codes.IsKind(err, codes.KindAuthorization))
	})
}

func TestGrantWithBindToken(t *testing.T) {
	ctx := context.Background()
	token := "opaque-bind-token"
	sum := sha256.Sum256([]byte(token))
	tokenHash := hex.EncodeToString(sum[:])

	t.Run("redeems token once", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE applications").
			WithArgs(tokenHash).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectQuery("INSERT INTO application_permissions").
			WithArgs(int64(42), int64(5), "READ").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(1, time.Now(), time.Now()))
		mock.ExpectExec("DELETE FROM application_artifacts").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		p, err := s.GrantWithBindToken(ctx, token, 5, AccessRead)
		require.NoError(t, err)
		assert.Equal(t, int64(42), p.ApplicationID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second redemption sees cleared hash and fails", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE applications").
			WithArgs(tokenHash).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := s.GrantWithBindToken(ctx, token, 5, AccessRead)
		assert.True(t, codes.IsKind(err, codes.KindCredential))
		assert.True(t, codes.HasCode(err, codes.InvalidBindToken))
	})

	t.Run("empty token rejected without store access", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.GrantWithBindToken(ctx, "", 5, AccessRead)
		assert.True(t, codes.HasCode(err, codes.InvalidBindToken))
	})
}

func TestRevokeDropsCachedDocuments(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT id, application_id").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "application_id", "topic_id", "topic_set_id", "access", "action_interval_id", "created_at", "updated_at"}).
			AddRow(1, 42, 5, nil, "READ", nil, time.Now(), time.Now()))
	mock.ExpectQuery("SELECT group_id").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM application_permissions").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM application_artifacts").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, s.Revoke(context.Background(), appAdmin(10), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}
