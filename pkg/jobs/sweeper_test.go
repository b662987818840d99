package jobs

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweeper(t *testing.T) (*Sweeper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSweeper(db, observability.NewLogger(observability.ErrorLevel, io.Discard)), mock
}

func TestSweepBindTokensReportsCount(t *testing.T) {
	s, mock := newSweeper(t)
	mock.ExpectExec("UPDATE applications").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.SweepBindTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepBindTokensClassifiesStoreFailure(t *testing.T) {
	s, mock := newSweeper(t)
	mock.ExpectExec("UPDATE applications").
		WillReturnError(sql.ErrConnDone)

	_, err := s.SweepBindTokens(context.Background())
	require.Error(t, err)
	assert.True(t, codes.IsKind(err, codes.KindInfrastructure))
}
