package progress

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	return NewPostgresStore(db), mock
}

func TestPostgresStore_MarkCompletedQuery(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 15, 11, 30, 0, 0, time.FixedZone("CET", 3600))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO progress")).
		WithArgs(sqlmock.AnyArg(), "veteran", "max-level", at.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkCompleted(ctx, "veteran", "max-level", at))

	// a conflicting insert affects no rows and is not an error
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (pack_id, action_id) DO NOTHING")).
		WithArgs(sqlmock.AnyArg(), "veteran", "max-level", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkCompleted(ctx, "veteran", "max-level", at.Add(time.Hour)))
}

func TestPostgresStore_MarkCompletedErrors(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.MarkCompleted(ctx, "", "max-level", time.Now()), ErrMissingKey)
	assert.ErrorIs(t, store.MarkCompleted(ctx, "veteran", "", time.Now()), ErrMissingKey)

	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO progress")).
		WillReturnError(boom)

	err := store.MarkCompleted(ctx, "veteran", "max-level", time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestPostgresStore_IsCompletedQuery(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM progress WHERE pack_id = $1 AND action_id = $2)")).
		WithArgs("veteran", "max-level").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := store.IsCompleted(ctx, "veteran", "max-level")
	require.NoError(t, err)
	assert.True(t, done)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("veteran", "mounted").
		WillReturnError(errors.New("timeout"))

	_, err = store.IsCompleted(ctx, "veteran", "mounted")
	assert.Error(t, err)
}

func TestPostgresStore_ListByPackQuery(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	earlier := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Minute).In(time.FixedZone("CET", 3600))

	rows := sqlmock.NewRows([]string{"id", "pack_id", "action_id", "completed_at"}).
		AddRow(first.String(), "veteran", "max-level", earlier).
		AddRow(second.String(), "veteran", "mounted", later)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, pack_id, action_id, completed_at")).
		WithArgs("veteran").
		WillReturnRows(rows)

	records, err := store.ListByPack(ctx, "veteran")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, first, records[0].ID)
	assert.Equal(t, "max-level", records[0].ActionID)
	assert.Equal(t, second, records[1].ID)
	assert.Equal(t, time.UTC, records[1].CompletedAt.Location())
	assert.True(t, later.Equal(records[1].CompletedAt))
}

func TestPostgresStore_ListByPackEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM progress")).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "pack_id", "action_id", "completed_at"}))

	records, err := store.ListByPack(context.Background(), "unknown")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestPostgresStore_ResetQuery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM progress WHERE pack_id = $1")).
		WithArgs("veteran").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.Reset(context.Background(), "veteran"))
}
