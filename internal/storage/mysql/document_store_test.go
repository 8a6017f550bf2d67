package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/JakeFAU/gitcrawl/internal/storage"
)

func newMockStore(t *testing.T) (*DocumentStore, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := gormConfig()
	cfg.DisableAutomaticPing = true
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), cfg)
	require.NoError(t, err)

	store, err := NewWithDB(db)
	require.NoError(t, err)
	return store, mock
}

func TestBulkUpsertByIDClassifiesRowsAffected(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	insert := regexp.QuoteMeta("INSERT INTO `repos`")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `repos`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insert + ".*ON DUPLICATE KEY UPDATE").
		WithArgs("1", `{"id":1}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("2", `{"id":2}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(insert).
		WithArgs("3", `{"id":3}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insert).
		WithArgs("4", `{"id":4}`, sqlmock.AnyArg()).
		WillReturnError(errors.New("deadlock"))

	result, err := store.BulkUpsertByID(context.Background(), "repos", []storage.Document{
		{Key: "1", Body: json.RawMessage(`{"id":1}`)},
		{Key: "2", Body: json.RawMessage(`{"id":2}`)},
		{Key: "3", Body: json.RawMessage(`{"id":3}`)},
		{Key: "4", Body: json.RawMessage(`{"id":4}`)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Equal(t, 2, result.Matched)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 1, result.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCollection(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `orgs`")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureCollection(context.Background(), "orgs"))
	require.NoError(t, store.EnsureCollection(context.Background(), "orgs"))
	require.Error(t, store.EnsureCollection(context.Background(), "orgs`; drop"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = NewWithDB(nil)
	require.Error(t, err)
}
