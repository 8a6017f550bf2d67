package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gitcrawl/internal/storage"
)

func TestBulkUpsertByIDCountsOutcomes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	docs := []storage.Document{
		{Key: "1", Body: json.RawMessage(`{"id":1}`)},
		{Key: "2", Body: json.RawMessage(`{"id":2}`)},
		{Key: "3", Body: json.RawMessage(`{"id":3}`)},
		{Key: "4", Body: json.RawMessage(`{"id":4}`)},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("1", []byte(`{"id":1}`)).
		WillReturnRows(mock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("2", []byte(`{"id":2}`)).
		WillReturnRows(mock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("3", []byte(`{"id":3}`)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("4", []byte(`{"id":4}`)).
		WillReturnError(errors.New("constraint violated"))

	result, err := store.BulkUpsertByID(context.Background(), "users", docs)
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Equal(t, 2, result.Matched)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCollectionRunsOnce(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_repos").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureCollection(context.Background(), "user_repos"))
	require.NoError(t, store.EnsureCollection(context.Background(), "user_repos"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCollectionErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	require.Error(t, store.EnsureCollection(context.Background(), "users; drop"))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS repos").WillReturnError(errors.New("permission denied"))
	_, err = store.BulkUpsertByID(context.Background(), "repos", []storage.Document{{Key: "1", Body: json.RawMessage(`{}`)}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSNAndPool(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}
