package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobkit/pkg/domain"
)

func newMockStore(t *testing.T, rows *sqlmock.Rows) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	var gotDriver, gotDSN string
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driver, dsn
		return db, nil
	})
	t.Cleanup(restore)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT bucket, payload FROM state").WillReturnRows(rows)

	store, err := NewStore("", domain.NewRulesEngine())
	require.NoError(t, err)
	assert.Equal(t, defaultDriver, gotDriver)
	assert.Equal(t, defaultDSN, gotDSN)
	return store, mock
}

func TestPostgresStoreHydratesFromSnapshot(t *testing.T) {
	payload := `{"[\"u1\"]":{"entity":"user","key":"[\"u1\"]","payload":{"Id":"u1"},"version":3,"seq":7}}`
	rows := sqlmock.NewRows([]string{"bucket", "payload"}).AddRow("user", []byte(payload))
	store, mock := newMockStore(t, rows)

	err := store.View(context.Background(), func(v domain.TransactionView) error {
		rec, ok := v.Find("user", `["u1"]`)
		require.True(t, ok)
		assert.Equal(t, int64(3), rec.Version)
		assert.JSONEq(t, `{"Id":"u1"}`, string(rec.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePersistsTouchedBuckets(t *testing.T) {
	store, mock := newMockStore(t, sqlmock.NewRows([]string{"bucket", "payload"}))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO state").WithArgs("user", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.Insert("user", `["u1"]`, json.RawMessage(`{"Id":"u1"}`))
		return err
	}, domain.WithIsolation(domain.IsolationSerializable))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCommitFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t, sqlmock.NewRows([]string{"bucket", "payload"}))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.Insert("user", `["u1"]`, json.RawMessage(`{"Id":"u1"}`))
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialization failure")

	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		_, ok := v.Find("user", `["u1"]`)
		assert.False(t, ok, "failed commit must not become visible")
		return nil
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreOpenErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("bad dsn") })
	defer restore()
	_, err := NewStore("postgres://x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open postgres")
}

func TestSQLIsolationMapping(t *testing.T) {
	assert.Equal(t, sql.LevelDefault, sqlIsolation(domain.IsolationDefault))
	assert.Equal(t, sql.LevelReadCommitted, sqlIsolation(domain.IsolationReadCommitted))
	assert.Equal(t, sql.LevelRepeatableRead, sqlIsolation(domain.IsolationRepeatableRead))
	assert.Equal(t, sql.LevelSerializable, sqlIsolation(domain.IsolationSerializable))
}
