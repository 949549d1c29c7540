package pipeline

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresTraceStore_SaveTrace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO traces").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresTraceStore(db)
	err = store.SaveTrace(&Trace{
		ID: "t1", TriggerEvent: "login", Status: TraceSucceeded,
		StartedAt: time.Now(), EndedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTraceStore_PurgeOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM traces").WillReturnResult(sqlmock.NewResult(0, 5))

	store := NewPostgresTraceStore(db)
	n, err := store.PurgeOlderThan(time.Now())
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
