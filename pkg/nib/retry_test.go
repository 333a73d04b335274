package nib

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/model"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{
		db:     db,
		driver: driverSQLite,
		clock:  time.Now,
		logger: slog.Default().With("component", "nib"),
	}, mock
}

func testEvent() *model.Event {
	return &model.Event{
		EventID:   "ev-1",
		EventType: "X",
		ActorID:   "a",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{},
	}
}

func TestTransientErrorRetriedInternally(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.AppendEvent(context.Background(), testEvent())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistentTransientErrorSurfaces(t *testing.T) {
	s, mock := mockStore(t)

	// Initial attempt plus maxRetries more, all failing.
	for i := 0; i <= maxRetries; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	}

	err := s.AppendEvent(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNonTransientErrorNotRetried(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("syntax error"))

	err := s.AppendEvent(context.Background(), testEvent())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
