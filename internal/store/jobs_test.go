package store

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimPendingToRunningReportsWinWhenRowAffected(t *testing.T) {
	db, mock := newMockedDB(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE id = .* AND status = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := NewJobStore(db).ClaimPendingToRunning(jobID)
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingToRunningReportsLossWhenZeroRowsAffected(t *testing.T) {
	db, mock := newMockedDB(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE id = .* AND status = .*`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	claimed, err := NewJobStore(db).ClaimPendingToRunning(jobID)
	require.NoError(t, err)
	assert.False(t, claimed, "losing the CAS race must not be treated as an error")
}

func TestJobCompleteOnlyTargetsNonTerminalRows(t *testing.T) {
	db, mock := newMockedDB(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE id = .* AND status NOT IN .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewJobStore(db).Complete(jobID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobFailSetsErrorMessage(t *testing.T) {
	db, mock := newMockedDB(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE id = .* AND status NOT IN .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewJobStore(db).Fail(jobID, "no_capable_engine: no engine satisfies stage")
	require.NoError(t, err)
}
