package store

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston/orchestrator-core/internal/domain"
)

func TestTransitionPendingToReadyWinnerEnqueues(t *testing.T) {
	db, mock := newMockedDB(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "tasks" SET .* WHERE id = .* AND status = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := NewTaskStore(db).TransitionPendingToReady(taskID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestTransitionPendingToReadyLoserObservesZeroRows(t *testing.T) {
	db, mock := newMockedDB(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "tasks" SET .* WHERE id = .* AND status = .*`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	claimed, err := NewTaskStore(db).TransitionPendingToReady(taskID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTaskCompleteIsIdempotentAgainstTerminalRows(t *testing.T) {
	db, mock := newMockedDB(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "tasks" SET .* WHERE id = .* AND status NOT IN .*`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := NewTaskStore(db).Complete(taskID)
	require.NoError(t, err, "completing an already-terminal task must be a silent no-op")
}

func TestIncrementDeliveryBumpsRetriesAndDeliveryCount(t *testing.T) {
	db, mock := newMockedDB(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "tasks" SET .* WHERE id = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewTaskStore(db).IncrementDelivery(taskID)
	require.NoError(t, err)
}

func TestReselectRecordsNewEngineAndIncrementsCounter(t *testing.T) {
	db, mock := newMockedDB(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "tasks" SET .* WHERE id = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := NewTaskStore(db).Reselect(taskID, "new-engine")
	require.NoError(t, err)
}

func TestAllRequiredTerminalNoFailure(t *testing.T) {
	complete := []domain.Task{
		{Required: true, Status: domain.TaskCompleted},
		{Required: false, Status: domain.TaskReady},
	}
	assert.True(t, AllRequiredTerminalNoFailure(complete))

	withFailure := []domain.Task{
		{Required: true, Status: domain.TaskFailed},
	}
	assert.False(t, AllRequiredTerminalNoFailure(withFailure))

	stillRunning := []domain.Task{
		{Required: true, Status: domain.TaskRunning},
	}
	assert.False(t, AllRequiredTerminalNoFailure(stillRunning))
}

func TestReadyDependentsFiltersByDependencySatisfaction(t *testing.T) {
	prepare := domain.Task{ID: uuid.New(), Stage: "prepare", Status: domain.TaskCompleted}
	pending := domain.Task{
		ID:           uuid.New(),
		Stage:        "transcribe",
		Status:       domain.TaskPending,
		Dependencies: domain.Dependencies{prepare.ID.String()},
	}
	blocked := domain.Task{
		ID:           uuid.New(),
		Stage:        "align",
		Status:       domain.TaskPending,
		Dependencies: domain.Dependencies{uuid.New().String()},
	}

	ready := ReadyDependents([]domain.Task{prepare, pending, blocked})
	require.Len(t, ready, 1)
	assert.Equal(t, pending.ID, ready[0].ID)
}
