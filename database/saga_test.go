package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sagaColumnNames = []string{
	"operation_id", "class", "request_id", "status", "steps_defined", "success_at", "error_at", "captured_errors",
	"revert_attempts", "reverted", "tried_to_revert", "dead_lettered", "payload", "scheduled_for", "created_at", "updated_at",
}

func sagaRow(id, status, successAt, errorAt string, attempts int, reverted, deadLettered bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sagaColumnNames).AddRow(
		id, "wallet_transfer", "req_1", status,
		"{instantiateWallet,freezeAmount,takeMoney,putMoney,finishTransfer}", successAt, errorAt, "{}",
		attempts, reverted, false, deadLettered, []byte(`{"source_wallet_id":"w1"}`), nil, now, now,
	)
}

func TestCreateSagaOperation_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	op := &model.SagaOperation{
		Class:        model.SagaWalletTransfer,
		RequestID:    "req_1",
		Status:       model.SagaPending,
		StepsDefined: model.WalletTransferSteps,
	}

	mock.ExpectExec("INSERT INTO settle.saga_operations").
		WithArgs(sqlmock.AnyArg(), "wallet_transfer", "req_1", "pending",
			"{\"instantiateWallet\",\"freezeAmount\",\"takeMoney\",\"putMoney\",\"finishTransfer\"}", "{}", "{}", "{}",
			0, false, false, false, []byte("{}"), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.CreateSagaOperation(context.Background(), op)
	require.NoError(t, err)
	assert.Contains(t, op.OperationID, "wallet_transfer_")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSagaOperation_DuplicateRequest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO settle.saga_operations").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	err = ds.CreateSagaOperation(context.Background(), &model.SagaOperation{Class: model.SagaWalletTransfer, RequestID: "req_1"})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestGetSagaOperation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM settle.saga_operations WHERE operation_id = ?").
		WithArgs("op_1").
		WillReturnRows(sagaRow("op_1", "failed", "{instantiateWallet,freezeAmount}", "{takeMoney}", 0, false, false))

	op, err := ds.GetSagaOperation(context.Background(), "op_1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaFailed, op.Status)
	assert.Equal(t, model.StepTakeMoney, op.LastErrorPoint())
	assert.True(t, op.Succeeded(model.StepFreezeAmount))
	assert.True(t, op.Revertable())
	assert.Nil(t, op.ScheduledFor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSagaOperationByRequestID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM settle.saga_operations WHERE class = (.+) AND request_id =").
		WithArgs("wallet_transfer", "req_missing").
		WillReturnRows(sqlmock.NewRows(sagaColumnNames))

	_, err = ds.GetSagaOperationByRequestID(context.Background(), model.SagaWalletTransfer, "req_missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransitionSagaStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE settle.saga_operations SET status").
		WithArgs("op_1", "canceled", "{\"scheduled\"}").
		WillReturnRows(sagaRow("op_1", "canceled", "{}", "{}", 0, false, false))

	op, err := ds.TransitionSagaStatus(context.Background(), "op_1", []model.SagaStatus{model.SagaScheduled}, model.SagaCanceled)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCanceled, op.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSagaProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	op := &model.SagaOperation{
		OperationID:    "op_1",
		Status:         model.SagaFailed,
		SuccessAt:      []string{"instantiateWallet", "freezeAmount", "takeMoneyBack"},
		ErrorAt:        []string{"takeMoney", "unfreezeAmount"},
		CapturedErrors: []string{"boom", "ledger down"},
		RevertAttempts: 1,
		TriedToRevert:  true,
		Payload:        []byte(`{}`),
	}

	mock.ExpectExec("UPDATE settle.saga_operations SET status").
		WithArgs("op_1", "failed",
			"{\"instantiateWallet\",\"freezeAmount\",\"takeMoneyBack\"}", "{\"takeMoney\",\"unfreezeAmount\"}",
			"{\"boom\",\"ledger down\"}", 1, false, true, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.SaveSagaProgress(context.Background(), op))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSagaProgress_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE settle.saga_operations SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.SaveSagaProgress(context.Background(), &model.SagaOperation{OperationID: "op_missing"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMarkSagaDeadLettered_OnlyOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE settle.saga_operations SET dead_lettered = TRUE").
		WithArgs("op_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE settle.saga_operations SET dead_lettered = TRUE").
		WithArgs("op_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	marked, err := ds.MarkSagaDeadLettered(context.Background(), "op_1")
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = ds.MarkSagaDeadLettered(context.Background(), "op_1")
	require.NoError(t, err)
	assert.False(t, marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStaleSagaOperations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	before := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM settle.saga_operations WHERE class = (.+) AND status = (.+) AND reverted = FALSE").
		WithArgs("wallet_transfer", "failed", before, 10).
		WillReturnRows(sagaRow("op_1", "failed", "{}", "{freezeAmount}", 2, false, false))

	ops, err := ds.GetStaleSagaOperations(context.Background(), model.SagaWalletTransfer, model.SagaFailed, before, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].RevertAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
