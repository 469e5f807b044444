package settle

import (
	"context"
	"testing"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func messageIDs(t *testing.T, ts *testSettle, channel string) []string {
	t.Helper()
	var ids []string
	for _, m := range ts.queue.on(channel) {
		var msg struct {
			EventID     string `json:"event_id"`
			OperationID string `json:"operation_id"`
		}
		decodeMessage(t, m, &msg)
		ids = append(ids, msg.EventID+msg.OperationID)
	}
	return ids
}

func TestRecoverRepublishesStuckWork(t *testing.T) {
	ts := newTestSettle(t)
	ctx := context.Background()
	stale := 10 * time.Minute

	ts.queue.fail(HandleTriggeredEventQueue, errDownstream)
	failedToTrigger := triggerEvent(t, ts, "credit", "1.0.0")
	ts.queue.fail(HandleTriggeredEventQueue, nil)

	lost := triggerEvent(t, ts, "credit", "1.0.0")
	abandoned := triggerEvent(t, ts, "credit", "1.0.0")
	_, err := ts.ds.TransitionTriggeredEvent(ctx, abandoned.EventID, database.EventTransition{
		From: model.EventTriggered, To: model.EventInProgress,
	})
	require.NoError(t, err)
	fresh := triggerEvent(t, ts, "credit", "1.0.0")

	pending := createTransfer(t, ts, newTransferRequest())

	ts.ledger.On("Freeze", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errDownstream)
	failed := createTransfer(t, ts, newTransferRequest())
	require.Error(t, ts.ProcessWalletTransfer(ctx, failed.OperationID))

	later := time.Now().Add(2 * time.Hour)
	scheduledReq := newTransferRequest()
	scheduledReq.ScheduledFor = &later
	scheduled := createTransfer(t, ts, scheduledReq)

	for _, id := range []string{failedToTrigger.EventID, lost.EventID, abandoned.EventID,
		pending.OperationID, failed.OperationID, scheduled.OperationID} {
		ts.ds.age(id, stale)
	}
	ts.queue.reset()

	n, err := ts.Recover(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, []string{failedToTrigger.EventID}, messageIDs(t, ts, RetryToTriggerEventQueue))
	assert.Equal(t, []string{lost.EventID}, messageIDs(t, ts, HandleTriggeredEventQueue))
	assert.Equal(t, []string{abandoned.EventID}, messageIDs(t, ts, RetryTriggeredEventQueue))
	assert.Equal(t, []string{pending.OperationID}, messageIDs(t, ts, ProcessWalletTransferQueue))
	assert.Equal(t, []string{failed.OperationID}, messageIDs(t, ts, RevertWalletTransferQueue))

	released, err := ts.GetTriggeredEvent(ctx, abandoned.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventFailedToHandle, released.Status)

	untouched, err := ts.GetTriggeredEvent(ctx, fresh.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventTriggered, untouched.Status)
}

func TestRecoverSkipsDeadLetteredSagas(t *testing.T) {
	ts := newTestSettle(t)
	ctx := context.Background()

	ts.ledger.On("Freeze", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errDownstream)
	op := createTransfer(t, ts, newTransferRequest())
	require.Error(t, ts.ProcessWalletTransfer(ctx, op.OperationID))
	marked, err := ts.ds.MarkSagaDeadLettered(ctx, op.OperationID)
	require.NoError(t, err)
	require.True(t, marked)

	ts.ds.age(op.OperationID, time.Hour)
	ts.queue.reset()

	n, err := ts.Recover(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ts.queue.on(RevertWalletTransferQueue))
}

func TestRecoverWaitsForPendingBackoff(t *testing.T) {
	ts := newTestSettle(t, func(cfg *config.Configuration) {
		cfg.Sagas.WalletTransfer.RevertTimeoutBase = 3
		cfg.Sagas.WalletTransfer.RevertAttempts = config.IntPtr(10)
		cfg.Events.RetryTimeoutBase = 10
	})
	ctx := context.Background()

	// next revert is due 3**6s = 12m9s after the last failed attempt
	op := &model.SagaOperation{
		Class:          model.SagaWalletTransfer,
		RequestID:      gofakeit.UUID(),
		Status:         model.SagaFailed,
		ErrorAt:        []string{model.StepTakeMoney, model.StepTakeMoneyBack},
		RevertAttempts: 6,
	}
	require.NoError(t, ts.ds.CreateSagaOperation(ctx, op))

	// next dispatch is due 10**4s after the last retry
	event := triggerEvent(t, ts, "credit", "1.0.0")
	for i := 0; i < 4; i++ {
		_, err := ts.ds.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
			From: model.EventTriggered, To: model.EventFailedToHandle,
		})
		require.NoError(t, err)
		_, err = ts.ds.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
			From: model.EventFailedToHandle, To: model.EventTriggered, IncrementAttempts: true,
		})
		require.NoError(t, err)
	}

	ts.ds.age(op.OperationID, 6*time.Minute)
	ts.ds.age(event.EventID, 6*time.Minute)
	ts.queue.reset()

	n, err := ts.Recover(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ts.queue.on(RevertWalletTransferQueue))
	assert.Empty(t, ts.queue.on(HandleTriggeredEventQueue))

	stored, err := ts.GetWalletTransfer(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.RevertAttempts)

	// once the delayed revert is overdue its message counts as lost
	ts.ds.age(op.OperationID, 10*time.Minute)
	n, err = ts.Recover(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{op.OperationID}, messageIDs(t, ts, RevertWalletTransferQueue))
	assert.Empty(t, ts.queue.on(HandleTriggeredEventQueue))
}

func TestRecoveryProcessorLifecycle(t *testing.T) {
	ts := newTestSettle(t, func(cfg *config.Configuration) {
		cfg.Recovery.PollIntervalSeconds = 1
	})
	p := NewRecoveryProcessor(ts.Settle)
	assert.False(t, p.IsRunning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	p.Start(ctx)
	assert.True(t, p.IsRunning())

	p.Stop()
	assert.False(t, p.IsRunning())
	p.Stop()
}
