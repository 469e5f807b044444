package settle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T, channel string, payload interface{}) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(channel, data)
}

func TestEventTaskDispatches(t *testing.T) {
	ts := newTestSettle(t)
	mux := asynq.NewServeMux()
	ts.RegisterTaskHandlers(mux)

	require.NoError(t, ts.Handlers().Register("credit", HandlerFunc("1.0.0", noop)))
	event := triggerEvent(t, ts, "credit", "1.0.0")

	err := mux.ProcessTask(context.Background(), newTask(t, HandleTriggeredEventQueue, EventMessage{EventID: event.EventID}))
	require.NoError(t, err)

	// the duplicate is dropped, not retried
	err = mux.ProcessTask(context.Background(), newTask(t, HandleTriggeredEventQueue, EventMessage{EventID: event.EventID}))
	assert.NoError(t, err)
}

func TestEventTaskTerminalFailureSkipsRetry(t *testing.T) {
	ts := newTestSettle(t)
	mux := asynq.NewServeMux()
	ts.RegisterTaskHandlers(mux)

	event := triggerEvent(t, ts, "unregistered", "1.0.0")
	err := mux.ProcessTask(context.Background(), newTask(t, HandleTriggeredEventQueue, EventMessage{EventID: event.EventID}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestMalformedTasksSkipRetry(t *testing.T) {
	ts := newTestSettle(t)
	mux := asynq.NewServeMux()
	ts.RegisterTaskHandlers(mux)

	for _, channel := range []string{HandleTriggeredEventQueue, RevertAnticipationQueue, SlackerQueue, WebhookQueue} {
		err := mux.ProcessTask(context.Background(), asynq.NewTask(channel, []byte("{not json")))
		assert.ErrorIs(t, err, asynq.SkipRetry, channel)
	}

	err := mux.ProcessTask(context.Background(), newTask(t, ProcessWalletTransferQueue, OperationMessage{}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	err = mux.ProcessTask(context.Background(), newTask(t, RetryTriggeredEventQueue, EventMessage{}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOperationTaskUnknownOperationIsDropped(t *testing.T) {
	ts := newTestSettle(t)
	mux := asynq.NewServeMux()
	ts.RegisterTaskHandlers(mux)

	err := mux.ProcessTask(context.Background(), newTask(t, RevertWalletTransferQueue, OperationMessage{OperationID: "wallet_transfer_missing"}))
	assert.NoError(t, err)
}
