package settle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerPersistsAndPublishes(t *testing.T) {
	ts := newTestSettle(t)
	operationID := gofakeit.UUID()

	event, err := ts.Trigger(context.Background(), TriggerRequest{
		HandlerName:    "notify_merchant",
		HandlerVersion: "1.2.0",
		Match:          model.MatchMinimum,
		OperationID:    operationID,
	})
	require.NoError(t, err)
	assert.Contains(t, event.EventID, "event_")
	assert.Equal(t, model.EventTriggered, event.Status)
	assert.Equal(t, model.MatchMinimum, event.Handler.Match)
	assert.JSONEq(t, `{}`, string(event.Args))
	assert.Equal(t, operationID, event.OperationID)

	stored, err := ts.GetTriggeredEvent(context.Background(), event.EventID)
	require.NoError(t, err)
	assert.Equal(t, []model.EventStatus{model.EventTriggered}, stored.StatusHistory)

	published := ts.queue.on(HandleTriggeredEventQueue)
	require.Len(t, published, 1)
	var msg EventMessage
	decodeMessage(t, published[0], &msg)
	assert.Equal(t, event.EventID, msg.EventID)
	assert.Zero(t, published[0].Delay)
}

func TestTriggerDefaultsToExactMatch(t *testing.T) {
	ts := newTestSettle(t)
	event := triggerEvent(t, ts, "credit", "1.0.0")
	assert.Equal(t, model.MatchExact, event.Handler.Match)
}

func TestTriggerValidation(t *testing.T) {
	ts := newTestSettle(t)
	tests := []struct {
		name string
		req  TriggerRequest
	}{
		{"missing handler", TriggerRequest{HandlerVersion: "1.0.0"}},
		{"missing version", TriggerRequest{HandlerName: "credit"}},
		{"unknown match", TriggerRequest{HandlerName: "credit", HandlerVersion: "1.0.0", Match: "latest"}},
		{"invalid args", TriggerRequest{HandlerName: "credit", HandlerVersion: "1.0.0", Args: json.RawMessage(`{"a":`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.Trigger(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
		})
	}
	assert.Empty(t, ts.queue.on(HandleTriggeredEventQueue))
}

func TestTriggerPublishFailure(t *testing.T) {
	ts := newTestSettle(t)
	ts.queue.fail(HandleTriggeredEventQueue, errDownstream)

	event, err := ts.Trigger(context.Background(), TriggerRequest{HandlerName: "credit", HandlerVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, model.EventFailedToTrigger, event.Status)
	assert.Equal(t, errDownstream.Error(), event.LastError)

	retries := ts.queue.on(RetryToTriggerEventQueue)
	require.Len(t, retries, 1)
	var msg EventMessage
	decodeMessage(t, retries[0], &msg)
	assert.Equal(t, event.EventID, msg.EventID)
}
