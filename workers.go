/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/settle/internal/notification"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// RegisterTaskHandlers binds every channel to its consumer on mux.
func (s *Settle) RegisterTaskHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(HandleTriggeredEventQueue, eventTask(s.Dispatch))
	mux.HandleFunc(RetryTriggeredEventQueue, eventTask(s.RetryEvent))
	mux.HandleFunc(RetryToTriggerEventQueue, eventTask(s.RetryToTrigger))
	mux.HandleFunc(ProcessWalletTransferQueue, operationTask(s.ProcessWalletTransfer))
	mux.HandleFunc(RevertWalletTransferQueue, operationTask(s.RevertWalletTransfer))
	mux.HandleFunc(ProcessAnticipationQueue, operationTask(s.ProcessAnticipation))
	mux.HandleFunc(RevertAnticipationQueue, operationTask(s.RevertAnticipation))
	mux.HandleFunc(SlackerQueue, s.processSlackerTask)
	mux.HandleFunc(WebhookQueue, s.processWebhookTask)
}

// decodeTask unmarshals a task payload. A payload that cannot be decoded will
// never succeed, so it is archived instead of retried.
func decodeTask(t *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		logrus.WithError(err).WithField("type", t.Type()).Error("malformed task payload")
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

func eventTask(fn func(ctx context.Context, eventID string) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg EventMessage
		if err := decodeTask(t, &msg); err != nil {
			return err
		}
		if msg.EventID == "" {
			return fmt.Errorf("%s task without event id: %w", t.Type(), asynq.SkipRetry)
		}
		err := fn(ctx, msg.EventID)
		logTaskOutcome(t.Type(), msg.EventID, err)
		return taskError(err)
	}
}

func operationTask(fn func(ctx context.Context, operationID string) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg OperationMessage
		if err := decodeTask(t, &msg); err != nil {
			return err
		}
		if msg.OperationID == "" {
			return fmt.Errorf("%s task without operation id: %w", t.Type(), asynq.SkipRetry)
		}
		err := fn(ctx, msg.OperationID)
		logTaskOutcome(t.Type(), msg.OperationID, err)
		return taskError(err)
	}
}

func logTaskOutcome(channel, id string, err error) {
	entry := logrus.WithFields(logrus.Fields{"channel": channel, "id": id})
	switch kind := Classify(err); kind {
	case KindNone:
		entry.Debug("task processed")
	case KindDrop:
		entry.WithError(err).Debug("task dropped")
	default:
		entry.WithError(err).WithField("kind", kind).Warn("task failed")
	}
}

func (s *Settle) processSlackerTask(ctx context.Context, t *asynq.Task) error {
	var msg notification.SlackMessage
	if err := decodeTask(t, &msg); err != nil {
		return err
	}
	return s.ProcessSlackAlert(ctx, msg)
}

func (s *Settle) processWebhookTask(ctx context.Context, t *asynq.Task) error {
	var hook NewWebhook
	if err := decodeTask(t, &hook); err != nil {
		return err
	}
	return s.ProcessWebhook(ctx, hook)
}
