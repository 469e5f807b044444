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
	"errors"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
)

// TriggerRequest asks for a handler to be run asynchronously with Args.
type TriggerRequest struct {
	HandlerName    string             `json:"handler_name"`
	HandlerVersion string             `json:"handler_version"`
	Match          model.VersionMatch `json:"match"`
	Args           json.RawMessage    `json:"args"`
	OperationID    string             `json:"operation_id,omitempty"`
}

func (r *TriggerRequest) ValidateTriggerRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.HandlerName, validation.Required),
		validation.Field(&r.HandlerVersion, validation.Required),
		validation.Field(&r.Match, validation.In(model.MatchExact, model.MatchNot, model.MatchMinimum)),
		validation.Field(&r.Args, validation.By(func(value interface{}) error {
			args, _ := value.(json.RawMessage)
			if len(args) > 0 && !json.Valid(args) {
				return errors.New("must be valid JSON")
			}
			return nil
		})),
	)
}

// Trigger persists a new event in TRIGGERED and publishes it for dispatch. A
// failed publish leaves the event in FAILED_TO_TRIGGER with a retry queued;
// the event is still returned since it is persisted.
func (s *Settle) Trigger(ctx context.Context, req TriggerRequest) (*model.TriggeredEvent, error) {
	ctx, span := tracer.Start(ctx, "Triggering event")
	defer span.End()

	if err := req.ValidateTriggerRequest(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if req.Match == "" {
		req.Match = model.MatchExact
	}
	if len(req.Args) == 0 {
		req.Args = json.RawMessage(`{}`)
	}

	event := &model.TriggeredEvent{
		EventID:     model.GenerateUUIDWithSuffix("event"),
		Handler:     model.HandlerRef{Name: req.HandlerName, Match: req.Match, Version: req.HandlerVersion},
		Args:        req.Args,
		OperationID: req.OperationID,
	}
	if err := s.datasource.CreateTriggeredEvent(ctx, event); err != nil {
		span.RecordError(err)
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{"event_id": event.EventID, "handler": event.Handler.Name})

	publishErr := s.queue.Publish(ctx, HandleTriggeredEventQueue, EventMessage{EventID: event.EventID}, 0)
	if publishErr == nil {
		logger.Info("event triggered")
		return event, nil
	}

	span.RecordError(publishErr)
	logger.WithError(publishErr).Warn("failed to publish event, scheduling trigger retry")

	failed, err := s.datasource.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
		From:      model.EventTriggered,
		To:        model.EventFailedToTrigger,
		LastError: publishErr.Error(),
	})
	if err != nil {
		// the recovery sweeper republishes events left in TRIGGERED
		logger.WithError(err).Error("failed to record trigger failure")
		return event, nil
	}
	if err := s.queue.Publish(ctx, RetryToTriggerEventQueue, EventMessage{EventID: event.EventID}, 0); err != nil {
		logger.WithError(err).Error("failed to publish trigger retry, left for recovery")
	}
	return failed, nil
}

// GetTriggeredEvent returns an event with its full status history.
func (s *Settle) GetTriggeredEvent(ctx context.Context, eventID string) (*model.TriggeredEvent, error) {
	return s.datasource.GetTriggeredEvent(ctx, eventID)
}
