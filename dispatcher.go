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
	"fmt"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatch claims a triggered event and runs its handler.
//
// The claim is the TRIGGERED -> IN_PROGRESS compare-and-swap: of several
// workers receiving the same message only one wins, the others get
// ErrAlreadyClaimed. Unknown handlers, broken version contracts and a spent
// retry budget fail the event terminally. A handler error either completes
// the event anyway (suppress_handler_errors) or hands it to the retry
// scheduler.
//
// Parameters:
// - ctx context.Context: The context for the dispatch.
// - eventID string: The ID of the triggered event to dispatch.
//
// Returns:
// - error: nil once the event is HANDLED. Otherwise an error that Classify
//   sorts into Drop (already claimed), Terminal (event FAILED) or Retry
//   (event FAILED_TO_HANDLE and resubmitted).
func (s *Settle) Dispatch(ctx context.Context, eventID string) error {
	ctx, span := tracer.Start(ctx, "Dispatching triggered event")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", eventID))

	event, err := s.datasource.TransitionTriggeredEvent(ctx, eventID, database.EventTransition{
		From: model.EventTriggered,
		To:   model.EventInProgress,
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logrus.WithField("event_id", eventID).Debug("event already claimed")
			return ErrAlreadyClaimed
		}
		span.RecordError(err)
		return transient(err, false)
	}
	s.metrics.eventDispatched(ctx, event.Handler.Name)

	logger := logrus.WithFields(logrus.Fields{
		"event_id": eventID,
		"handler":  event.Handler.Name,
		"attempt":  event.RetryAttempts,
	})

	if event.RetryAttempts > s.config.Events.MaxRetries() {
		return s.failEvent(ctx, event, fmt.Errorf("%w: %d of %d retries used", ErrRetryCeilingExceeded,
			event.RetryAttempts, s.config.Events.MaxRetries()))
	}

	handler, err := s.handlers.Resolve(event.Handler)
	if err != nil {
		logger.WithError(err).Error("cannot resolve handler")
		return s.failEvent(ctx, event, err)
	}

	handleErr := invokeHandler(ctx, handler, event.Args)
	if handleErr != nil {
		span.RecordError(handleErr)
		if !s.config.Events.SuppressErrors() {
			logger.WithError(handleErr).Warn("handler failed, scheduling retry")
			return s.failHandling(ctx, event, handleErr)
		}
		logger.WithError(handleErr).Warn("handler failed, error suppressed")
	}

	lastError := ""
	if handleErr != nil {
		lastError = handleErr.Error()
	}
	if _, err := s.datasource.TransitionTriggeredEvent(ctx, eventID, database.EventTransition{
		From:          model.EventInProgress,
		To:            model.EventHandled,
		ResetAttempts: true,
		LastError:     lastError,
	}); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrAlreadyClaimed
		}
		logger.WithError(err).Error("failed to mark event handled")
		return s.failHandling(ctx, event, err)
	}

	s.metrics.eventHandled(ctx, event.Handler.Name, handleErr != nil)
	logger.Info("event handled")
	return nil
}

// failHandling moves a claimed event to FAILED_TO_HANDLE and submits it to
// the retry channel.
//
// Parameters:
// - ctx context.Context: The context for the transition and publish.
// - event *model.TriggeredEvent: The claimed event.
// - cause error: The handler error, stored as last_error.
//
// Returns:
// - error: cause wrapped as a TransientDownstreamError, marked rescheduled
//   when the retry message was published.
func (s *Settle) failHandling(ctx context.Context, event *model.TriggeredEvent, cause error) error {
	_, err := s.datasource.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
		From:      model.EventInProgress,
		To:        model.EventFailedToHandle,
		LastError: cause.Error(),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrAlreadyClaimed
		}
		// the recovery sweeper releases events stuck IN_PROGRESS
		return transient(errors.Join(cause, err), true)
	}

	if err := s.queue.Publish(ctx, RetryTriggeredEventQueue, EventMessage{EventID: event.EventID}, 0); err != nil {
		logrus.WithError(err).WithField("event_id", event.EventID).Error("failed to publish retry, left for recovery")
		return transient(errors.Join(cause, err), true)
	}
	return transient(cause, true)
}

// invokeHandler runs the handler and turns a panic into an error.
func invokeHandler(ctx context.Context, handler Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, args)
}
