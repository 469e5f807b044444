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
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// MaxBackoff caps a single retry delay.
const MaxBackoff = 24 * time.Hour

// BackoffTimeout returns base**attempts seconds, capped at MaxBackoff. For a
// base of at least 1 it never decreases as attempts grow.
func BackoffTimeout(base float64, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	seconds := math.Pow(base, float64(attempts))
	if math.IsNaN(seconds) || seconds < 0 {
		return 0
	}
	if math.IsInf(seconds, 1) || seconds >= MaxBackoff.Seconds() {
		return MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// RetryEvent re-enqueues an event whose handling failed. It moves the event
// FAILED_TO_HANDLE -> TRIGGERED, counts the attempt and schedules a dispatch
// after the backoff delay. Past the retry ceiling the event fails for good.
func (s *Settle) RetryEvent(ctx context.Context, eventID string) error {
	return s.retry(ctx, eventID, model.EventFailedToHandle, RetryTriggeredEventQueue)
}

// RetryToTrigger is RetryEvent for the enqueue phase: it picks up events whose
// first publish failed (FAILED_TO_TRIGGER).
func (s *Settle) RetryToTrigger(ctx context.Context, eventID string) error {
	return s.retry(ctx, eventID, model.EventFailedToTrigger, RetryToTriggerEventQueue)
}

func (s *Settle) retry(ctx context.Context, eventID string, from model.EventStatus, retryChannel string) error {
	ctx, span := tracer.Start(ctx, "Retrying triggered event")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", eventID), attribute.String("event.from", string(from)))

	event, err := s.datasource.TransitionTriggeredEvent(ctx, eventID, database.EventTransition{
		From:              from,
		To:                model.EventTriggered,
		IncrementAttempts: true,
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logrus.WithField("event_id", eventID).Debug("retry skipped, event not in ", from)
			return ErrAlreadyClaimed
		}
		span.RecordError(err)
		return transient(err, false)
	}

	logger := logrus.WithFields(logrus.Fields{"event_id": eventID, "attempt": event.RetryAttempts})

	if event.RetryAttempts > s.config.Events.MaxRetries() {
		return s.failEvent(ctx, event, fmt.Errorf("%w: %d of %d retries used", ErrRetryCeilingExceeded,
			event.RetryAttempts, s.config.Events.MaxRetries()))
	}

	delay := BackoffTimeout(s.config.Events.RetryTimeoutBase, event.RetryAttempts)
	if err := s.queue.Publish(ctx, HandleTriggeredEventQueue, EventMessage{EventID: eventID}, delay); err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("failed to schedule dispatch, requeueing retry")
		return s.requeueRetry(ctx, event, from, retryChannel, err)
	}

	s.metrics.retryScheduled(ctx, string(from))
	logger.WithField("delay", delay).Info("dispatch scheduled")
	return nil
}

// requeueRetry moves the event back into the failed status it came from and
// resubmits it to its retry channel.
func (s *Settle) requeueRetry(ctx context.Context, event *model.TriggeredEvent, failed model.EventStatus, retryChannel string, cause error) error {
	_, err := s.datasource.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
		From:      model.EventTriggered,
		To:        failed,
		LastError: cause.Error(),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrAlreadyClaimed
		}
		return transient(err, false)
	}
	if err := s.queue.Publish(ctx, retryChannel, EventMessage{EventID: event.EventID}, 0); err != nil {
		return transient(errors.Join(cause, err), false)
	}
	return transient(cause, true)
}

// failEvent moves an event into FAILED. Only the caller whose transition
// succeeds raises the dead letter, so an event alerts once.
func (s *Settle) failEvent(ctx context.Context, event *model.TriggeredEvent, cause error) error {
	failed, err := s.datasource.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
		From:      event.Status,
		To:        model.EventFailed,
		LastError: cause.Error(),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrAlreadyClaimed
		}
		return transient(err, false)
	}

	s.metrics.eventFailed(ctx, failed.Handler.Name)
	if err := s.sendDeadLetter(ctx, deadLetter{
		Entity:   "triggered_event",
		EntityID: failed.EventID,
		Handler:  failed.Handler.Name,
		Attempts: failed.RetryAttempts,
		Cause:    cause,
	}); err != nil {
		logrus.WithError(err).WithField("event_id", failed.EventID).Error("dead letter not delivered")
	}
	s.sendWebhook(ctx, "event.failed", failed)
	return cause
}
