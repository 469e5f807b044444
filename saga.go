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
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/cache"
	"github.com/blnkfinance/settle/model"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StepFunc runs one forward step or compensation of a saga. It may update the
// operation payload; the engine persists the operation after every step.
type StepFunc func(ctx context.Context, op *model.SagaOperation) error

// SagaDefinition describes one class of saga: its forward steps, the
// compensation of each failure point and where its messages go.
type SagaDefinition struct {
	Class model.SagaClass
	Steps []string
	// FinalStep is the step after which the operation counts as completed.
	FinalStep     string
	Forward       map[string]StepFunc
	Compensations map[string]StepFunc
	// Plans maps the last failed step to the compensations to run, in order.
	Plans map[string][]string
	// FullCompensation runs when the failure point has no plan.
	FullCompensation []string
	ProcessChannel   string
	RevertChannel    string
	Config           config.SagaConfig
}

// plan returns the compensations required for the operation. completed is
// true when the saga reached its final step, so nothing has to be undone.
func (d *SagaDefinition) plan(op *model.SagaOperation) (steps []string, completed bool) {
	point := op.LastErrorPoint()
	if op.Succeeded(d.FinalStep) || point == d.FinalStep {
		return nil, true
	}
	if steps, ok := d.Plans[point]; ok {
		return steps, false
	}
	return d.FullCompensation, false
}

// finishRevert is the last compensation of every saga.
func finishRevert(_ context.Context, op *model.SagaOperation) error {
	op.Reverted = true
	return nil
}

func sagaLogger(op *model.SagaOperation) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"class":        op.Class,
		"request_id":   op.RequestID,
	})
}

// executeSaga runs the forward walk of an operation under its lock. Steps
// already in success_at are skipped, so a redelivered message resumes where
// the previous attempt stopped. A failing step fails the operation and
// schedules its revert. The lease is renewed before every step.
//
// Parameters:
// - ctx context.Context: The context for the walk.
// - def *SagaDefinition: The saga class being executed.
// - operationID string: The ID of the operation.
//
// Returns:
// - error: nil once the operation is successful, ErrInvalidPreState when it
//   was not pending or scheduled, or a TransientDownstreamError.
func (s *Settle) executeSaga(ctx context.Context, def *SagaDefinition, operationID string) error {
	ctx, span := tracer.Start(ctx, "Executing saga", trace.WithAttributes(
		attribute.String("saga.class", string(def.Class)),
		attribute.String("saga.operation_id", operationID),
	))
	defer span.End()

	lease, err := s.acquireOperationLock(ctx, def.Class, operationID)
	if err != nil {
		span.RecordError(err)
		return transient(err, false)
	}
	defer lease.release()

	op, err := s.datasource.TransitionSagaStatus(ctx, operationID,
		[]model.SagaStatus{model.SagaPending, model.SagaScheduled}, model.SagaPending)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logrus.WithField("operation_id", operationID).Debug("operation no longer pending, skipping")
			return ErrInvalidPreState
		}
		return transient(err, false)
	}

	logger := sagaLogger(op)
	for _, step := range def.Steps {
		if op.Succeeded(step) {
			continue
		}
		fn, ok := def.Forward[step]
		if !ok {
			return s.failSaga(ctx, def, op, step, fmt.Errorf("no forward action for step %s", step))
		}
		if err := lease.renew(ctx, step); err != nil {
			logger.WithError(err).WithField("step", step).Error("lease lost, stopping walk")
			return transient(err, false)
		}

		if err := fn(ctx, op); err != nil {
			s.metrics.sagaStep(ctx, string(def.Class), step, false)
			logger.WithError(err).WithField("step", step).Error("saga step failed")
			return s.failSaga(ctx, def, op, step, err)
		}

		op.RecordSuccess(step)
		if step == def.FinalStep {
			op.Status = model.SagaSuccessful
		}
		if err := s.datasource.SaveSagaProgress(ctx, op); err != nil {
			return transient(pkgerrors.Wrapf(err, "saving progress of step %s", step), false)
		}
		s.metrics.sagaStep(ctx, string(def.Class), step, true)
		logger.WithField("step", step).Debug("saga step done")
	}

	if op.Status != model.SagaSuccessful {
		op.Status = model.SagaSuccessful
		if err := s.datasource.SaveSagaProgress(ctx, op); err != nil {
			return transient(pkgerrors.Wrap(err, "saving completed operation"), false)
		}
	}

	logger.Info("saga completed")
	s.sendWebhook(ctx, getEventFromOutcome(def.Class, outcomeSuccessful), op)
	return nil
}

// failSaga records the failed step, fails the operation and publishes its
// first revert attempt.
func (s *Settle) failSaga(ctx context.Context, def *SagaDefinition, op *model.SagaOperation, step string, cause error) error {
	op.RecordError(step, cause)
	op.Status = model.SagaFailed
	if err := s.datasource.SaveSagaProgress(ctx, op); err != nil {
		return transient(pkgerrors.Wrapf(err, "recording failure of step %s", step), false)
	}

	delay := BackoffTimeout(def.Config.RevertTimeoutBase, 0)
	if err := s.queue.Publish(ctx, def.RevertChannel, OperationMessage{OperationID: op.OperationID}, delay); err != nil {
		sagaLogger(op).WithError(err).Error("failed to schedule revert, left for recovery")
	}
	return transient(cause, true)
}

// revertSaga runs one reverse walk of a failed operation.
//
// Under the operation lock it checks the pre-state (failed, not reverted, not
// dead lettered) and the revert budget, then runs the compensations planned
// for the last failure point. A failing compensation is recorded, the attempt
// is counted and the revert is republished after base**attempts seconds; once
// the budget is spent the operation is dead lettered instead.
//
// Parameters:
// - ctx context.Context: The context for the reverse walk.
// - def *SagaDefinition: The saga class being reverted.
// - operationID string: The ID of the failed operation.
//
// Returns:
// - error: nil once the operation is reverted (or found to have completed),
//   ErrInvalidPreState when it is not revertable, ErrRetryCeilingExceeded
//   when it was dead lettered, or a TransientDownstreamError.
func (s *Settle) revertSaga(ctx context.Context, def *SagaDefinition, operationID string) error {
	ctx, span := tracer.Start(ctx, "Reverting saga", trace.WithAttributes(
		attribute.String("saga.class", string(def.Class)),
		attribute.String("saga.operation_id", operationID),
	))
	defer span.End()

	lease, err := s.acquireOperationLock(ctx, def.Class, operationID)
	if err != nil {
		span.RecordError(err)
		return transient(err, false)
	}
	defer lease.release()

	op, err := s.datasource.GetSagaOperation(ctx, operationID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return err
		}
		return transient(err, false)
	}

	logger := sagaLogger(op).WithField("attempt", op.RevertAttempts)
	if !op.Revertable() {
		logger.WithField("status", op.Status).Info("operation not revertable, skipping")
		return ErrInvalidPreState
	}

	if op.RevertAttempts > def.Config.MaxRevertAttempts() {
		return s.deadLetterSaga(ctx, def, op)
	}

	steps, completed := def.plan(op)
	if completed {
		op.Status = model.SagaSuccessful
		if err := s.datasource.SaveSagaProgress(ctx, op); err != nil {
			return transient(err, false)
		}
		logger.Info("operation had completed, marked successful instead of reverting")
		s.sendWebhook(ctx, getEventFromOutcome(def.Class, outcomeSuccessful), op)
		return nil
	}

	op.TriedToRevert = true
	for _, step := range steps {
		fn, ok := def.Compensations[step]
		if !ok {
			fn = func(context.Context, *model.SagaOperation) error {
				return fmt.Errorf("no compensation for step %s", step)
			}
		}

		if err := lease.renew(ctx, step); err != nil {
			logger.WithError(err).WithField("step", step).Error("lease lost, stopping revert")
			return transient(err, false)
		}

		if err := fn(ctx, op); err != nil {
			s.metrics.sagaStep(ctx, string(def.Class), step, false)
			logger.WithError(err).WithField("step", step).Error("compensation failed")
			return s.retryRevert(ctx, def, op, step, err)
		}

		op.RecordSuccess(step)
		if err := s.datasource.SaveSagaProgress(ctx, op); err != nil {
			return transient(pkgerrors.Wrapf(err, "saving compensation %s", step), false)
		}
		s.metrics.sagaStep(ctx, string(def.Class), step, true)
	}

	s.metrics.reverted(ctx, string(def.Class))
	logger.Info("operation reverted")
	s.sendWebhook(ctx, getEventFromOutcome(def.Class, outcomeReverted), op)
	return nil
}

// retryRevert records a failed compensation and schedules the next attempt,
// or dead letters the operation once the revert budget is spent.
func (s *Settle) retryRevert(ctx context.Context, def *SagaDefinition, op *model.SagaOperation, step string, cause error) error {
	op.RecordError(step, cause)
	op.RevertAttempts++
	if err := s.datasource.SaveSagaProgress(ctx, op); err != nil {
		return transient(pkgerrors.Wrapf(err, "recording failed compensation %s", step), false)
	}

	if op.RevertAttempts > def.Config.MaxRevertAttempts() {
		return s.deadLetterSaga(ctx, def, op)
	}

	delay := BackoffTimeout(def.Config.RevertTimeoutBase, op.RevertAttempts)
	if err := s.queue.Publish(ctx, def.RevertChannel, OperationMessage{OperationID: op.OperationID}, delay); err != nil {
		return transient(errors.Join(cause, err), false)
	}
	sagaLogger(op).WithFields(logrus.Fields{"attempt": op.RevertAttempts, "delay": delay}).Warn("revert rescheduled")
	return transient(cause, true)
}

// deadLetterSaga flags the operation as dead lettered. The flag flips once,
// and only the flipping caller alerts.
func (s *Settle) deadLetterSaga(ctx context.Context, def *SagaDefinition, op *model.SagaOperation) error {
	marked, err := s.datasource.MarkSagaDeadLettered(ctx, op.OperationID)
	if err != nil {
		return transient(err, false)
	}
	op.DeadLettered = true

	cause := fmt.Errorf("%w: %d revert attempts for %s %s", ErrRetryCeilingExceeded, op.RevertAttempts, def.Class, op.OperationID)
	if !marked {
		return cause
	}

	lastErr := cause
	if n := len(op.CapturedErrors); n > 0 {
		lastErr = fmt.Errorf("%w, last error at %s: %s", cause, op.LastErrorPoint(), op.CapturedErrors[n-1])
	}
	if err := s.sendDeadLetter(ctx, deadLetter{
		Entity:   string(def.Class),
		EntityID: op.OperationID,
		Attempts: op.RevertAttempts,
		Cause:    lastErr,
	}); err != nil {
		sagaLogger(op).WithError(err).Error("dead letter not delivered")
	}
	s.sendWebhook(ctx, getEventFromOutcome(def.Class, outcomeDeadLettered), op)
	return cause
}

// getSagaOperation loads an operation and checks it belongs to class.
func (s *Settle) getSagaOperation(ctx context.Context, class model.SagaClass, operationID string) (*model.SagaOperation, error) {
	op, err := s.datasource.GetSagaOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Class != class {
		return nil, fmt.Errorf("operation %s is a %s, not a %s: %w", operationID, op.Class, class, database.ErrNotFound)
	}
	return op, nil
}

func (s *Settle) sagaDefinition(class model.SagaClass) (*SagaDefinition, error) {
	switch class {
	case model.SagaWalletTransfer:
		return s.walletTransfer, nil
	case model.SagaAnticipation:
		return s.anticipation, nil
	default:
		return nil, fmt.Errorf("unknown saga class %q", class)
	}
}

// idempotencyTTL is how long a request id stays in the cache. The unique
// index on (class, request_id) still catches replays after it expires.
const idempotencyTTL = 24 * time.Hour

func idempotencyKey(class model.SagaClass, requestID string) string {
	return fmt.Sprintf("idempotency:%s:%s", class, requestID)
}

// createSagaOperation persists a new operation for requestID and publishes its
// forward walk. A request id seen before returns the existing operation
// instead, without publishing again.
//
// Parameters:
// - ctx context.Context: The context for the lookup, insert and publish.
// - def *SagaDefinition: The saga class of the operation.
// - requestID string: The caller's idempotency key.
// - payload interface{}: The class specific payload, stored as JSON.
// - scheduledFor *time.Time: When set in the future, the operation starts scheduled.
//
// Returns:
// - *model.SagaOperation: The new or existing operation.
// - error: An error if the operation could not be stored.
func (s *Settle) createSagaOperation(ctx context.Context, def *SagaDefinition, requestID string, payload interface{}, scheduledFor *time.Time) (*model.SagaOperation, error) {
	if existing, err := s.findByRequestID(ctx, def.Class, requestID); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	op := &model.SagaOperation{
		Class:        def.Class,
		RequestID:    requestID,
		Status:       model.SagaPending,
		StepsDefined: def.Steps,
	}
	var delay time.Duration
	if scheduledFor != nil && scheduledFor.After(time.Now()) {
		at := scheduledFor.UTC()
		op.Status = model.SagaScheduled
		op.ScheduledFor = &at
		delay = time.Until(at)
	}
	if err := op.EncodePayload(payload); err != nil {
		return nil, err
	}

	if err := s.datasource.CreateSagaOperation(ctx, op); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return s.datasource.GetSagaOperationByRequestID(ctx, def.Class, requestID)
		}
		return nil, err
	}
	if err := s.cache.Set(ctx, idempotencyKey(def.Class, requestID), op.OperationID, idempotencyTTL); err != nil {
		logrus.WithError(err).WithField("request_id", requestID).Warn("failed to cache request id")
	}

	if err := s.queue.Publish(ctx, def.ProcessChannel, OperationMessage{OperationID: op.OperationID}, delay); err != nil {
		sagaLogger(op).WithError(err).Error("failed to publish operation, left for recovery")
	}
	sagaLogger(op).WithField("status", op.Status).Info("operation created")
	return op, nil
}

// findByRequestID looks the request id up in the cache first, then in the
// database.
func (s *Settle) findByRequestID(ctx context.Context, class model.SagaClass, requestID string) (*model.SagaOperation, error) {
	var operationID string
	err := s.cache.Get(ctx, idempotencyKey(class, requestID), &operationID)
	if err == nil && operationID != "" {
		op, err := s.datasource.GetSagaOperation(ctx, operationID)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	} else if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		logrus.WithError(err).Warn("idempotency cache unavailable, falling back to database")
	}
	return s.datasource.GetSagaOperationByRequestID(ctx, class, requestID)
}
