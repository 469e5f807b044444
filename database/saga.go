package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sagaColumns = `operation_id, class, request_id, status, steps_defined, success_at, error_at, captured_errors,
	revert_attempts, reverted, tried_to_revert, dead_lettered, payload, scheduled_for, created_at, updated_at`

func scanSagaOperation(row scanner) (*model.SagaOperation, error) {
	op := model.SagaOperation{}
	var (
		class, status string
		payload       []byte
		scheduledFor  sql.NullTime
	)
	err := row.Scan(
		&op.OperationID, &class, &op.RequestID, &status,
		pq.Array(&op.StepsDefined), pq.Array(&op.SuccessAt), pq.Array(&op.ErrorAt), pq.Array(&op.CapturedErrors),
		&op.RevertAttempts, &op.Reverted, &op.TriedToRevert, &op.DeadLettered,
		&payload, &scheduledFor, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Class = model.SagaClass(class)
	op.Status = model.SagaStatus(status)
	op.Payload = payload
	if scheduledFor.Valid {
		t := scheduledFor.Time
		op.ScheduledFor = &t
	}
	return &op, nil
}

func (d Datasource) CreateSagaOperation(ctx context.Context, op *model.SagaOperation) error {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Saving saga operation to db",
		trace.WithAttributes(attribute.String("saga.class", string(op.Class))))
	defer span.End()

	if op.OperationID == "" {
		op.OperationID = model.GenerateUUIDWithSuffix(string(op.Class))
	}
	if len(op.Payload) == 0 {
		op.Payload = []byte("{}")
	}
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now

	var scheduledFor interface{}
	if op.ScheduledFor != nil {
		scheduledFor = *op.ScheduledFor
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.saga_operations (operation_id, class, request_id, status, steps_defined, success_at, error_at, captured_errors, revert_attempts, reverted, tried_to_revert, dead_lettered, payload, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, op.OperationID, string(op.Class), op.RequestID, string(op.Status),
		pq.Array(nonNil(op.StepsDefined)), pq.Array(nonNil(op.SuccessAt)), pq.Array(nonNil(op.ErrorAt)), pq.Array(nonNil(op.CapturedErrors)),
		op.RevertAttempts, op.Reverted, op.TriedToRevert, op.DeadLettered,
		[]byte(op.Payload), scheduledFor, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Saga operation with this request ID already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save saga operation", err)
	}
	return nil
}

func (d Datasource) GetSagaOperation(ctx context.Context, id string) (*model.SagaOperation, error) {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Fetching saga operation from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM settle.saga_operations
		WHERE operation_id = $1
	`, id)
	return d.sagaFromRow(row, span)
}

func (d Datasource) GetSagaOperationByRequestID(ctx context.Context, class model.SagaClass, requestID string) (*model.SagaOperation, error) {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Fetching saga operation by request id")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+sagaColumns+`
		FROM settle.saga_operations
		WHERE class = $1 AND request_id = $2
	`, string(class), requestID)
	return d.sagaFromRow(row, span)
}

// TransitionSagaStatus is the compare-and-swap used to claim an operation,
// e.g. scheduled -> pending before a forward walk or scheduled -> canceled.
func (d Datasource) TransitionSagaStatus(ctx context.Context, id string, from []model.SagaStatus, to model.SagaStatus) (*model.SagaOperation, error) {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Transitioning saga operation")
	defer span.End()

	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE settle.saga_operations
		SET status = $2, updated_at = NOW()
		WHERE operation_id = $1 AND status = ANY($3)
		RETURNING `+sagaColumns,
		id, string(to), pq.Array(expected))
	return d.sagaFromRow(row, span)
}

// SaveSagaProgress writes back everything a walk mutates. Callers hold the
// operation lock.
func (d Datasource) SaveSagaProgress(ctx context.Context, op *model.SagaOperation) error {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Saving saga progress")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.saga_operations
		SET status = $2, success_at = $3, error_at = $4, captured_errors = $5, revert_attempts = $6,
			reverted = $7, tried_to_revert = $8, payload = $9, updated_at = NOW()
		WHERE operation_id = $1
	`, op.OperationID, string(op.Status), pq.Array(nonNil(op.SuccessAt)), pq.Array(nonNil(op.ErrorAt)),
		pq.Array(nonNil(op.CapturedErrors)), op.RevertAttempts, op.Reverted, op.TriedToRevert, []byte(op.Payload))
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save saga progress", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Saga operation not found", nil)
	}
	op.UpdatedAt = time.Now()
	return nil
}

// MarkSagaDeadLettered flips dead_lettered from false to true. Only the caller
// that performs the flip gets true, so only it raises the alert.
func (d Datasource) MarkSagaDeadLettered(ctx context.Context, id string) (bool, error) {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Dead lettering saga operation")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settle.saga_operations
		SET dead_lettered = TRUE, updated_at = NOW()
		WHERE operation_id = $1 AND dead_lettered = FALSE
	`, id)
	if err != nil {
		span.RecordError(err)
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to dead letter saga operation", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

func (d Datasource) GetStaleSagaOperations(ctx context.Context, class model.SagaClass, status model.SagaStatus, before time.Time, limit int) ([]*model.SagaOperation, error) {
	ctx, span := otel.Tracer("Saga operations").Start(ctx, "Fetching stale saga operations")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM settle.saga_operations
		WHERE class = $1 AND status = $2 AND reverted = FALSE AND dead_lettered = FALSE AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, string(class), string(status), before, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stale saga operations", err)
	}
	defer rows.Close()

	ops := []*model.SagaOperation{}
	for rows.Next() {
		op, err := scanSagaOperation(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan saga operation", err)
		}
		ops = append(ops, op)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over saga operations", err)
	}
	return ops, nil
}

func (d Datasource) sagaFromRow(row *sql.Row, span trace.Span) (*model.SagaOperation, error) {
	op, err := scanSagaOperation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Saga operation not found", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve saga operation", err)
	}
	return op, nil
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
