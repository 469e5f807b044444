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
)

const triggeredEventColumns = `event_id, handler_name, handler_match, handler_version, status, status_history,
	retry_attempts, args, operation_id, last_error, created_at, updated_at`

func scanTriggeredEvent(row scanner) (*model.TriggeredEvent, error) {
	event := model.TriggeredEvent{}
	var (
		match, status, operationID, lastError string
		history                               []string
		args                                  []byte
	)
	err := row.Scan(
		&event.EventID, &event.Handler.Name, &match, &event.Handler.Version, &status, pq.Array(&history),
		&event.RetryAttempts, &args, &operationID, &lastError, &event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Handler.Match = model.VersionMatch(match)
	event.Status = model.EventStatus(status)
	event.StatusHistory = model.ParseStatuses(history)
	event.Args = args
	event.OperationID = operationID
	event.LastError = lastError
	return &event, nil
}

// CreateTriggeredEvent persists an event. The status history is seeded with
// the initial status.
func (d Datasource) CreateTriggeredEvent(ctx context.Context, event *model.TriggeredEvent) error {
	ctx, span := otel.Tracer("Triggered events").Start(ctx, "Saving triggered event to db")
	defer span.End()

	if event.Status == "" {
		event.Status = model.EventTriggered
	}
	if len(event.StatusHistory) == 0 {
		event.StatusHistory = []model.EventStatus{event.Status}
	}
	if len(event.Args) == 0 {
		event.Args = []byte("{}")
	}
	now := time.Now()
	event.CreatedAt = now
	event.UpdatedAt = now

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settle.triggered_events (event_id, handler_name, handler_match, handler_version, status, status_history, retry_attempts, args, operation_id, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, event.EventID, event.Handler.Name, string(event.Handler.Match), event.Handler.Version, string(event.Status),
		pq.Array(model.StatusStrings(event.StatusHistory)), event.RetryAttempts, []byte(event.Args), event.OperationID,
		event.LastError, event.CreatedAt, event.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Triggered event with this ID already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save triggered event", err)
	}
	return nil
}

func (d Datasource) GetTriggeredEvent(ctx context.Context, id string) (*model.TriggeredEvent, error) {
	ctx, span := otel.Tracer("Triggered events").Start(ctx, "Fetching triggered event from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+triggeredEventColumns+`
		FROM settle.triggered_events
		WHERE event_id = $1
	`, id)

	event, err := scanTriggeredEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Triggered event not found", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve triggered event", err)
	}
	return event, nil
}

// TransitionTriggeredEvent moves an event from transition.From to
// transition.To in a single conditional UPDATE. When the event is not in
// transition.From no row matches and ErrNotFound is returned, which makes the
// update a claim: of two concurrent callers exactly one wins.
func (d Datasource) TransitionTriggeredEvent(ctx context.Context, id string, transition EventTransition) (*model.TriggeredEvent, error) {
	ctx, span := otel.Tracer("Triggered events").Start(ctx, "Transitioning triggered event")
	defer span.End()

	increment := 0
	if transition.IncrementAttempts {
		increment = 1
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE settle.triggered_events
		SET status = $3::text,
			status_history = array_append(status_history, $3::text),
			retry_attempts = CASE WHEN $5 THEN 0 ELSE retry_attempts + $4 END,
			last_error = CASE WHEN $6 = '' THEN last_error ELSE $6 END,
			updated_at = NOW()
		WHERE event_id = $1 AND status = $2
		RETURNING `+triggeredEventColumns,
		id, string(transition.From), string(transition.To), increment, transition.ResetAttempts, transition.LastError)

	event, err := scanTriggeredEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Triggered event not found in expected status", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition triggered event", err)
	}
	return event, nil
}

func (d Datasource) GetStaleTriggeredEvents(ctx context.Context, status model.EventStatus, before time.Time, limit int) ([]*model.TriggeredEvent, error) {
	ctx, span := otel.Tracer("Triggered events").Start(ctx, "Fetching stale triggered events")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+triggeredEventColumns+`
		FROM settle.triggered_events
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(status), before, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stale triggered events", err)
	}
	defer rows.Close()

	events := []*model.TriggeredEvent{}
	for rows.Next() {
		event, err := scanTriggeredEvent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan triggered event", err)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over triggered events", err)
	}
	return events, nil
}
