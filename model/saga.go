package model

import (
	"encoding/json"
	"time"
)

// SagaClass identifies the saga definition an operation belongs to.
type SagaClass string

const (
	SagaWalletTransfer SagaClass = "wallet_transfer"
	SagaAnticipation   SagaClass = "anticipation"
)

type SagaStatus string

const (
	SagaPending    SagaStatus = "pending"
	SagaScheduled  SagaStatus = "scheduled"
	SagaSuccessful SagaStatus = "successful"
	SagaFailed     SagaStatus = "failed"
	SagaCanceled   SagaStatus = "canceled"
)

// SagaOperation is the persisted compensation ledger of one saga run.
//
// SuccessAt and ErrorAt are append-only. The last entry of ErrorAt is the
// resume point of the next revert attempt.
type SagaOperation struct {
	OperationID    string          `json:"operation_id"`
	Class          SagaClass       `json:"class"`
	RequestID      string          `json:"request_id"`
	Status         SagaStatus      `json:"status"`
	StepsDefined   []string        `json:"steps_defined"`
	SuccessAt      []string        `json:"success_at"`
	ErrorAt        []string        `json:"error_at"`
	CapturedErrors []string        `json:"captured_errors"`
	RevertAttempts int             `json:"revert_attempts"`
	Reverted       bool            `json:"reverted"`
	TriedToRevert  bool            `json:"tried_to_revert"`
	DeadLettered   bool            `json:"dead_lettered"`
	Payload        json.RawMessage `json:"payload"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LastErrorPoint returns the most recent step that failed, or "" when no step
// has failed yet.
func (op *SagaOperation) LastErrorPoint() string {
	if len(op.ErrorAt) == 0 {
		return ""
	}
	return op.ErrorAt[len(op.ErrorAt)-1]
}

// Succeeded reports whether the step has been recorded as successful.
func (op *SagaOperation) Succeeded(step string) bool {
	return contains(op.SuccessAt, step)
}

func (op *SagaOperation) RecordSuccess(step string) {
	op.SuccessAt = append(op.SuccessAt, step)
}

// RecordError appends the step to ErrorAt and its error message to
// CapturedErrors, keeping both lists aligned.
func (op *SagaOperation) RecordError(step string, err error) {
	op.ErrorAt = append(op.ErrorAt, step)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	op.CapturedErrors = append(op.CapturedErrors, msg)
}

// Revertable reports whether the operation passes the pre-state check of a
// revert attempt.
func (op *SagaOperation) Revertable() bool {
	return op.Status == SagaFailed && !op.Reverted && !op.DeadLettered
}

// DecodePayload unmarshals the class specific payload into v.
func (op *SagaOperation) DecodePayload(v interface{}) error {
	if len(op.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(op.Payload, v)
}

// EncodePayload replaces the payload with the JSON encoding of v.
func (op *SagaOperation) EncodePayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	op.Payload = data
	return nil
}
