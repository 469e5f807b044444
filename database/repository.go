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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/settle/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	triggeredEvent // Interface for the triggered event store
	sagaOperation  // Interface for the saga compensation ledger
	payable        // Interface for merchant payables touched by anticipations
}

// EventTransition describes a compare-and-swap move of a triggered event from
// one status to another. The status history is appended in the same statement.
type EventTransition struct {
	From              model.EventStatus
	To                model.EventStatus
	IncrementAttempts bool
	ResetAttempts     bool
	LastError         string
}

// triggeredEvent defines methods for handling triggered events.
type triggeredEvent interface {
	CreateTriggeredEvent(ctx context.Context, event *model.TriggeredEvent) error                                                    // Persists a new event
	GetTriggeredEvent(ctx context.Context, id string) (*model.TriggeredEvent, error)                                               // Retrieves an event by ID
	TransitionTriggeredEvent(ctx context.Context, id string, transition EventTransition) (*model.TriggeredEvent, error)            // Moves an event between statuses, ErrNotFound when From does not hold
	GetStaleTriggeredEvents(ctx context.Context, status model.EventStatus, before time.Time, limit int) ([]*model.TriggeredEvent, error) // Events left in a status since before
}

// sagaOperation defines methods for handling saga operations.
type sagaOperation interface {
	CreateSagaOperation(ctx context.Context, op *model.SagaOperation) error                                                                               // Persists a new operation, ErrConflict on a reused request id
	GetSagaOperation(ctx context.Context, id string) (*model.SagaOperation, error)                                                                        // Retrieves an operation by ID
	GetSagaOperationByRequestID(ctx context.Context, class model.SagaClass, requestID string) (*model.SagaOperation, error)                               // Retrieves an operation by its request id
	TransitionSagaStatus(ctx context.Context, id string, from []model.SagaStatus, to model.SagaStatus) (*model.SagaOperation, error)                       // Moves an operation between statuses, ErrNotFound when no from status holds
	SaveSagaProgress(ctx context.Context, op *model.SagaOperation) error                                                                                  // Persists step lists, counters and flags
	MarkSagaDeadLettered(ctx context.Context, id string) (bool, error)                                                                                    // Flips dead_lettered to true, reports whether this call did it
	GetStaleSagaOperations(ctx context.Context, class model.SagaClass, status model.SagaStatus, before time.Time, limit int) ([]*model.SagaOperation, error) // Unfinished operations left in a status since before
}

// payable defines methods for handling payables.
type payable interface {
	CreatePayable(ctx context.Context, p *model.Payable) error                                                  // Persists a new payable
	GetPayables(ctx context.Context, ids []string) ([]*model.Payable, error)                                    // Retrieves payables by ID
	GetPayablesByAnticipation(ctx context.Context, anticipationID string) ([]*model.Payable, error)             // Retrieves payables linked to an anticipation
	LinkPayables(ctx context.Context, anticipationID string, linked, created []*model.Payable) error            // Links existing payables with a backup and inserts new ones, atomically
	RestorePayables(ctx context.Context, anticipationID string) (restored int64, deleted int64, err error) // Restores backed-up payables and deletes the rest, atomically
}
