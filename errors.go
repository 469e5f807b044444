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
	"errors"
	"fmt"

	"github.com/blnkfinance/settle/database"
	"github.com/hibiken/asynq"
)

var (
	// ErrAlreadyClaimed means the entity was not in the status the transition
	// expected. Another worker got there first, so the message is dropped.
	ErrAlreadyClaimed = errors.New("already claimed or not in the expected status")
	// ErrVersionMismatch means the registered handler does not satisfy the
	// version contract recorded on the event.
	ErrVersionMismatch = errors.New("handler version does not satisfy event contract")
	// ErrHandlerNotFound means no handler is registered under the event's handler name.
	ErrHandlerNotFound = errors.New("handler not registered")
	// ErrRetryCeilingExceeded means the retry or revert budget is spent.
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")
	// ErrInvalidPreState means a saga is not in the status an operation requires.
	ErrInvalidPreState = errors.New("operation is not in the expected pre-state")
)

// TransientDownstreamError is the default bucket: the failure may go away on
// its own. Rescheduled is set once the work has been handed back to the
// scheduler (a delayed republish or the recovery sweeper), in which case the
// broker must not redeliver the message as well.
type TransientDownstreamError struct {
	Err         error
	Rescheduled bool
}

func (e *TransientDownstreamError) Error() string {
	if e.Rescheduled {
		return fmt.Sprintf("transient failure, rescheduled: %v", e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientDownstreamError) Unwrap() error {
	return e.Err
}

func transient(err error, rescheduled bool) error {
	return &TransientDownstreamError{Err: err, Rescheduled: rescheduled}
}

// ErrorKind tells a consumer what to do with a message whose processing failed.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindDrop
	KindTerminal
	KindRetry
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDrop:
		return "drop"
	case KindTerminal:
		return "terminal"
	default:
		return "retry"
	}
}

// Classify maps an error returned by the dispatcher, the retry scheduler or
// the saga engine onto the action its consumer must take.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrInvalidPreState), errors.Is(err, database.ErrNotFound):
		return KindDrop
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrHandlerNotFound), errors.Is(err, ErrRetryCeilingExceeded):
		return KindTerminal
	default:
		return KindRetry
	}
}

// taskError converts an engine error into what an asynq handler returns.
// Only retryable failures that were not rescheduled go back to the broker.
// Terminal failures are archived so they stay visible in the monitoring UI.
func taskError(err error) error {
	switch Classify(err) {
	case KindRetry:
		var t *TransientDownstreamError
		if errors.As(err, &t) && t.Rescheduled {
			return nil
		}
		return err
	case KindTerminal:
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return nil
	}
}
