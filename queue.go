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
	"time"

	"github.com/blnkfinance/settle/config"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Channel names are part of the operational contract with other services.
const (
	HandleTriggeredEventQueue  = "HandleTriggeredEvent"
	RetryTriggeredEventQueue   = "RetryTriggeredEvent"
	RetryToTriggerEventQueue   = "RetryToTriggerEvent"
	SlackerQueue               = "Slacker"
	ProcessWalletTransferQueue = "ProcessWalletTransfer"
	RevertWalletTransferQueue  = "RevertWalletTransfer"
	ProcessAnticipationQueue   = "ProcessAnticipation"
	RevertAnticipationQueue    = "RevertAnticipation"
	WebhookQueue               = "Webhook"
)

// brokerMaxRetry bounds redelivery of messages the engine did not reschedule
// itself, e.g. when the database was unreachable before a claim.
const brokerMaxRetry = 5

// EventMessage is the payload of the triggered event channels.
type EventMessage struct {
	EventID string `json:"event_id"`
}

// OperationMessage is the payload of the saga channels.
type OperationMessage struct {
	OperationID string `json:"operation_id"`
}

// Publisher sends a JSON payload to a named channel, optionally delayed.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}, delay time.Duration) error
}

// Queue is the asynq backed Publisher. Every channel is its own asynq queue,
// so workers can weight them independently. The Inspector is kept next to
// the client for operators and tests that look at pending and scheduled tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

var _ Publisher = (*Queue)(nil)

// NewQueue initializes a Queue against the configured Redis.
//
// Parameters:
// - conf *config.Configuration: The configuration holding the Redis DNS and TLS settings.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis URL could not be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return NewQueueWithConnOpt(opt), nil
}

// NewQueueWithConnOpt builds a Queue from an asynq connection option. Tests
// use it to point the queue at miniredis.
//
// Parameters:
// - opt asynq.RedisConnOpt: The Redis connection the client and inspector share.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueueWithConnOpt(opt asynq.RedisConnOpt) *Queue {
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
	}
}

// Publish enqueues payload on channel. A positive delay schedules the task
// instead of making it immediately available. Tasks carry brokerMaxRetry, so
// a failure the engine did not reschedule itself is redelivered a few times.
//
// Parameters:
// - ctx context.Context: The context for the enqueue call.
// - channel string: The channel, used both as the asynq task type and queue name.
// - payload interface{}: The message, encoded as JSON.
// - delay time.Duration: How long asynq holds the task before it becomes ready.
//
// Returns:
// - error: An error if the payload could not be encoded or the task could not be enqueued.
func (q *Queue) Publish(ctx context.Context, channel string, payload interface{}, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Publishing to "+channel)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{asynq.Queue(channel), asynq.MaxRetry(brokerMaxRetry)}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}

	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(channel, data, taskOptions...))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue %s: %w", channel, err)
	}
	logrus.WithFields(logrus.Fields{"channel": channel, "task_id": info.ID, "delay": delay}).Debug("task enqueued")
	return nil
}

// Close releases the client and inspector connections.
//
// Returns:
// - error: The first error returned while closing.
func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// Queues returns the asynq queue weights the workers consume with. Dead
// letters and reverts move money back or alert a human, so they come first.
//
// Returns:
// - map[string]int: The queue name to priority weight map for asynq.Config.
func Queues() map[string]int {
	return map[string]int{
		SlackerQueue:               6,
		RevertWalletTransferQueue:  5,
		RevertAnticipationQueue:    5,
		HandleTriggeredEventQueue:  3,
		ProcessWalletTransferQueue: 3,
		ProcessAnticipationQueue:   3,
		RetryTriggeredEventQueue:   2,
		RetryToTriggerEventQueue:   2,
		WebhookQueue:               1,
	}
}
