/*
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
	"net/http"
	"time"

	"github.com/blnkfinance/settle/internal/request"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

const (
	outcomeSuccessful   = "successful"
	outcomeReverted     = "reverted"
	outcomeCanceled     = "canceled"
	outcomeDeadLettered = "dead_lettered"
)

// getEventFromOutcome maps a saga class and the outcome it reached to a
// webhook event name.
//
// Parameters:
// - class model.SagaClass: The saga class, e.g. wallet_transfer.
// - outcome string: The terminal outcome the operation reached.
//
// Returns:
// - string: The webhook event, e.g. "transfer.reverted" or "saga.dead_lettered".
func getEventFromOutcome(class model.SagaClass, outcome string) string {
	if outcome == outcomeDeadLettered {
		return "saga.dead_lettered"
	}
	switch class {
	case model.SagaWalletTransfer:
		return "transfer." + outcome
	case model.SagaAnticipation:
		return "anticipation." + outcome
	default:
		return "saga." + outcome
	}
}

// SendWebhook enqueues a webhook notification task. It is a no-op when no
// webhook URL is configured.
//
// Parameters:
// - ctx context.Context: The context for the enqueue call.
// - newWebhook NewWebhook: The event and payload to deliver.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (s *Settle) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	if s.config.Notification.Webhook.Url == "" {
		return nil
	}
	return s.queue.Publish(ctx, WebhookQueue, newWebhook, 0)
}

// sendWebhook is SendWebhook for terminal transitions, where a lost
// notification must not undo the transition.
func (s *Settle) sendWebhook(ctx context.Context, event string, payload interface{}) {
	if err := s.SendWebhook(ctx, NewWebhook{Event: event, Payload: payload}); err != nil {
		logrus.WithError(err).WithField("event", event).Error("failed to enqueue webhook")
	}
}

// ProcessWebhook posts a webhook notification to the configured URL. It is
// the worker side of SendWebhook; the configured headers are added to every
// request.
//
// Parameters:
// - ctx context.Context: The context for the HTTP request.
// - data NewWebhook: The webhook to post.
//
// Returns:
// - error: An error if the request could not be built or the receiver did not answer 2xx.
func (s *Settle) ProcessWebhook(ctx context.Context, data NewWebhook) error {
	conf := s.config.Notification.Webhook
	if conf.Url == "" {
		return nil
	}

	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if _, err := request.CallWithClient(client, req, nil); err != nil {
		logrus.WithError(err).WithField("event", data.Event).Error("webhook delivery failed")
		return err
	}

	logrus.WithField("event", data.Event).Info("webhook notification sent")
	return nil
}
