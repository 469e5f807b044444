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

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/sirupsen/logrus"
)

var ErrSlackNotConfigured = errors.New("slack webhook url is not configured")

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
}

// SlackMessage is the body posted to an incoming webhook.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
	Blocks      []json.RawMessage `json:"blocks,omitempty"`
}

// Slack posts messages to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

func NewSlack(webhookURL string, timeout time.Duration) *Slack {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Slack{webhookURL: webhookURL, client: &http.Client{Timeout: timeout}}
}

// Send posts msg to the webhook. Slack answers "ok" in plain text, so the
// body is not decoded.
func (s *Slack) Send(ctx context.Context, msg SlackMessage) error {
	if s.webhookURL == "" {
		return ErrSlackNotConfigured
	}

	payload, err := request.ToJsonReq(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, payload)
	if err != nil {
		return err
	}

	_, err = request.CallWithClient(s.client, req, nil)
	return err
}

// ErrorBlocks renders an error as Slack blocks: a header, the error and the time.
func ErrorBlocks(title string, err error, at time.Time) []json.RawMessage {
	header := map[string]interface{}{
		"type": "header",
		"text": map[string]interface{}{"type": "plain_text", "text": title, "emoji": true},
	}
	section := func(label, value string) map[string]interface{} {
		return map[string]interface{}{
			"type": "section",
			"fields": []map[string]string{
				{"type": "mrkdwn", "text": fmt.Sprintf("*%s:*\n%s", label, value)},
			},
		}
	}

	blocks := []json.RawMessage{}
	for _, block := range []interface{}{header, section("Error", err.Error()), section("Time", at.Format(time.RFC822))} {
		data, _ := json.Marshal(block)
		blocks = append(blocks, data)
	}
	return blocks
}

// NotifyError reports a process level failure, such as a worker that could
// not start, to the configured Slack webhook. It runs asynchronously.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}
		if conf.Notification.Slack.WebhookUrl == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		slack := NewSlack(conf.Notification.Slack.WebhookUrl, 0)
		err = slack.Send(ctx, SlackMessage{
			Channel: conf.Notification.Slack.Channel,
			Text:    systemError.Error(),
			Blocks:  ErrorBlocks(fmt.Sprintf("Error From %s 🐞", conf.ProjectName), systemError, time.Now()),
		})
		if err != nil {
			log.Println(err)
		}
	}(systemError)
}
