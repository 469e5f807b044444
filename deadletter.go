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
	"strconv"
	"time"

	"github.com/blnkfinance/settle/internal/notification"
	"github.com/sirupsen/logrus"
)

// deadLetter describes an entity automated recovery gave up on.
type deadLetter struct {
	Entity   string
	EntityID string
	Handler  string
	Attempts int
	Cause    error
}

func (d deadLetter) message(channel, project string) notification.SlackMessage {
	title := fmt.Sprintf("%s dead letter: %s", project, d.Entity)
	cause := d.Cause
	if cause == nil {
		cause = errors.New("unknown error")
	}

	fields := []notification.SlackField{
		{Title: "Entity", Value: d.Entity, Short: true},
		{Title: "ID", Value: d.EntityID, Short: true},
		{Title: "Attempts", Value: strconv.Itoa(d.Attempts), Short: true},
	}
	if d.Handler != "" {
		fields = append(fields, notification.SlackField{Title: "Handler", Value: d.Handler, Short: true})
	}
	fields = append(fields, notification.SlackField{Title: "Error", Value: cause.Error()})

	now := time.Now()
	return notification.SlackMessage{
		Channel: channel,
		Text:    fmt.Sprintf("%s %s needs manual intervention: %v", d.Entity, d.EntityID, cause),
		Attachments: []notification.SlackAttachment{{
			Color:  "danger",
			Title:  title,
			Fields: fields,
			Ts:     now.Unix(),
		}},
		Blocks: notification.ErrorBlocks(title, cause, now),
	}
}

// sendDeadLetter publishes an operator alert on the Slacker channel. Callers
// invoke it only after winning the transition that makes the entity terminal,
// so each entity alerts once.
func (s *Settle) sendDeadLetter(ctx context.Context, d deadLetter) error {
	msg := d.message(s.config.Notification.Slack.Channel, s.config.ProjectName)
	s.metrics.deadLettered(ctx, d.Entity)

	logrus.WithFields(logrus.Fields{
		"entity":    d.Entity,
		"entity_id": d.EntityID,
		"attempts":  d.Attempts,
	}).WithError(d.Cause).Error("dead letter")

	if err := s.queue.Publish(ctx, SlackerQueue, msg, 0); err != nil {
		logrus.WithError(err).WithField("entity_id", d.EntityID).Error("failed to publish dead letter alert")
		return err
	}
	return nil
}

// ProcessSlackAlert posts a Slacker message. Without a configured webhook the
// alert stays in the logs only. Errors go back to the broker, which retries a
// bounded number of times.
func (s *Settle) ProcessSlackAlert(ctx context.Context, msg notification.SlackMessage) error {
	if msg.Channel == "" {
		msg.Channel = s.config.Notification.Slack.Channel
	}
	err := s.slack.Send(ctx, msg)
	if errors.Is(err, notification.ErrSlackNotConfigured) {
		logrus.WithField("channel", msg.Channel).Warn("slack webhook not configured, alert logged only: ", msg.Text)
		return nil
	}
	return err
}
