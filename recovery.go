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
	"sync"
	"time"

	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

// minRecoveryThreshold keeps a manual sweep from racing messages that are
// still on their way through the broker.
const minRecoveryThreshold = 2 * time.Minute

// RecoveryProcessor periodically republishes work that lost its message:
// events and operations whose status says a message should exist but which
// have not moved for longer than the stuck threshold. Every handler claims
// with a compare-and-swap, so a republished duplicate is dropped.
type RecoveryProcessor struct {
	settle         *Settle
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewRecoveryProcessor(s *Settle) *RecoveryProcessor {
	maxWorkers := 10
	if s.config.Queue.Concurrency > 0 && s.config.Queue.Concurrency < maxWorkers {
		maxWorkers = s.config.Queue.Concurrency
	}

	return &RecoveryProcessor{
		settle:         s,
		batchSize:      maxWorkers * 100,
		maxWorkers:     maxWorkers,
		pollInterval:   time.Duration(s.config.Recovery.PollIntervalSeconds) * time.Second,
		stuckThreshold: time.Duration(s.config.Recovery.StuckThresholdSeconds) * time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (p *RecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Recovery processor started")
}

func (p *RecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Recovery processor stopped")
}

func (p *RecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// Recover runs one sweep immediately and returns how many entities were
// republished. It backs the operator command.
func (s *Settle) Recover(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < minRecoveryThreshold {
		threshold = minRecoveryThreshold
	}
	return NewRecoveryProcessor(s).recoverWithThreshold(ctx, threshold), nil
}

// recoveryJob republishes one stuck entity.
type recoveryJob struct {
	kind string
	id   string
	run  func(ctx context.Context) error
}

func (p *RecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	before := time.Now().Add(-threshold)
	jobs := append(p.eventJobs(ctx, before), p.sagaJobs(ctx, before)...)
	if len(jobs) == 0 {
		return 0
	}

	logrus.Infof("Recovering %d stuck entities with %d workers (threshold=%v)", len(jobs), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup
	var mu sync.Mutex
	recovered := 0

	for _, job := range jobs {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(j recoveryJob) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := j.run(ctx); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"kind": j.kind, "id": j.id}).Error("failed to recover")
				return
			}
			mu.Lock()
			recovered++
			mu.Unlock()
		}(job)
	}

	batchWg.Wait()
	return recovered
}

func (p *RecoveryProcessor) eventJobs(ctx context.Context, before time.Time) []recoveryJob {
	s := p.settle
	republish := func(channel string) func(*model.TriggeredEvent) func(context.Context) error {
		return func(e *model.TriggeredEvent) func(context.Context) error {
			return func(ctx context.Context) error {
				return s.queue.Publish(ctx, channel, EventMessage{EventID: e.EventID}, 0)
			}
		}
	}

	sources := []struct {
		status model.EventStatus
		job    func(*model.TriggeredEvent) func(context.Context) error
	}{
		{model.EventFailedToTrigger, republish(RetryToTriggerEventQueue)},
		{model.EventFailedToHandle, republish(RetryTriggeredEventQueue)},
		{model.EventTriggered, republish(HandleTriggeredEventQueue)},
		{model.EventInProgress, func(e *model.TriggeredEvent) func(context.Context) error {
			return func(ctx context.Context) error { return s.releaseStuckEvent(ctx, e) }
		}},
	}

	var jobs []recoveryJob
	for _, src := range sources {
		events, err := s.datasource.GetStaleTriggeredEvents(ctx, src.status, before, p.batchSize)
		if err != nil {
			logrus.WithError(err).WithField("status", src.status).Error("failed to get stale triggered events")
			continue
		}
		for _, e := range events {
			// a retried event still waits on its delayed dispatch
			if src.status == model.EventTriggered && backoffPending(e.UpdatedAt, s.config.Events.RetryTimeoutBase, e.RetryAttempts) {
				continue
			}
			jobs = append(jobs, recoveryJob{kind: "triggered_event", id: e.EventID, run: src.job(e)})
		}
	}
	return jobs
}

// backoffPending reports whether a message published at updatedAt with a
// delay of base**attempts has not come due yet.
func backoffPending(updatedAt time.Time, base float64, attempts int) bool {
	return updatedAt.Add(BackoffTimeout(base, attempts)).After(time.Now())
}

// releaseStuckEvent hands an event whose worker died mid-dispatch to the
// retry scheduler, as if its handler had failed.
func (s *Settle) releaseStuckEvent(ctx context.Context, event *model.TriggeredEvent) error {
	_, err := s.datasource.TransitionTriggeredEvent(ctx, event.EventID, database.EventTransition{
		From:      model.EventInProgress,
		To:        model.EventFailedToHandle,
		LastError: "dispatch abandoned by worker",
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.queue.Publish(ctx, RetryTriggeredEventQueue, EventMessage{EventID: event.EventID}, 0)
}

func (p *RecoveryProcessor) sagaJobs(ctx context.Context, before time.Time) []recoveryJob {
	s := p.settle
	var jobs []recoveryJob
	for _, def := range []*SagaDefinition{s.walletTransfer, s.anticipation} {
		for _, status := range []model.SagaStatus{model.SagaPending, model.SagaScheduled, model.SagaFailed} {
			ops, err := s.datasource.GetStaleSagaOperations(ctx, def.Class, status, before, p.batchSize)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"class": def.Class, "status": status}).
					Error("failed to get stale saga operations")
				continue
			}
			for _, op := range ops {
				// a scheduled operation still waits on its delayed message
				if status == model.SagaScheduled && op.ScheduledFor != nil && op.ScheduledFor.After(time.Now()) {
					continue
				}
				// a failed operation still waits on its delayed revert
				if status == model.SagaFailed && backoffPending(op.UpdatedAt, def.Config.RevertTimeoutBase, op.RevertAttempts) {
					continue
				}
				channel := def.ProcessChannel
				if status == model.SagaFailed {
					channel = def.RevertChannel
				}
				opID := op.OperationID
				jobs = append(jobs, recoveryJob{kind: string(def.Class), id: opID, run: func(ctx context.Context) error {
					return s.queue.Publish(ctx, channel, OperationMessage{OperationID: opID}, 0)
				}})
			}
		}
	}
	return jobs
}
