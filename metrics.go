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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine counters. They report through the global meter
// provider, which is a no-op until one is installed.
type Metrics struct {
	eventsDispatched metric.Int64Counter
	eventsHandled    metric.Int64Counter
	eventsFailed     metric.Int64Counter
	retriesScheduled metric.Int64Counter
	deadLetters      metric.Int64Counter
	sagaSteps        metric.Int64Counter
	reverts          metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("settle")
	m := &Metrics{}

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.eventsDispatched, "settle_events_dispatched_total", "Triggered events claimed by a dispatcher"},
		{&m.eventsHandled, "settle_events_handled_total", "Triggered events that reached HANDLED"},
		{&m.eventsFailed, "settle_events_failed_total", "Triggered events that reached FAILED"},
		{&m.retriesScheduled, "settle_retries_scheduled_total", "Triggered event retries scheduled"},
		{&m.deadLetters, "settle_dead_letters_total", "Dead letter alerts emitted"},
		{&m.sagaSteps, "settle_saga_steps_total", "Saga steps and compensations executed"},
		{&m.reverts, "settle_saga_reverts_total", "Reverse walks completed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) eventDispatched(ctx context.Context, handler string) {
	if m != nil {
		m.add(ctx, m.eventsDispatched, attribute.String("handler", handler))
	}
}

func (m *Metrics) eventHandled(ctx context.Context, handler string, suppressed bool) {
	if m != nil {
		m.add(ctx, m.eventsHandled, attribute.String("handler", handler), attribute.Bool("suppressed_error", suppressed))
	}
}

func (m *Metrics) eventFailed(ctx context.Context, handler string) {
	if m != nil {
		m.add(ctx, m.eventsFailed, attribute.String("handler", handler))
	}
}

func (m *Metrics) retryScheduled(ctx context.Context, phase string) {
	if m != nil {
		m.add(ctx, m.retriesScheduled, attribute.String("phase", phase))
	}
}

func (m *Metrics) deadLettered(ctx context.Context, entity string) {
	if m != nil {
		m.add(ctx, m.deadLetters, attribute.String("entity", entity))
	}
}

func (m *Metrics) sagaStep(ctx context.Context, class, step string, success bool) {
	if m != nil {
		m.add(ctx, m.sagaSteps, attribute.String("class", class), attribute.String("step", step), attribute.Bool("success", success))
	}
}

func (m *Metrics) reverted(ctx context.Context, class string) {
	if m != nil {
		m.add(ctx, m.reverts, attribute.String("class", class))
	}
}
