// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SessionCounter reports the number of currently live agent sessions, for
// the live-sessions gauge's observable callback.
type SessionCounter interface {
	LiveSessionCount() int
}

// Collector records Prometheus-compatible metrics for the team runtime.
type Collector struct {
	meter metric.Meter

	anomalyEventsTotal metric.Int64Counter
	stepDuration       metric.Float64Histogram

	sessionCounter   SessionCounter
	sessionCounterMu sync.RWMutex
}

// NewCollector registers the team runtime's metric instruments against the
// given meter provider.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("teamrt")
	c := &Collector{meter: meter}

	var err error
	c.anomalyEventsTotal, err = meter.Int64Counter(
		"teamrt_anomaly_events_total",
		metric.WithDescription("Total number of anomaly events handled, by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.stepDuration, err = meter.Float64Histogram(
		"teamrt_step_duration_seconds",
		metric.WithDescription("Workflow step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"teamrt_live_agent_sessions",
		metric.WithDescription("Number of currently live agent sessions"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.sessionCounterMu.RLock()
			counter := c.sessionCounter
			c.sessionCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.LiveSessionCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordAnomalyEvent increments the anomaly-events-by-type counter.
func (c *Collector) RecordAnomalyEvent(ctx context.Context, eventType string) {
	if c == nil {
		return
	}
	c.anomalyEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStepDuration records a completed or failed step's execution time.
func (c *Collector) RecordStepDuration(ctx context.Context, stepKind, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("step_kind", stepKind),
		attribute.String("status", status),
	))
}

// SetSessionCounter wires the live-sessions gauge's data source.
func (c *Collector) SetSessionCounter(counter SessionCounter) {
	if c == nil {
		return
	}
	c.sessionCounterMu.Lock()
	c.sessionCounter = counter
	c.sessionCounterMu.Unlock()
}
