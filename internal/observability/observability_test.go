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

package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentmesh/teamrt/internal/observability"
)

func TestNewProvider_TracerAndMetricsHandlerWork(t *testing.T) {
	p, err := observability.NewProvider("teamrt-test", "0.0.0")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("teamrt-test")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "unit-test-span")
	span.End()

	require.NotNil(t, p.MetricsHandler())
	require.NotNil(t, p.Metrics())
}

type fakeCounter struct{ n int }

func (f fakeCounter) LiveSessionCount() int { return f.n }

func TestCollector_RecordAnomalyEventAndStepDuration(t *testing.T) {
	p, err := observability.NewProvider("teamrt-test", "0.0.0")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	c := p.Metrics()
	require.NotNil(t, c)

	c.SetSessionCounter(fakeCounter{n: 3})
	c.RecordAnomalyEvent(context.Background(), "tool_running")
	c.RecordStepDuration(context.Background(), "dispatch_agent_loop", "completed", 250*time.Millisecond)
}

func TestStartSpan_NilTracerIsNoop(t *testing.T) {
	ctx, span := observability.StartSpan(context.Background(), nil, "noop")
	assert.Nil(t, span)
	assert.NotNil(t, ctx)

	observability.EndSpan(span)
	observability.SetAttributes(span, map[string]any{"k": "v"})
	observability.RecordError(span, assert.AnError)
	observability.SetOK(span)
}

func TestStartSpan_RealTracerProducesEndableSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := observability.StartSpan(context.Background(), tp.Tracer("test"), "op",
	)
	require.NotNil(t, span)
	require.NotNil(t, ctx)

	observability.SetAttributes(span, map[string]any{"deploymentId": "dep-1", "count": 3})
	observability.SetOK(span)
	observability.EndSpan(span)
}
