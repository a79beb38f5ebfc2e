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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span if tracer is non-nil, recovering from any panic
// in the tracing SDK so a tracing bug can never take down team orchestration.
// Components hold an optional trace.Tracer field and call this directly
// rather than through a vendor-neutral wrapper, since nothing here needs a
// second tracing backend.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observability: panic starting span", "span", name, "error", r)
		}
	}()
	return tracer.Start(ctx, name, opts...)
}

// EndSpan ends span if non-nil.
func EndSpan(span trace.Span) {
	if span == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observability: panic ending span", "error", r)
		}
	}()
	span.End()
}

// SetAttributes sets a map of attributes on span if non-nil.
func SetAttributes(span trace.Span, attrs map[string]any) {
	if span == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observability: panic setting span attributes", "error", r)
		}
	}()
	span.SetAttributes(toAttributes(attrs)...)
}

// RecordError records err on span and marks it failed, if both are non-nil.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observability: panic recording span error", "error", r)
		}
	}()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks span successful, if non-nil.
func SetOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
