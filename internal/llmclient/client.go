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

// Package llmclient wraps the orchestrator's one LLM call-out — opaque
// classify(text) -> Label and generate(prompt) -> text — behind a circuit
// breaker, the way the teacher treats every external provider call as a
// dependency that can flap without taking down the rest of the system.
package llmclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Label is the result of a Classify call.
type Label string

const (
	LabelStillWorking Label = "still_working"
	LabelStalled      Label = "stalled"
	LabelTrue         Label = "true"
	LabelFalse        Label = "false"
)

// ErrCircuitOpen is returned when the breaker has tripped and is refusing
// calls.
var ErrCircuitOpen = errors.New("llmclient: circuit open")

// Backend is the opaque upstream LLM integration this package wraps. A
// concrete implementation lives outside this repository's scope (§1 "LLM
// call-out… treated as an opaque service"); tests and the degraded default
// below satisfy it without a live provider.
type Backend interface {
	Classify(ctx context.Context, prompt string) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client is the orchestrator-facing façade: circuit-broken, with the stall
// classifier's dedup window and hard timeout baked in per spec.
type Client struct {
	backend Backend
	breaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	lastDigest map[string]string    // sessionId -> md5 of last classified chunk
	lastLabel  map[string]Label     // sessionId -> last classification
	lastAt     map[string]time.Time // sessionId -> when it was classified
}

// New wraps backend in a circuit breaker that trips once at least five calls
// in the current interval have been made and half or more of them failed,
// named so metrics and logs
// can distinguish it from other breakers in the process.
func New(backend Backend) *Client {
	settings := gobreaker.Settings{
		Name:        "llmclient",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
	return &Client{
		backend:    backend,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		lastDigest: make(map[string]string),
		lastLabel:  make(map[string]Label),
		lastAt:     make(map[string]time.Time),
	}
}

const (
	classifyTimeout = 5 * time.Second
	dedupWindow     = 10 * time.Second
	dedupTailBytes  = 2048
)

// ClassifyStall runs the 5s-bounded stall classifier over the last 2KB of a
// session's output, deduping identical tails within a 10s window so a
// quiet-but-alive session isn't reclassified every sweep tick. On timeout
// or circuit-open it defaults to "still_working" rather than surfacing a
// false stall.
func (c *Client) ClassifyStall(ctx context.Context, sessionID string, output string) Label {
	tail := output
	if len(tail) > dedupTailBytes {
		tail = tail[len(tail)-dedupTailBytes:]
	}
	digest := md5Hex(tail)

	c.mu.Lock()
	if c.lastDigest[sessionID] == digest {
		if since := time.Since(c.lastAt[sessionID]); since < dedupWindow {
			label := c.lastLabel[sessionID]
			c.mu.Unlock()
			return label
		}
	}
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	label := LabelStillWorking
	result, err := c.breaker.Execute(func() (any, error) {
		return c.backend.Classify(cctx, buildStallPrompt(tail))
	})
	if err == nil {
		if s, ok := result.(string); ok && s != "" {
			label = Label(s)
		}
	}

	c.mu.Lock()
	c.lastDigest[sessionID] = digest
	c.lastLabel[sessionID] = label
	c.lastAt[sessionID] = time.Now()
	c.mu.Unlock()

	return label
}

// EvaluateCondition asks the backend for a true/false verdict given a
// rendered check expression and the current step states, defaulting to
// "then" (true) on failure per the degraded-mode design note.
func (c *Client) EvaluateCondition(ctx context.Context, check string, stateJSON string) bool {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.backend.Classify(ctx, buildConditionPrompt(check, stateJSON))
	})
	if err != nil {
		return true
	}
	s, _ := result.(string)
	return s != string(LabelFalse)
}

// AggregateResult is the parsed response of an aggregate_results LLM call.
type AggregateResult struct {
	Aggregated any    `json:"aggregated"`
	Summary    string `json:"summary"`
}

// Aggregate asks the backend to combine the results of a set of completed
// steps using method, defaulting to returning the raw sources verbatim
// when the backend is unavailable (§9 design note: "aggregate returns raw
// sources" as the offline degraded behavior).
func (c *Client) Aggregate(ctx context.Context, method string, sources map[string]any) (*AggregateResult, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.backend.Generate(ctx, buildAggregatePrompt(method, sources))
	})
	if err != nil {
		return &AggregateResult{Aggregated: sources, Summary: "aggregation unavailable, returning raw sources"}, nil
	}
	text, _ := result.(string)
	parsed, perr := parseAggregateResponse(text)
	if perr != nil {
		return &AggregateResult{Aggregated: sources, Summary: "aggregation response unparseable, returning raw sources"}, nil
	}
	return parsed, nil
}

// UnblockResponse asks the backend to compose a message that might unblock
// a stalled session, returning "" (treated as SKIP) on any failure.
func (c *Client) UnblockResponse(ctx context.Context, prompt string) string {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.backend.Generate(ctx, prompt)
	})
	if err != nil {
		return ""
	}
	text, _ := result.(string)
	if text == "SKIP" {
		return ""
	}
	return text
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
