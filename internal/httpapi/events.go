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

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentmesh/teamrt/internal/httpapi/auth"
	"github.com/agentmesh/teamrt/pkg/team"
)

// externalTopics maps the runtime's internal event-bus topics to the
// "team:"-namespaced names the UI layer expects, re-publishing the agent
// session lifecycle over the SSE push channel.
var externalTopics = map[string]string{
	"agent_loop.started":          "team:agent_loop_started",
	"agent_loop.completed":        "team:agent_loop_completed",
	"agent_loop.failed":           "team:agent_loop_failed",
	"team:message_sent":           "team:message_sent",
	"team:agent_tool_running":     "team:agent_tool_running",
	"team:agent_tool_interrupted": "team:agent_tool_interrupted",
	"team:agent_login_required":   "team:agent_login_required",
	"team:agent_blocking_prompt":  "team:agent_blocking_prompt",
	"team:stall_classified":       "team:stall_classified",
	"team:escalation_surfaced":    "team:escalation_surfaced",
	"workflow.updated":            "team:workflow_updated",
	"workflow.completed":          "team:workflow_completed",
	"workflow.failed":             "team:workflow_failed",
}

// uiEvent is the SSE payload shape delivered to the UI layer.
type uiEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// eventBroker fans every subscribed bus topic out to any number of
// connected SSE clients, since pkg/team.Bus offers no per-listener
// unsubscribe: one permanent bus listener per topic feeds a set of
// per-connection channels that streamEvents adds and removes.
type eventBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan uiEvent
}

func newEventBroker(bus *team.Bus) *eventBroker {
	b := &eventBroker{subs: make(map[int]chan uiEvent)}
	for internalTopic, externalType := range externalTopics {
		externalType := externalType
		bus.On(internalTopic, func(ctx context.Context, evt team.Event) error {
			b.broadcast(uiEvent{Type: externalType, Data: evt.Data})
			return nil
		})
	}
	return b
}

func (b *eventBroker) subscribe() (int, chan uiEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan uiEvent, 32)
	b.subs[id] = ch
	return id, ch
}

func (b *eventBroker) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *eventBroker) broadcast(evt uiEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Slow consumer: drop rather than block publishers.
		}
	}
}

// streamEvents handles GET /teams/events/stream, delivering agent session
// events over Server-Sent Events, filtered to the caller's workspace.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	workspaceID := auth.WorkspaceID(r.Context())
	id, ch := h.broker.subscribe()
	defer h.broker.unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, "data: {\"type\":\"heartbeat\"}\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if ws, present := evt.Data["workspaceId"]; present && ws != workspaceID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
