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

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/queue"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

// stepExecutor is the subset of internal/executor.Executor a worker reports
// dispatch failures to.
type stepExecutor interface {
	FailStep(ctx context.Context, workspaceID, deploymentID, stepID, errMsg string) error
}

// spawner is the subset of internal/session.Manager a worker drives to
// service one team_agent_loop job.
type spawner interface {
	Spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error)
	Dispatch(sessionID, task string) error
}

// workerPool consumes team_agent_loop jobs off a queue.Queue, spawning (or
// reusing) the target agent's runtime session and dispatching its task,
// grounded on the concurrency-limited goroutine fan-out the teacher uses to
// run a parallel step's nested steps in pkg/workflow/executor.go.
type workerPool struct {
	size     int
	q        queue.Queue
	backend  store.AgentStore
	sessions spawner
	exec     stepExecutor
	log      *slog.Logger

	wg sync.WaitGroup
}

func newWorkerPool(size int, q queue.Queue, backend store.AgentStore, sessions spawner, exec stepExecutor, log *slog.Logger) *workerPool {
	return &workerPool{size: size, q: q, backend: backend, sessions: sessions, exec: exec, log: log}
}

// Start launches size worker goroutines; each runs until ctx is cancelled.
func (p *workerPool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
}

func (p *workerPool) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		job, err := p.q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			p.log.Warn("worker: dequeue failed", "error", err)
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *workerPool) handle(ctx context.Context, job queue.Job) {
	agent, err := p.backend.GetAgent(ctx, job.TeamAgentID)
	if err != nil {
		p.log.Error("worker: load agent failed", "agent_id", job.TeamAgentID, "error", err)
		return
	}

	sessionID := agent.RuntimeSessionID
	if sessionID == "" {
		sessionID, err = p.sessions.Spawn(ctx, agent, nil)
		if err != nil {
			p.failJob(ctx, job, err)
			return
		}
		agent.RuntimeSessionID = sessionID
		agent.Status = team.AgentRunning
	}
	agent.CurrentStepID = job.StepID
	now := time.Now()
	agent.LastRunAt = &now
	if err := p.backend.UpdateAgent(ctx, agent); err != nil {
		p.log.Error("worker: update agent failed", "agent_id", agent.ID, "error", err)
	}

	if err := p.sessions.Dispatch(sessionID, job.StepContext.Task); err != nil {
		p.failJob(ctx, job, err)
		return
	}
}

func (p *workerPool) failJob(ctx context.Context, job queue.Job, cause error) {
	p.log.Error("worker: dispatch failed", "agent_id", job.TeamAgentID, "step_id", job.StepID, "error", cause)
	if err := p.exec.FailStep(ctx, job.WorkspaceID, job.DeploymentID, job.StepID, cause.Error()); err != nil {
		p.log.Error("worker: failStep failed", "error", err)
	}
}

// classifier is the subset of internal/session.Manager the periodic sweep
// drives.
type classifier interface {
	LiveSessionIDs() []string
	ForceClassifySession(ctx context.Context, sessionID string) (llmclient.Label, error)
}

// runSweep force-classifies every live session every sweepInterval, catching
// completions the PTY's quiet-time stall detector misses due to TUI redraw
// noise (spec.md §5, "Periodic sweep"). Runs until ctx is cancelled.
func runSweep(ctx context.Context, sessions classifier, log *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sessionID := range sessions.LiveSessionIDs() {
				if _, err := sessions.ForceClassifySession(ctx, sessionID); err != nil {
					log.Warn("sweep: force classify failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}
}
