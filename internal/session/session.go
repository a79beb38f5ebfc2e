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

// Package session spawns and supervises the interactive CLI subprocesses
// that back each Agent instance. No PTY/terminal-multiplexer library is
// wired here — see DESIGN.md — so a session is a long-lived os/exec.Cmd
// with a held-open stdin pipe and a goroutine copying combined
// stdout/stderr into a bounded ring buffer, the same process-group idiom
// the teacher's internal/lifecycle/spawn.go uses for detached daemon
// processes, adapted from spawn-and-detach to spawn-and-keep-a-live-handle.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	logkeys "github.com/agentmesh/teamrt/internal/log"
	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/observability"
	"github.com/agentmesh/teamrt/pkg/team"
)

// Event topics emitted on the Event Bus, per the Agent Session Manager
// contract.
const (
	EventToolRunning     = "tool_running"
	EventToolInterrupted = "tool_interrupted"
	EventLoginRequired   = "login_required"
	EventBlockingPrompt  = "blocking_prompt"
	EventStallClassified = "stall_classified"
	EventTaskComplete    = "task_complete"
	EventAgentStopped    = "agent_stopped"
	EventAgentError      = "agent_error"
)

// Config bounds the Manager's timing behavior, sourced from
// internal/config.TeamConfig.
type Config struct {
	ScratchBase            string
	ReadySettle            time.Duration
	ReadyTotalTimeout      time.Duration
	DispatchVerifyDelay    time.Duration
	DispatchMinGrowthLines int
	StopGracePeriod        time.Duration
}

// DefaultConfig mirrors config.Default()'s values plus the two this
// package owns outright (total readiness timeout and stop grace period,
// both fixed by spec.md §5's cancellation/timeout table).
func DefaultConfig() Config {
	return Config{
		ScratchBase:            "data/team-scratch",
		ReadySettle:            3 * time.Second,
		ReadyTotalTimeout:      30 * time.Second,
		DispatchVerifyDelay:    5 * time.Second,
		DispatchMinGrowthLines: 15,
		StopGracePeriod:        5 * time.Second,
	}
}

// session is one live subprocess.
type session struct {
	id           string
	agentID      string
	deploymentID string
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	buf          *ringBuffer

	mu           sync.Mutex
	lastOutputAt time.Time
	currentStep  string

	done chan struct{}
}

// Manager spawns and supervises agent sessions, emitting lifecycle and
// anomaly events to bus.
type Manager struct {
	cfg    Config
	bus    *team.Bus
	log    *slog.Logger
	llm    *llmclient.Client
	tracer trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a Manager. bus receives every lifecycle/anomaly event this
// package emits. llm may be nil if ForceClassifySession will never be
// called (e.g. in tests that only exercise Spawn/Send/Dispatch/Stop).
func New(cfg Config, bus *team.Bus, log *slog.Logger, llm *llmclient.Client) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, bus: bus, log: log, llm: llm, sessions: make(map[string]*session)}
}

// SetTracer wires the tracer Spawn starts spans against; a nil tracer (the
// default) makes every span call a no-op.
func (m *Manager) SetTracer(tracer trace.Tracer) {
	m.tracer = tracer
}

// LiveSessionCount implements observability.SessionCounter.
func (m *Manager) LiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LiveSessionIDs returns the id of every session still running, for the
// daemon's periodic sweep to force-classify.
func (m *Manager) LiveSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Spawn starts an interactive subprocess for agent in its scratch
// directory, waits for it to reach quiescence (ready), and returns the new
// session id.
func (m *Manager) Spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error) {
	ctx, span := observability.StartSpan(ctx, m.tracer, "team.session.spawn")
	observability.SetAttributes(span, map[string]any{
		"agentId": agent.ID, "deploymentId": agent.DeploymentID, "agentType": agent.AgentType,
	})
	defer observability.EndSpan(span)

	sessionID, err := m.spawn(ctx, agent, envCredentials)
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	observability.SetAttributes(span, map[string]any{"sessionId": sessionID})
	observability.SetOK(span)
	return sessionID, nil
}

func (m *Manager) spawn(ctx context.Context, agent *team.Agent, envCredentials map[string]string) (string, error) {
	workdir := agent.Workdir
	if workdir == "" {
		dir, err := EnsureScratchDir(m.cfg.ScratchBase, agent.DeploymentID, agent.ID)
		if err != nil {
			return "", fmt.Errorf("session: ensure scratch dir: %w", err)
		}
		workdir = dir
	} else if err := os.MkdirAll(workdir, 0700); err != nil {
		return "", fmt.Errorf("session: create configured workdir: %w", err)
	}

	binPath, err := Resolve(agent.AgentType)
	if err != nil {
		return "", err
	}

	sessionID := uuid.New().String()
	cmd := exec.CommandContext(context.Background(), binPath)
	cmd.Dir = workdir
	cmd.Env = buildEnv(envCredentials)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("session: open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("session: open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // combined stream, matching a terminal's interleaving

	sess := &session{
		id:           sessionID,
		agentID:      agent.ID,
		deploymentID: agent.DeploymentID,
		cmd:          cmd,
		stdin:        stdin,
		buf:          newRingBuffer(),
		lastOutputAt: time.Now(),
		done:         make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("session: start subprocess: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	go m.pump(stdout, sess)
	go m.wait(cmd, sess)

	m.waitForReady(ctx, sess)
	return sessionID, nil
}

func buildEnv(credentials map[string]string) []string {
	env := os.Environ()
	for k, v := range credentials {
		env = append(env, k+"="+v)
	}
	return env
}

// pump copies the subprocess's combined output into the session's ring
// buffer line by line, refreshing lastOutputAt on every line.
func (m *Manager) pump(r io.Reader, sess *session) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sess.buf.Append(line)
		sess.mu.Lock()
		sess.lastOutputAt = time.Now()
		sess.mu.Unlock()
		m.classifyLine(sess, line)
	}
}

// wait blocks for the subprocess to exit. A signaled exit (our own Stop, or
// an external kill) and a clean zero-code exit both emit agent_stopped; a
// process that exited on its own with a nonzero code emits agent_error,
// per the anomaly taxonomy's distinction between a finished process and a
// fatal subprocess error.
func (m *Manager) wait(cmd *exec.Cmd, sess *session) {
	err := cmd.Wait()
	close(sess.done)

	exitCode := 0
	signaled := false
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				signaled = ws.Signaled()
			}
		} else {
			exitCode = -1
		}
	}

	m.log.Info("session stopped", logkeys.String(logkeys.SessionIDKey, sess.id), logkeys.Int("exit_code", exitCode))

	if exitCode != 0 && !signaled {
		_ = m.bus.PublishTopic(context.Background(), EventAgentError, map[string]any{
			"sessionId":    sess.id,
			"agentId":      sess.agentID,
			"deploymentId": sess.deploymentID,
			"error":        fmt.Sprintf("agent process exited with code %d", exitCode),
			"exitCode":     exitCode,
		})
		return
	}

	reason := "exited"
	if signaled {
		reason = "killed"
	}
	_ = m.bus.PublishTopic(context.Background(), EventAgentStopped, map[string]any{
		"sessionId":     sess.id,
		"agentId":       sess.agentID,
		"deploymentId":  sess.deploymentID,
		"reason":        reason,
		"exitCode":      exitCode,
		"loginDetected": false,
	})
}

// waitForReady blocks until sess's output has been quiet for ReadySettle,
// or ReadyTotalTimeout elapses, whichever comes first — matching the
// "dispatch anyway with a warning" fallback spec.md §5 requires.
func (m *Manager) waitForReady(ctx context.Context, sess *session) {
	deadline := time.Now().Add(m.cfg.ReadyTotalTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sess.mu.Lock()
			quiet := now.Sub(sess.lastOutputAt)
			sess.mu.Unlock()
			if quiet >= m.cfg.ReadySettle {
				return
			}
			if now.After(deadline) {
				m.log.Warn("session readiness timed out, dispatching anyway", logkeys.String(logkeys.SessionIDKey, sess.id))
				return
			}
		}
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: unknown session %q", sessionID)
	}
	return sess, nil
}

// Send writes text to the subprocess's stdin as a single line. Calls
// against the same session are serialized by the subprocess's own stdin
// pipe write ordering.
func (m *Manager) Send(sessionID, text string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	_, err = io.WriteString(sess.stdin, text+"\n")
	return err
}

// SendKeys writes a synthetic keystroke. Only "enter" is meaningful
// against a line-buffered stdin pipe; other key names are written as
// their literal name, which is a documented limitation of running without
// a real PTY (see DESIGN.md).
func (m *Manager) SendKeys(sessionID, keyname string) error {
	if keyname == "enter" {
		return m.Send(sessionID, "")
	}
	return m.Send(sessionID, keyname)
}

// Dispatch sends a task prompt and runs dispatch verification: sample the
// line count before sending, wait DispatchVerifyDelay, and confirm the
// buffer grew by at least DispatchMinGrowthLines. On failure it retries
// twice with a synthetic enter between attempts, then logs a warning.
func (m *Manager) Dispatch(sessionID, task string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		before := sess.buf.LineCount()
		if attempt == 1 {
			if err := m.Send(sessionID, task); err != nil {
				return err
			}
		} else {
			if err := m.SendKeys(sessionID, "enter"); err != nil {
				return err
			}
		}

		time.Sleep(m.cfg.DispatchVerifyDelay)

		after := sess.buf.LineCount()
		if after-before >= m.cfg.DispatchMinGrowthLines {
			return nil
		}
	}

	m.log.Warn("dispatch verification failed after retries", logkeys.String(logkeys.SessionIDKey, sessionID), logkeys.String("task", task))
	return nil
}

// Stop signals the subprocess to exit gracefully, force-killing the
// process group after StopGracePeriod.
func (m *Manager) Stop(sessionID string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	_ = sess.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-sess.done:
		return nil
	case <-time.After(m.cfg.StopGracePeriod):
	}

	if pgid, err := syscall.Getpgid(sess.cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = sess.cmd.Process.Kill()
	}
	return nil
}

// OutputBuffer returns the session's currently retained output.
func (m *Manager) OutputBuffer(sessionID string) (string, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.buf.String(), nil
}

// OutputLineCount returns the total number of lines the session has ever
// produced.
func (m *Manager) OutputLineCount(sessionID string) (int, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}
	return sess.buf.LineCount(), nil
}

// ForceClassifySession runs the stall classifier against a session's output
// tail on demand, for the periodic sweep to call against every session
// currently assigned a workflow step. It publishes stall_classified so the
// anomaly coordinator reacts the same way it would to a scanner-triggered
// classification.
func (m *Manager) ForceClassifySession(ctx context.Context, sessionID string) (llmclient.Label, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	if m.llm == nil {
		return llmclient.LabelStillWorking, nil
	}

	label := m.llm.ClassifyStall(ctx, sessionID, sess.buf.Tail(2048))
	_ = m.bus.PublishTopic(ctx, EventStallClassified, map[string]any{
		"sessionId":    sess.id,
		"agentId":      sess.agentID,
		"deploymentId": sess.deploymentID,
		"label":        string(label),
	})
	return label, nil
}

// SetCurrentStep records which workflow step a session is servicing, used
// by the anomaly coordinator's blocking-prompt and task-complete handlers
// to decide whether a hand-off applies.
func (m *Manager) SetCurrentStep(sessionID, stepID string) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.currentStep = stepID
	sess.mu.Unlock()
}

// Forget drops a session's bookkeeping without touching the subprocess,
// used once agent_stopped has been handled downstream.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
