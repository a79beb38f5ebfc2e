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

package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TriggerRunner is the subset of the Deployment Service a trigger needs:
// fire the same path an operator hits via POST .../trigger.
type TriggerRunner interface {
	TriggerTeamRun(ctx context.Context, workspaceID, deploymentID string) error
}

// Manager owns the set of registered webhook and schedule triggers,
// persisting them to a YAML file guarded by an exclusive file lock
// (grounded on lock.go's FileLock, the same idiom the teacher used to
// protect its own config file from concurrent CLI invocations).
type Manager struct {
	configPath string
	runner     TriggerRunner
	log        *slog.Logger

	mu        sync.RWMutex
	webhooks  map[string]WebhookTrigger  // path -> trigger
	schedules map[string]ScheduleTrigger // name -> trigger
}

// NewManager creates a trigger manager backed by configPath, loading any
// triggers already persisted there.
func NewManager(configPath string, runner TriggerRunner, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		configPath: configPath,
		runner:     runner,
		log:        log,
		webhooks:   make(map[string]WebhookTrigger),
		schedules:  make(map[string]ScheduleTrigger),
	}
	if configPath != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("triggers: read config: %w", err)
	}
	var state fileState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("triggers: parse config: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range state.Webhooks {
		m.webhooks[w.Path] = w
	}
	for _, s := range state.Schedules {
		m.schedules[s.Name] = s
	}
	return nil
}

// persist writes the current trigger set atomically under an exclusive
// file lock, matching the teacher's temp-file-then-rename save idiom.
func (m *Manager) persist(ctx context.Context) error {
	if m.configPath == "" {
		return nil
	}
	lock, err := AcquireLock(ctx, m.configPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	m.mu.RLock()
	state := fileState{}
	for _, w := range m.webhooks {
		state.Webhooks = append(state.Webhooks, w)
	}
	for _, s := range m.schedules {
		state.Schedules = append(state.Schedules, s)
	}
	m.mu.RUnlock()

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("triggers: create config dir: %w", err)
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("triggers: marshal config: %w", err)
	}
	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("triggers: write temp file: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("triggers: rename temp file: %w", err)
	}
	return nil
}

// AddWebhook registers a webhook trigger, rejecting a path that's already
// claimed.
func (m *Manager) AddWebhook(ctx context.Context, req CreateWebhookRequest) (*WebhookTrigger, error) {
	if err := ValidatePath(req.Path); err != nil {
		return nil, err
	}
	if err := ValidateSecretRef(req.Secret); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, exists := m.webhooks[req.Path]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("webhook path already registered: %s", req.Path)
	}
	w := WebhookTrigger{
		Path: req.Path, WorkspaceID: req.WorkspaceID, DeploymentID: req.DeploymentID,
		Source: req.Source, Secret: req.Secret,
	}
	m.webhooks[req.Path] = w
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWebhooks returns every registered webhook trigger.
func (m *Manager) ListWebhooks() []WebhookTrigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WebhookTrigger, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, w)
	}
	return out
}

// RemoveWebhook unregisters a webhook trigger by path.
func (m *Manager) RemoveWebhook(ctx context.Context, path string) error {
	m.mu.Lock()
	if _, ok := m.webhooks[path]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("webhook not found: %s", path)
	}
	delete(m.webhooks, path)
	m.mu.Unlock()
	return m.persist(ctx)
}

// lookupWebhook returns the trigger registered for path.
func (m *Manager) lookupWebhook(path string) (WebhookTrigger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[path]
	return w, ok
}

// AddSchedule registers a cron- or English-schedule trigger.
func (m *Manager) AddSchedule(ctx context.Context, req CreateScheduleRequest) (*ScheduleTrigger, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("schedule name cannot be empty")
	}
	var cronExpr, tz string
	var err error
	switch {
	case req.Cron != "" && (req.Every != "" || req.At != ""):
		return nil, fmt.Errorf("cannot use both cron and every/at")
	case req.Cron != "":
		cronExpr, tz = req.Cron, req.Timezone
		if tz == "" {
			tz = "UTC"
		}
	default:
		cronExpr, tz, err = ParseEverySchedule(req.Every, req.At, req.Timezone)
		if err != nil {
			return nil, err
		}
	}
	if err := ValidateCron(cronExpr); err != nil {
		return nil, err
	}
	if err := ValidateTimezone(tz); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.schedules[req.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("schedule name already exists: %s", req.Name)
	}
	s := ScheduleTrigger{
		Name: req.Name, WorkspaceID: req.WorkspaceID, DeploymentID: req.DeploymentID,
		Cron: cronExpr, Timezone: tz, Enabled: true,
	}
	m.schedules[req.Name] = s
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSchedules returns every registered schedule trigger.
func (m *Manager) ListSchedules() []ScheduleTrigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ScheduleTrigger, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out
}

// RemoveSchedule unregisters a schedule trigger by name.
func (m *Manager) RemoveSchedule(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.schedules[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("schedule not found: %s", name)
	}
	delete(m.schedules, name)
	m.mu.Unlock()
	return m.persist(ctx)
}

// Run polls registered schedules once a minute until ctx is cancelled,
// firing TriggerTeamRun for every schedule whose cron matches the current
// minute. It is the schedule-trigger analogue of the 20-second sweep the
// Workflow Executor runs for stall detection (§5).
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.fireDueSchedules(ctx, now)
		}
	}
}

func (m *Manager) fireDueSchedules(ctx context.Context, now time.Time) {
	m.mu.Lock()
	due := make([]ScheduleTrigger, 0)
	for name, s := range m.schedules {
		if !s.Enabled {
			continue
		}
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)
		if cronMatches(s.Cron, local) && local.Truncate(time.Minute) != s.lastRun {
			s.lastRun = local.Truncate(time.Minute)
			m.schedules[name] = s
			due = append(due, s)
		}
	}
	m.mu.Unlock()

	for _, s := range due {
		if err := m.runner.TriggerTeamRun(ctx, s.WorkspaceID, s.DeploymentID); err != nil {
			m.log.Warn("scheduled trigger failed", slog.String("schedule", s.Name), slog.String("deployment_id", s.DeploymentID), slog.String("error", err.Error()))
		}
	}
}

// cronMatches evaluates a validated 5-field cron expression against t.
// When both day-of-month and day-of-week are restricted, either matching
// is sufficient, the common crontab convention.
func cronMatches(expr string, t time.Time) bool {
	fields := splitFields(expr)
	if len(fields) != 5 {
		return false
	}
	dayOK := fieldMatches(fields[2], t.Day()) && fieldMatches(fields[4], int(t.Weekday()))
	if fields[2] != "*" && fields[4] != "*" {
		dayOK = fieldMatches(fields[2], t.Day()) || fieldMatches(fields[4], int(t.Weekday()))
	}
	return fieldMatches(fields[0], t.Minute()) &&
		fieldMatches(fields[1], t.Hour()) &&
		fieldMatches(fields[3], int(t.Month())) &&
		dayOK
}

func splitFields(expr string) []string {
	var fields []string
	field := ""
	for _, r := range expr {
		if r == ' ' || r == '\t' {
			if field != "" {
				fields = append(fields, field)
				field = ""
			}
			continue
		}
		field += string(r)
	}
	if field != "" {
		fields = append(fields, field)
	}
	return fields
}

func fieldMatches(field string, value int) bool {
	if field == "*" {
		return true
	}
	for _, part := range splitCSV(field) {
		var n int
		if _, err := fmt.Sscanf(part, "%d", &n); err == nil && n == value {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}
