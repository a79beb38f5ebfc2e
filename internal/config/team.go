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

// Package config loads and persists the team runtime's configuration: the
// small set of environment variables spec.md §6 names, plus the on-disk
// settings file a daemon operator can edit between restarts.
package config

import (
	"os"
	"strconv"
	"time"
)

// TeamConfig is the orchestrator's environment-driven configuration. Every
// field corresponds to one of the env vars named in spec.md §6.
type TeamConfig struct {
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	// AgentDefaultType is the agentType a role falls back to when its org
	// pattern role omits one.
	AgentDefaultType string `yaml:"agent_default_type" json:"agent_default_type"`

	// AgentDefaultWorkdir is the scratch-directory base a role falls back
	// to when its org pattern role omits a workdir.
	AgentDefaultWorkdir string `yaml:"agent_default_workdir" json:"agent_default_workdir"`

	// AgentReadySettle is how long a spawned session's stdout must stay
	// quiescent before it is considered ready.
	AgentReadySettle time.Duration `yaml:"agent_ready_settle" json:"agent_ready_settle"`

	// DispatchVerifyDelay is how long the session manager waits after
	// sending a task prompt before sampling output growth.
	DispatchVerifyDelay time.Duration `yaml:"dispatch_verify_delay" json:"dispatch_verify_delay"`

	// DispatchMinGrowthLines is the minimum number of new output lines
	// that must appear for a dispatch to be considered acknowledged.
	DispatchMinGrowthLines int `yaml:"dispatch_min_growth_lines" json:"dispatch_min_growth_lines"`

	// GeminiAgentModel overrides the default model the gemini agent type
	// is invoked with.
	GeminiAgentModel string `yaml:"gemini_agent_model,omitempty" json:"gemini_agent_model,omitempty"`
}

// Environment variable names recognized by Load, mirroring spec.md §6.
const (
	EnvAgentDefaultType       = "TEAM_AGENT_DEFAULT_TYPE"
	EnvAgentDefaultWorkdir    = "TEAM_AGENT_DEFAULT_WORKDIR"
	EnvAgentReadySettleMS     = "TEAM_AGENT_READY_SETTLE_MS"
	EnvDispatchVerifyDelayMS  = "TEAM_DISPATCH_VERIFY_DELAY_MS"
	EnvDispatchMinGrowthLines = "TEAM_DISPATCH_MIN_GROWTH_LINES"
	EnvGeminiAgentModel       = "GEMINI_AGENT_MODEL"

	// Provider credential env vars; read by the LLM client at startup, not
	// by TeamConfig itself, but enumerated here as the recognized set.
	EnvAnthropicAPIKey        = "ANTHROPIC_API_KEY"
	EnvAnthropicAuthToken     = "ANTHROPIC_AUTH_TOKEN"
	EnvOpenAIAPIKey           = "OPENAI_API_KEY"
	EnvOpenAIAuthToken        = "OPENAI_AUTH_TOKEN"
	EnvGoogleAPIKey           = "GOOGLE_API_KEY"
	EnvGoogleAuthToken        = "GOOGLE_AUTH_TOKEN"
)

// Default returns a TeamConfig with the defaults spec.md §4.3/§5 describe:
// a 1s settle window is far too aggressive for a live CLI agent, so the
// orchestrator defaults to values matched to its own bounded timeouts
// (30s total readiness wait, 5s dispatch-verify delay, 15 minimum lines).
func Default() *TeamConfig {
	return &TeamConfig{
		Version:                1,
		AgentDefaultType:       "claude-code",
		AgentDefaultWorkdir:    "data/team-scratch",
		AgentReadySettle:       3 * time.Second,
		DispatchVerifyDelay:    5 * time.Second,
		DispatchMinGrowthLines: 15,
	}
}

func (c *TeamConfig) applyDefaults() {
	d := Default()
	if c.AgentDefaultType == "" {
		c.AgentDefaultType = d.AgentDefaultType
	}
	if c.AgentDefaultWorkdir == "" {
		c.AgentDefaultWorkdir = d.AgentDefaultWorkdir
	}
	if c.AgentReadySettle == 0 {
		c.AgentReadySettle = d.AgentReadySettle
	}
	if c.DispatchVerifyDelay == 0 {
		c.DispatchVerifyDelay = d.DispatchVerifyDelay
	}
	if c.DispatchMinGrowthLines == 0 {
		c.DispatchMinGrowthLines = d.DispatchMinGrowthLines
	}
}

// LoadFromEnv builds a TeamConfig by layering recognized environment
// variables over Default(), following the teacher's typed-getter-with-
// defaults convention.
func LoadFromEnv() *TeamConfig {
	cfg := Default()
	if v := os.Getenv(EnvAgentDefaultType); v != "" {
		cfg.AgentDefaultType = v
	}
	if v := os.Getenv(EnvAgentDefaultWorkdir); v != "" {
		cfg.AgentDefaultWorkdir = v
	}
	if v := os.Getenv(EnvAgentReadySettleMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.AgentReadySettle = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvDispatchVerifyDelayMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.DispatchVerifyDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvDispatchMinGrowthLines); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DispatchMinGrowthLines = n
		}
	}
	if v := os.Getenv(EnvGeminiAgentModel); v != "" {
		cfg.GeminiAgentModel = v
	}
	return cfg
}

// Validate reports whether every field of a loaded TeamConfig is usable.
func (c *TeamConfig) Validate() error {
	if c.AgentDefaultType == "" {
		return &validationError{field: "agent_default_type", msg: "must not be empty"}
	}
	if c.AgentReadySettle <= 0 {
		return &validationError{field: "agent_ready_settle", msg: "must be positive"}
	}
	if c.DispatchVerifyDelay <= 0 {
		return &validationError{field: "dispatch_verify_delay", msg: "must be positive"}
	}
	if c.DispatchMinGrowthLines <= 0 {
		return &validationError{field: "dispatch_min_growth_lines", msg: "must be positive"}
	}
	return nil
}

type validationError struct {
	field string
	msg   string
}

func (e *validationError) Error() string {
	return "config: " + e.field + ": " + e.msg
}
