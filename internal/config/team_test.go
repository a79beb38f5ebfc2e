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

package config

import (
	"os"
	"testing"
	"time"
)

func clearTeamEnv() {
	for _, k := range []string{
		EnvAgentDefaultType, EnvAgentDefaultWorkdir, EnvAgentReadySettleMS,
		EnvDispatchVerifyDelayMS, EnvDispatchMinGrowthLines, EnvGeminiAgentModel,
	} {
		os.Unsetenv(k)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearTeamEnv()
	cfg := LoadFromEnv()
	want := Default()
	if *cfg != *want {
		t.Errorf("LoadFromEnv() with no env = %+v, want %+v", cfg, want)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearTeamEnv()
	defer clearTeamEnv()

	os.Setenv(EnvAgentDefaultType, "codex")
	os.Setenv(EnvAgentDefaultWorkdir, "/tmp/scratch")
	os.Setenv(EnvAgentReadySettleMS, "750")
	os.Setenv(EnvDispatchVerifyDelayMS, "2500")
	os.Setenv(EnvDispatchMinGrowthLines, "5")
	os.Setenv(EnvGeminiAgentModel, "gemini-2.5-pro")

	cfg := LoadFromEnv()
	if cfg.AgentDefaultType != "codex" {
		t.Errorf("AgentDefaultType = %q, want codex", cfg.AgentDefaultType)
	}
	if cfg.AgentDefaultWorkdir != "/tmp/scratch" {
		t.Errorf("AgentDefaultWorkdir = %q, want /tmp/scratch", cfg.AgentDefaultWorkdir)
	}
	if cfg.AgentReadySettle != 750*time.Millisecond {
		t.Errorf("AgentReadySettle = %v, want 750ms", cfg.AgentReadySettle)
	}
	if cfg.DispatchVerifyDelay != 2500*time.Millisecond {
		t.Errorf("DispatchVerifyDelay = %v, want 2500ms", cfg.DispatchVerifyDelay)
	}
	if cfg.DispatchMinGrowthLines != 5 {
		t.Errorf("DispatchMinGrowthLines = %d, want 5", cfg.DispatchMinGrowthLines)
	}
	if cfg.GeminiAgentModel != "gemini-2.5-pro" {
		t.Errorf("GeminiAgentModel = %q, want gemini-2.5-pro", cfg.GeminiAgentModel)
	}
}

func TestLoadFromEnv_IgnoresInvalidIntegers(t *testing.T) {
	clearTeamEnv()
	defer clearTeamEnv()

	os.Setenv(EnvAgentReadySettleMS, "not-a-number")
	os.Setenv(EnvDispatchMinGrowthLines, "-3")

	cfg := LoadFromEnv()
	want := Default()
	if cfg.AgentReadySettle != want.AgentReadySettle {
		t.Errorf("AgentReadySettle = %v, want default %v", cfg.AgentReadySettle, want.AgentReadySettle)
	}
	if cfg.DispatchMinGrowthLines != want.DispatchMinGrowthLines {
		t.Errorf("DispatchMinGrowthLines = %d, want default %d", cfg.DispatchMinGrowthLines, want.DispatchMinGrowthLines)
	}
}

func TestTeamConfig_Validate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults: %v", err)
	}

	cfg.AgentDefaultType = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject empty AgentDefaultType")
	}

	cfg = Default()
	cfg.DispatchMinGrowthLines = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject zero DispatchMinGrowthLines")
	}
}

func TestApplyDefaults_FillsOnlyZeroFields(t *testing.T) {
	cfg := &TeamConfig{AgentDefaultType: "codex"}
	cfg.applyDefaults()
	if cfg.AgentDefaultType != "codex" {
		t.Errorf("applyDefaults overwrote set field: %q", cfg.AgentDefaultType)
	}
	if cfg.AgentDefaultWorkdir != Default().AgentDefaultWorkdir {
		t.Errorf("applyDefaults did not fill AgentDefaultWorkdir")
	}
}
