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

// Package triggers fires a deployment's trigger (§4.8 TriggerTeamRun) from
// an external signal instead of an explicit API call: a webhook POST or a
// cron schedule. This is a supplemented feature (§12 of SPEC_FULL.md): the
// core spec only requires the synchronous `trigger` endpoint, but every
// deployment of this shape in the wild eventually needs to be kicked off by
// something other than a human clicking a button.
package triggers

import "time"

// WebhookTrigger fires TriggerTeamRun(DeploymentID) when a signed POST
// arrives at Path.
type WebhookTrigger struct {
	Path         string `json:"path" yaml:"path"`
	WorkspaceID  string `json:"workspaceId" yaml:"workspace_id"`
	DeploymentID string `json:"deploymentId" yaml:"deployment_id"`
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	Secret       string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// ScheduleTrigger fires TriggerTeamRun(DeploymentID) on a cron schedule.
type ScheduleTrigger struct {
	Name         string `json:"name" yaml:"name"`
	WorkspaceID  string `json:"workspaceId" yaml:"workspace_id"`
	DeploymentID string `json:"deploymentId" yaml:"deployment_id"`
	Cron         string `json:"cron" yaml:"cron"`
	Timezone     string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	lastRun      time.Time
}

// CreateWebhookRequest is the request to register a webhook trigger.
type CreateWebhookRequest struct {
	WorkspaceID  string `json:"workspaceId"`
	DeploymentID string `json:"deploymentId"`
	Path         string `json:"path"`
	Source       string `json:"source,omitempty"`
	Secret       string `json:"secret,omitempty"`
}

// CreateScheduleRequest is the request to register a schedule trigger.
type CreateScheduleRequest struct {
	WorkspaceID  string `json:"workspaceId"`
	DeploymentID string `json:"deploymentId"`
	Name         string `json:"name"`
	Cron         string `json:"cron,omitempty"`
	Every        string `json:"every,omitempty"`
	At           string `json:"at,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// fileState is the on-disk shape persisted by Manager.
type fileState struct {
	Webhooks  []WebhookTrigger  `yaml:"webhooks"`
	Schedules []ScheduleTrigger `yaml:"schedules"`
}
