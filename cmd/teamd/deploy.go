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
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/teamrt/pkg/team"
)

type deployOptions struct {
	spaceID        string
	deploymentName string
	task           string
	projectID      string
	templateID     string
	patternFile    string
}

func newDeployCommand() *cobra.Command {
	opts := &deployOptions{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a team from a template or an inline org-pattern file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.spaceID, "space", "", "target space id (required)")
	flags.StringVar(&opts.deploymentName, "name", "", "deployment name")
	flags.StringVar(&opts.task, "task", "", "initial task description given to the team lead")
	flags.StringVar(&opts.projectID, "project", "", "project id to associate the deployment with")
	flags.StringVar(&opts.templateID, "template", "", "template id to deploy from")
	flags.StringVar(&opts.patternFile, "pattern-file", "", "path to a YAML org-pattern file to deploy inline, instead of --template")
	cmd.MarkFlagsOneRequired("template", "pattern-file")
	cmd.MarkFlagsMutuallyExclusive("template", "pattern-file")
	return cmd
}

func runDeploy(opts *deployOptions) error {
	if opts.spaceID == "" {
		return errors.New("deploy: --space is required")
	}

	var resp struct {
		Deployment team.Deployment `json:"deployment"`
		Agents     []team.Agent    `json:"agents"`
	}

	if opts.templateID != "" {
		req := map[string]any{
			"templateId":     opts.templateID,
			"spaceId":        opts.spaceID,
			"deploymentName": opts.deploymentName,
			"task":           opts.task,
			"projectId":      opts.projectID,
		}
		if err := postJSON("/teams/deploy", req, &resp); err != nil {
			return fmt.Errorf("deploy: %w", err)
		}
	} else {
		raw, err := os.ReadFile(opts.patternFile)
		if err != nil {
			return fmt.Errorf("deploy: read pattern file: %w", err)
		}
		var pattern team.OrgPattern
		if err := yaml.Unmarshal(raw, &pattern); err != nil {
			return fmt.Errorf("deploy: parse pattern file: %w", err)
		}
		req := map[string]any{
			"pattern":        pattern,
			"spaceId":        opts.spaceID,
			"deploymentName": opts.deploymentName,
			"task":           opts.task,
			"projectId":      opts.projectID,
		}
		if err := postJSON("/teams/deploy-pattern", req, &resp); err != nil {
			return fmt.Errorf("deploy: %w", err)
		}
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("deploy: format response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
