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
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

type triggerOptions struct {
	deploymentID string
}

func newTriggerCommand() *cobra.Command {
	opts := &triggerOptions{}
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manually start a deployed team's next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(opts)
		},
	}
	cmd.Flags().StringVar(&opts.deploymentID, "deployment", "", "deployment id to trigger (required)")
	return cmd
}

func runTrigger(opts *triggerOptions) error {
	if opts.deploymentID == "" {
		return errors.New("trigger: --deployment is required")
	}

	var resp struct {
		Status string `json:"status"`
	}
	req := map[string]string{"deploymentId": opts.deploymentID}
	if err := postJSON("/teams/deployments/trigger", req, &resp); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	fmt.Println(resp.Status)
	return nil
}
