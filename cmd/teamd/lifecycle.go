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
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh/teamrt/internal/lifecycle"
)

type startOptions struct {
	addr          string
	pidFile       string
	logFile       string
	lifecycleLog  string
	healthTimeout time.Duration
	serveArgs     []string
}

// newStartCommand backgrounds `teamd serve` as a detached daemon and blocks
// until its /healthz endpoint answers or healthTimeout elapses.
func newStartCommand() *cobra.Command {
	opts := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Spawn teamd serve as a detached background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", envOr("TEAM_HTTP_ADDR", ":8090"), "HTTP listen address the spawned daemon will bind")
	flags.StringVar(&opts.pidFile, "pid-file", envOr("TEAM_PID_FILE", "data/teamd.pid"), "PID file the daemon will write")
	flags.StringVar(&opts.logFile, "log-file", envOr("TEAM_LOG_FILE", "data/teamd.out.log"), "file the daemon's stdout/stderr are redirected to")
	flags.StringVar(&opts.lifecycleLog, "lifecycle-log", envOr("TEAM_LIFECYCLE_LOG", "data/teamd.lifecycle.log"), "file this command's start/stop audit events are appended to")
	flags.DurationVar(&opts.healthTimeout, "health-timeout", 30*time.Second, "how long to wait for the daemon's /healthz to come up")
	return cmd
}

func runStart(opts *startOptions) error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("start: resolve executable: %w", err)
	}

	audit := lifecycle.NewLifecycleLogger(opts.lifecycleLog)
	args := []string{"serve", "--addr", opts.addr, "--pid-file", opts.pidFile}
	_ = audit.LogStart(version, args, "")

	pidMgr := lifecycle.NewPIDFileManager(opts.pidFile)
	if pidMgr.Exists() {
		if pid, readErr := pidMgr.Read(); readErr == nil && lifecycle.IsTeamdProcess(pid) {
			_ = audit.LogAlreadyRunning(pid)
			return fmt.Errorf("start: teamd is already running (pid %d, pid file %s)", pid, opts.pidFile)
		}
		_ = audit.LogStalePID(0, "pid file present but process is not a teamd daemon")
	}

	spawner := lifecycle.NewSpawner()
	startedAt := time.Now()
	pid, err := spawner.SpawnDetached(binary, args, opts.logFile)
	if err != nil {
		_ = audit.LogStartFailure(err)
		return fmt.Errorf("start: %w", err)
	}

	endpoint := healthzURL(opts.addr)
	checker := lifecycle.NewHealthChecker(endpoint)
	attempts := 0
	var lastResponseTime time.Duration
	waitErr := checker.WaitUntilHealthyWithCallback(opts.healthTimeout, func(res *lifecycle.HealthCheckResult, n int) {
		attempts = n
		lastResponseTime = res.ResponseTime
	})
	if waitErr != nil {
		_ = audit.LogHealthCheckFailed(endpoint, attempts, lastResponseTime, waitErr)
		return fmt.Errorf("start: daemon did not become healthy: %w", waitErr)
	}

	_ = audit.LogStartSuccess(pid, attempts, time.Since(startedAt))
	fmt.Printf("teamd started (pid %d)\n", pid)
	return nil
}

type stopOptions struct {
	pidFile      string
	lifecycleLog string
	timeout      time.Duration
	force        bool
}

// newStopCommand signals a running daemon to shut down, verifying the PID
// file actually names a teamd process before sending anything.
func newStopCommand() *cobra.Command {
	opts := &stopOptions{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a teamd daemon started with `teamd start`",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.pidFile, "pid-file", envOr("TEAM_PID_FILE", "data/teamd.pid"), "PID file written by `teamd start`")
	flags.StringVar(&opts.lifecycleLog, "lifecycle-log", envOr("TEAM_LIFECYCLE_LOG", "data/teamd.lifecycle.log"), "file this command's stop audit events are appended to")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for graceful shutdown before force-killing")
	flags.BoolVar(&opts.force, "force", false, "send SIGKILL if the daemon does not exit within --timeout")
	return cmd
}

func runStop(opts *stopOptions) error {
	audit := lifecycle.NewLifecycleLogger(opts.lifecycleLog)
	pidMgr := lifecycle.NewPIDFileManager(opts.pidFile)

	pid, err := pidMgr.Read()
	if err != nil {
		return fmt.Errorf("stop: read pid file: %w", err)
	}
	if !lifecycle.IsTeamdProcess(pid) {
		_ = audit.LogStalePID(pid, "pid file does not name a teamd process")
		return fmt.Errorf("stop: %w (pid %d)", lifecycle.ErrNotTeamdProcess, pid)
	}

	_ = audit.LogStop(pid, opts.force)
	startedAt := time.Now()
	if err := lifecycle.GracefulShutdown(pid, opts.timeout, opts.force); err != nil {
		_ = audit.LogStopFailure(pid, err)
		return fmt.Errorf("stop: %w", err)
	}
	_ = audit.LogStopSuccess(pid, time.Since(startedAt))
	_ = pidMgr.Remove()
	fmt.Printf("teamd stopped (pid %d)\n", pid)
	return nil
}

// healthzURL derives the daemon's health-check URL from its listen address.
func healthzURL(addr string) string {
	host := strings.TrimPrefix(addr, ":")
	if host == addr {
		return (&url.URL{Scheme: "http", Host: addr, Path: "/healthz"}).String()
	}
	return (&url.URL{Scheme: "http", Host: "localhost:" + host, Path: "/healthz"}).String()
}
