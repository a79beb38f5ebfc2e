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
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agentmesh/teamrt/internal/anomaly"
	"github.com/agentmesh/teamrt/internal/config"
	"github.com/agentmesh/teamrt/internal/executor"
	"github.com/agentmesh/teamrt/internal/httpapi"
	"github.com/agentmesh/teamrt/internal/httpapi/auth"
	"github.com/agentmesh/teamrt/internal/lifecycle"
	"github.com/agentmesh/teamrt/internal/llmclient"
	"github.com/agentmesh/teamrt/internal/messaging"
	"github.com/agentmesh/teamrt/internal/observability"
	"github.com/agentmesh/teamrt/internal/queue"
	"github.com/agentmesh/teamrt/internal/service"
	"github.com/agentmesh/teamrt/internal/session"
	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/internal/store/sqlitestore"
	"github.com/agentmesh/teamrt/internal/templates"
	"github.com/agentmesh/teamrt/internal/triggers"
	"github.com/agentmesh/teamrt/pkg/secrets"
	"github.com/agentmesh/teamrt/pkg/team"
)

// sweepInterval is how often the daemon force-classifies every running
// agent's session, per spec.md §5's "periodic sweep".
const sweepInterval = 20 * time.Second

// workerPoolSize bounds how many team_agent_loop jobs the daemon dispatches
// concurrently, grounded on the teacher's parallel-step semaphore idiom in
// pkg/workflow/executor.go.
const workerPoolSize = 8

type serveOptions struct {
	addr          string
	storeBackend  string
	sqlitePath    string
	redisAddr     string
	triggersFile  string
	jwtSecret     string
	seedWorkspace string
	pidFile       string
	templatesDir  string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the team runtime orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", envOr("TEAM_HTTP_ADDR", ":8090"), "HTTP listen address")
	flags.StringVar(&opts.storeBackend, "store", envOr("TEAM_STORE_BACKEND", "memory"), "deployment store backend: memory|sqlite")
	flags.StringVar(&opts.sqlitePath, "sqlite-path", envOr("TEAM_SQLITE_PATH", "data/teamd.db"), "sqlite database path, used when --store=sqlite")
	flags.StringVar(&opts.redisAddr, "redis-addr", os.Getenv("TEAM_REDIS_ADDR"), "Redis address for the durable job queue; empty uses the in-memory queue")
	flags.StringVar(&opts.triggersFile, "triggers-file", envOr("TEAM_TRIGGERS_FILE", "data/triggers.yaml"), "path to the webhook/schedule trigger registry")
	flags.StringVar(&opts.jwtSecret, "jwt-secret", os.Getenv("TEAM_JWT_SECRET"), "HMAC secret for the HTTP surface's bearer tokens")
	flags.StringVar(&opts.seedWorkspace, "seed-workspace", envOr("TEAM_SEED_WORKSPACE", "default"), "workspace the built-in template catalog is seeded into at startup")
	flags.StringVar(&opts.pidFile, "pid-file", os.Getenv("TEAM_PID_FILE"), "write the daemon's PID to this path while running")
	flags.StringVar(&opts.templatesDir, "templates-dir", os.Getenv("TEAM_TEMPLATES_DIR"), "directory of custom org-pattern YAML files hot-reloaded into the seed workspace's template catalog; empty disables the watcher")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	if opts.jwtSecret == "" {
		return errors.New("serve: --jwt-secret (or TEAM_JWT_SECRET) is required")
	}

	masker := secrets.NewMasker()
	masker.AddSecretsFromEnv(map[string]string{
		config.EnvAnthropicAPIKey: os.Getenv(config.EnvAnthropicAPIKey),
		config.EnvOpenAIAPIKey:    os.Getenv(config.EnvOpenAIAPIKey),
		config.EnvGoogleAPIKey:    os.Getenv(config.EnvGoogleAPIKey),
	})
	masker.AddSecret(opts.jwtSecret)
	logger.Info("starting teamd", "addr", opts.addr, "store", opts.storeBackend,
		"redis_addr", masker.Mask(opts.redisAddr))

	teamCfg := config.LoadFromEnv()
	if err := teamCfg.Validate(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	backend, closeBackend, err := newBackend(opts)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer closeBackend()

	q, closeQueue, err := newJobQueue(opts)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer closeQueue()

	if err := templates.Seed(ctx, backend, opts.seedWorkspace); err != nil {
		return fmt.Errorf("serve: seed templates: %w", err)
	}

	if opts.templatesDir != "" {
		templateWatcher := templates.NewWatcher(opts.templatesDir, opts.seedWorkspace, backend, logger)
		if err := templateWatcher.LoadAll(ctx); err != nil {
			return fmt.Errorf("serve: load custom templates: %w", err)
		}
		if err := templateWatcher.Start(ctx); err != nil {
			return fmt.Errorf("serve: start template watcher: %w", err)
		}
		defer templateWatcher.Close()
	}

	provider, err := observability.NewProvider("teamd", version)
	if err != nil {
		return fmt.Errorf("serve: observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	bus := team.NewBus(true)
	llm := llmclient.New(llmclient.OfflineBackend{})

	sessionCfg := session.DefaultConfig()
	sessionCfg.ScratchBase = teamCfg.AgentDefaultWorkdir
	sessionCfg.ReadySettle = teamCfg.AgentReadySettle
	sessionCfg.DispatchVerifyDelay = teamCfg.DispatchVerifyDelay
	sessionCfg.DispatchMinGrowthLines = teamCfg.DispatchMinGrowthLines
	sessions := session.New(sessionCfg, bus, logger, llm)
	sessions.SetTracer(provider.Tracer("teamrt/session"))

	exec := executor.New(backend, q, llm, bus, logger)
	exec.SetTracer(provider.Tracer("teamrt/executor"))
	exec.SetMetrics(provider.Metrics())
	provider.Metrics().SetSessionCounter(sessions)

	msgs := messaging.New(backend, sessions, bus, logger)

	coordinator := anomaly.New(backend, sessions, exec, msgs, llm, bus, logger)
	coordinator.SetMetrics(provider.Metrics())
	coordinator.Subscribe()

	svc := service.New(backend, backend, backend, sessions, exec, msgs, teamCfg.AgentDefaultWorkdir)

	triggerMgr, err := triggers.NewManager(opts.triggersFile, svc, logger)
	if err != nil {
		return fmt.Errorf("serve: triggers: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Config{
		Service:        svc,
		Deployments:    backend,
		Templates:      backend,
		Classifier:     llm,
		Bus:            bus,
		JWT:            auth.Config{Secret: []byte(opts.jwtSecret)},
		MetricsHandler: provider.MetricsHandler(),
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/webhooks/", http.StripPrefix("/webhooks", triggerMgr.WebhookHandler()))

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pidMgr *lifecycle.PIDFileManager
	if opts.pidFile != "" {
		pidMgr = lifecycle.NewPIDFileManager(opts.pidFile)
		if err := pidMgr.Create(os.Getpid()); err != nil {
			return fmt.Errorf("serve: pid file: %w", err)
		}
		defer pidMgr.Remove()
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(envOr("TEAM_LIFECYCLE_LOG", "data/teamd.lifecycle.log"))
	startedAt := time.Now()
	_ = lifecycleLog.LogStart(version, []string{"--addr", opts.addr, "--store", opts.storeBackend}, "")
	_ = lifecycleLog.LogStartSuccess(os.Getpid(), 0, time.Since(startedAt))
	defer func() { _ = lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(startedAt)) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := newWorkerPool(workerPoolSize, q, backend, sessions, exec, logger)
	workers.Start(runCtx)

	go runSweep(runCtx, sessions, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http surface listening", "addr", opts.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
		_ = lifecycleLog.LogStop(os.Getpid(), false)
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("serve: http surface: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newBackend(opts *serveOptions) (store.FullBackend, func(), error) {
	switch opts.storeBackend {
	case "", "memory":
		st := memorystore.New()
		return st, func() {}, nil
	case "sqlite":
		st, err := sqlitestore.New(sqlitestore.Config{Path: opts.sqlitePath, WAL: true})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", opts.storeBackend)
	}
}

func newJobQueue(opts *serveOptions) (queue.Queue, func(), error) {
	if opts.redisAddr == "" {
		q := queue.New()
		return q, func() { q.Close() }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
	q := queue.NewRedis(client)
	return q, func() { q.Close() }, nil
}
