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

package templates

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/teamrt/internal/store"
	"github.com/agentmesh/teamrt/pkg/team"
)

// Watcher keeps a workspace's custom template catalog in sync with a
// directory of org-pattern YAML files, so an operator can drop or edit a
// file there and have it usable as a template without restarting the
// daemon, the way the teacher's filewatcher drove workflow-file reloads.
type Watcher struct {
	dir         string
	workspaceID string
	store       store.TemplateStore
	logger      *slog.Logger
	watcher     *fsnotify.Watcher
}

// NewWatcher creates a watcher over dir, scoping every template it loads to
// workspaceID. dir need not exist yet; LoadAll creates it, and Start returns
// an error if it does not exist.
func NewWatcher(dir, workspaceID string, ts store.TemplateStore, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:         dir,
		workspaceID: workspaceID,
		store:       ts,
		logger:      logger.With(slog.String("component", "templates.watcher"), slog.String("dir", dir)),
	}
}

// LoadAll synchronously loads every *.yaml file currently in the directory,
// upserting each as a custom template. Call once before Start so the
// catalog is complete before the daemon serves traffic.
func (w *Watcher) LoadAll(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		if err := w.upsert(ctx, filepath.Join(w.dir, e.Name())); err != nil {
			w.logger.Warn("failed to load template file", "file", e.Name(), "error", err)
		}
	}
	return nil
}

// Start begins watching the directory for changes, applying each create or
// write event as a template upsert and each remove as a template deletion.
// It returns once the watch is established; events are handled on a
// background goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw

	go w.loop(ctx)
	w.logger.Info("template hot-reload watcher started")
	return nil
}

// Close stops the watcher and releases its OS resources.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if err := w.upsert(ctx, ev.Name); err != nil {
					w.logger.Warn("template reload failed", "file", ev.Name, "error", err)
				} else {
					w.logger.Info("template reloaded", "file", ev.Name)
				}
			case ev.Op&fsnotify.Remove != 0:
				if err := w.remove(ctx, ev.Name); err != nil {
					w.logger.Warn("template removal failed", "file", ev.Name, "error", err)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("template watcher error", "error", err)
		}
	}
}

func (w *Watcher) upsert(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pattern team.OrgPattern
	if err := yaml.Unmarshal(raw, &pattern); err != nil {
		return err
	}

	id := templateIDFromPath(path)
	now := time.Now()
	existing, err := w.store.GetTemplate(ctx, w.workspaceID, id)
	if err == nil {
		existing.Name = pattern.Name
		existing.Pattern = pattern
		existing.UpdatedAt = now
		return w.store.UpdateTemplate(ctx, existing)
	}

	return w.store.CreateTemplate(ctx, &team.Template{
		ID:          id,
		WorkspaceID: w.workspaceID,
		Name:        pattern.Name,
		Kind:        team.TemplateCustom,
		Pattern:     pattern,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (w *Watcher) remove(ctx context.Context, path string) error {
	return w.store.DeleteTemplate(ctx, w.workspaceID, templateIDFromPath(path))
}

func templateIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".yaml")
}
