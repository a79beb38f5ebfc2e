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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/store/memorystore"
	"github.com/agentmesh/teamrt/pkg/team"
)

const customPatternYAML = `
name: custom-pair
version: 1
roles:
  lead:
    capabilities: ["deployment.trigger"]
    minInstances: 1
    maxInstances: 1
    agentType: claude
workflow:
  - kind: assign
    role: lead
    task: "{{.Task}}"
`

func TestWatcher_LoadAllUpsertsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom-pair.yaml"), []byte(customPatternYAML), 0o644))

	st := memorystore.New()
	w := NewWatcher(dir, "ws-1", st, nil)
	require.NoError(t, w.LoadAll(context.Background()))

	tmpl, err := st.GetTemplate(context.Background(), "ws-1", "custom-pair")
	require.NoError(t, err)
	assert.Equal(t, "custom-pair", tmpl.Pattern.Name)
	assert.Equal(t, team.TemplateCustom, tmpl.Kind)
}

func TestWatcher_StartReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	st := memorystore.New()
	w := NewWatcher(dir, "ws-1", st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.LoadAll(ctx))
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	path := filepath.Join(dir, "custom-pair.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customPatternYAML), 0o644))

	require.Eventually(t, func() bool {
		_, err := st.GetTemplate(context.Background(), "ws-1", "custom-pair")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "expected watcher to pick up the new template file")
}
