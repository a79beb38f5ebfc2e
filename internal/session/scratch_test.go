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

package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/session"
)

func TestScratchDir_RejectsInvalidIDs(t *testing.T) {
	base := t.TempDir()

	_, err := session.ScratchDir(base, "dep/../escape", "agent-1")
	assert.Error(t, err)

	_, err = session.ScratchDir(base, "dep-1", "agent 1")
	assert.Error(t, err)
}

func TestScratchDir_ResolvesUnderBase(t *testing.T) {
	base := t.TempDir()

	dir, err := session.ScratchDir(base, "dep-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "dep-1", "agent-1"), dir)
}

func TestEnsureScratchDir_CreatesDirectory(t *testing.T) {
	base := t.TempDir()

	dir, err := session.EnsureScratchDir(base, "dep-1", "agent-1")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCleanScratchDir_RemovesOnlyThatAgent(t *testing.T) {
	base := t.TempDir()

	dirA, err := session.EnsureScratchDir(base, "dep-1", "agent-a")
	require.NoError(t, err)
	dirB, err := session.EnsureScratchDir(base, "dep-1", "agent-b")
	require.NoError(t, err)

	require.NoError(t, session.CleanScratchDir(base, "dep-1", "agent-a"))

	_, err = os.Stat(dirA)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dirB)
	assert.NoError(t, err)
}

func TestCleanDeploymentScratch_RemovesWholeDeployment(t *testing.T) {
	base := t.TempDir()
	_, err := session.EnsureScratchDir(base, "dep-1", "agent-a")
	require.NoError(t, err)

	require.NoError(t, session.CleanDeploymentScratch(base, "dep-1"))

	_, err = os.Stat(filepath.Join(base, "dep-1"))
	assert.True(t, os.IsNotExist(err))
}
