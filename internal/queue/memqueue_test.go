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

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/teamrt/internal/queue"
)

func TestMemQueue_EnqueueDequeueRoundTrip(t *testing.T) {
	q := queue.New()
	defer q.Close()

	job := queue.Job{
		Kind:         queue.AgentLoopJob,
		TeamAgentID:  "agent-1",
		DeploymentID: "dep-1",
		Role:         "builder",
		StepID:       "step_0",
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestMemQueue_DequeueRespectsContextCancellation(t *testing.T) {
	q := queue.New()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemQueue_ClosedQueueRejectsOperations(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Close())

	ctx := context.Background()
	assert.ErrorIs(t, q.Enqueue(ctx, queue.Job{}), queue.ErrClosed)

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestMemQueue_PreservesFIFOOrder(t *testing.T) {
	q := queue.New()
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, queue.Job{StepID: string(rune('a' + i))}))
	}
	for i := 0; i < 3; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, string(rune('a'+i)), got.StepID)
	}
}
