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

package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue/Dequeue once Close has been called.
var ErrClosed = errors.New("queue: closed")

// defaultCapacity bounds the in-memory queue's backlog; a single-process
// deployment's worker pool is expected to keep pace with dispatch, so this
// is generous headroom rather than a tuned production value.
const defaultCapacity = 1024

// MemQueue is a single-process, non-durable Queue backed by a buffered
// channel, used when no Redis endpoint is configured.
type MemQueue struct {
	jobs chan Job

	closeOnce sync.Once
	done      chan struct{}
}

// New returns an in-memory Queue with room for defaultCapacity pending jobs.
func New() *MemQueue {
	return &MemQueue{
		jobs: make(chan Job, defaultCapacity),
		done: make(chan struct{}),
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

func (q *MemQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return Job{}, ErrClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, ErrClosed
	}
}

func (q *MemQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
