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
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisListKey = "teamrt:queue:team_agent_loop"

// RedisQueue is a durable, multi-worker Queue backed by a Redis list,
// used when the daemon is configured with a Redis endpoint so dispatched
// jobs survive a daemon restart and can be serviced by more than one
// worker process.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedis returns a Queue backed by client, blocking on BRPOP against a
// single list key so multiple worker processes share the backlog
// fairly without a separate broker.
func NewRedis(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: redisListKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Dequeue blocks (via BRPOP) for up to 5s at a time, re-polling until ctx
// is cancelled, so a cancelled context returns promptly instead of
// blocking indefinitely inside the Redis client.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		default:
		}

		result, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Job{}, fmt.Errorf("queue: dequeue: %w", err)
		}
		if len(result) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			return Job{}, fmt.Errorf("queue: unmarshal job: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
