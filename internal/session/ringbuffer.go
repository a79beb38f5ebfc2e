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

package session

import (
	"strings"
	"sync"
)

// maxBufferedLines bounds how much captured subprocess output a session
// keeps in memory; a live CLI agent can run for hours, so the buffer is a
// sliding window rather than an unbounded log.
const maxBufferedLines = 4000

// ringBuffer is a line-oriented, fixed-capacity capture buffer for one
// session's combined stdout/stderr.
type ringBuffer struct {
	mu    sync.RWMutex
	lines []string
	total int // monotonically increasing count of lines ever appended
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{lines: make([]string, 0, maxBufferedLines)}
}

func (r *ringBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	r.total++
	if len(r.lines) > maxBufferedLines {
		r.lines = r.lines[len(r.lines)-maxBufferedLines:]
	}
}

func (r *ringBuffer) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.Join(r.lines, "\n")
}

// LineCount returns the total number of lines ever appended, not the
// number currently retained, so dispatch-verification growth checks are
// correct even once the buffer has wrapped.
func (r *ringBuffer) LineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Tail returns the last n bytes of currently retained output.
func (r *ringBuffer) Tail(n int) string {
	s := r.String()
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
