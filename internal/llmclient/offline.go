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

package llmclient

import (
	"context"
	"errors"
)

// ErrNoCredentials is returned by OfflineBackend for every call, so the
// circuit breaker trips quickly and every caller falls onto its degraded
// default instead of blocking on a provider that was never configured.
var ErrNoCredentials = errors.New("llmclient: no provider credentials configured")

// OfflineBackend is the Backend used when none of the provider credential
// env vars TeamConfig recognizes are set. It fails every call immediately,
// which is what drives the degraded defaults documented on Client's
// methods (condition evaluates to "then", aggregate returns raw sources,
// stall classification defaults to still_working).
type OfflineBackend struct{}

func (OfflineBackend) Classify(ctx context.Context, prompt string) (string, error) {
	return "", ErrNoCredentials
}

func (OfflineBackend) Generate(ctx context.Context, prompt string) (string, error) {
	return "", ErrNoCredentials
}
