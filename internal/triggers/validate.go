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

package triggers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var secretRefRegex = regexp.MustCompile(`^\$\{[A-Z_][A-Z0-9_]*\}$`)

// ValidateCron does a structural check of a 5-field cron expression: each
// field is * or a comma-separated list of integers within that field's
// bounds. Step values and ranges are rejected.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("invalid cron expression %q: want 5 space-separated fields", expr)
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	for i, f := range fields {
		if f == "*" {
			continue
		}
		for _, part := range strings.Split(f, ",") {
			if _, err := parseCronField(part, bounds[i]); err != nil {
				return fmt.Errorf("invalid cron expression %q: field %d: %w", expr, i, err)
			}
		}
	}
	return nil
}

func parseCronField(part string, bound [2]int) (int, error) {
	n, err := strconv.Atoi(part)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", part)
	}
	if n < bound[0] || n > bound[1] {
		return 0, fmt.Errorf("%d out of range [%d,%d]", n, bound[0], bound[1])
	}
	return n, nil
}

// ValidateSecretRef validates that a secret reference matches ${VAR_NAME}.
func ValidateSecretRef(secret string) error {
	if secret == "" {
		return nil
	}
	if !secretRefRegex.MatchString(secret) {
		return fmt.Errorf("invalid secret format, use ${VAR_NAME}")
	}
	return nil
}

// ValidateTimezone validates that tz is a loadable IANA timezone.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	_, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone: %s", tz)
	}
	return nil
}

// ValidatePath rejects webhook paths that look like they're trying to
// escape the registered trigger namespace.
func ValidatePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return fmt.Errorf("invalid webhook path: %q", path)
	}
	return nil
}
