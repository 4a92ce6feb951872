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

package inventory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Op is how a limit pattern combines with the others.
type Op int

const (
	OpUnion Op = iota
	OpIntersect
	OpExclude
)

// LimitPattern is one element of a limit expression.
type LimitPattern struct {
	Op      Op
	Pattern string
}

// ParseLimit splits a limit expression ("web*:&prod:!web3") into patterns
// and checks each one's syntax. Commas and colons both separate patterns,
// except inside a ~regex where only commas do.
func ParseLimit(limit string) ([]LimitPattern, error) {
	var out []LimitPattern
	for _, item := range splitLimit(limit) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		p := LimitPattern{Op: OpUnion}
		switch item[0] {
		case '!':
			p.Op = OpExclude
			item = item[1:]
		case '&':
			p.Op = OpIntersect
			item = item[1:]
		}
		if item == "" {
			return nil, fmt.Errorf("empty pattern after operator in limit %q", limit)
		}

		if strings.HasPrefix(item, "~") {
			if _, err := regexp.Compile(item[1:]); err != nil {
				return nil, fmt.Errorf("invalid limit regex %q: %w", item, err)
			}
		} else if !doublestar.ValidatePattern(item) {
			return nil, fmt.Errorf("invalid limit pattern %q", item)
		}

		p.Pattern = item
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("limit %q contains no patterns", limit)
	}
	return out, nil
}

func splitLimit(limit string) []string {
	var parts []string
	for _, chunk := range strings.Split(limit, ",") {
		trimmed := strings.TrimSpace(chunk)
		if strings.HasPrefix(strings.TrimLeft(trimmed, "!&"), "~") {
			parts = append(parts, trimmed)
			continue
		}
		parts = append(parts, strings.Split(chunk, ":")...)
	}
	return parts
}
