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

package process

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/jq"
)

var (
	recapHeader = regexp.MustCompile(`^PLAY RECAP\b`)
	recapLine   = regexp.MustCompile(`^(\S+)\s+:\s+((?:\w+=\d+\s*)+)$`)
	recapPair   = regexp.MustCompile(`(\w+)=(\d+)`)
)

// ParseRecap extracts host counts from the PLAY RECAP section of text
// output. Lines outside the recap are ignored. When several recaps appear
// the last one wins.
func ParseRecap(lines []string) model.Summary {
	var summary model.Summary
	inRecap := false
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if recapHeader.MatchString(line) {
			inRecap = true
			summary = model.Summary{}
			continue
		}
		if !inRecap {
			continue
		}
		if line == "" {
			inRecap = false
			continue
		}
		if host, counts, ok := parseRecapLine(line); ok {
			summary.Set(host, counts)
		}
	}
	return summary
}

func parseRecapLine(line string) (string, model.HostCounts, bool) {
	m := recapLine.FindStringSubmatch(line)
	if m == nil {
		return "", model.HostCounts{}, false
	}
	fields := map[string]int{}
	for _, pair := range recapPair.FindAllStringSubmatch(m[2], -1) {
		n, err := strconv.Atoi(pair[2])
		if err != nil {
			continue
		}
		fields[pair[1]] = n
	}
	return m[1], countsFromMap(func(k string) (int, bool) {
		v, ok := fields[k]
		return v, ok
	}), true
}

// ParseStats converts the value of a json callback "stats" object
// ({host: {ok, changed, failures, ...}}) into a summary.
func ParseStats(v any) model.Summary {
	var summary model.Summary
	hosts, ok := v.(map[string]any)
	if !ok {
		return summary
	}
	for host, raw := range hosts {
		counters, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		summary.Set(host, countsFromMap(func(k string) (int, bool) {
			switch n := counters[k].(type) {
			case float64:
				return int(n), true
			case int:
				return n, true
			}
			return 0, false
		}))
	}
	return summary
}

func countsFromMap(get func(string) (int, bool)) model.HostCounts {
	val := func(keys ...string) int {
		for _, k := range keys {
			if v, ok := get(k); ok {
				return v
			}
		}
		return 0
	}
	return model.HostCounts{
		OK:          val("ok"),
		Changed:     val("changed"),
		Unreachable: val("unreachable"),
		Failed:      val("failed", "failures"),
		Skipped:     val("skipped"),
		Rescued:     val("rescued"),
		Ignored:     val("ignored"),
	}
}

// summaryCollector watches stdout lines and keeps only what the summary
// needs: the recap section, or the whole document when output is JSON and
// fits in maxJSON bytes.
type summaryCollector struct {
	maxJSON int

	started  bool
	jsonMode bool
	overflow bool
	doc      bytes.Buffer

	inRecap bool
	recap   []string
}

func newSummaryCollector(maxJSON int) *summaryCollector {
	return &summaryCollector{maxJSON: maxJSON}
}

func (c *summaryCollector) observe(line string) {
	if !c.started {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return
		}
		c.started = true
		c.jsonMode = strings.HasPrefix(trimmed, "{")
	}

	if c.jsonMode && !c.overflow {
		if c.doc.Len()+len(line)+1 > c.maxJSON {
			c.overflow = true
			c.doc.Reset()
		} else {
			c.doc.WriteString(line)
			c.doc.WriteByte('\n')
		}
	}

	trimmed := strings.TrimSpace(line)
	if recapHeader.MatchString(trimmed) {
		c.inRecap = true
		c.recap = c.recap[:0]
	}
	if c.inRecap {
		c.recap = append(c.recap, line)
		if trimmed == "" {
			c.inRecap = false
		}
	}
}

// summary returns the parsed counts. Parse failures yield an empty summary.
func (c *summaryCollector) summary(ctx context.Context, query *jq.Query) model.Summary {
	if c.jsonMode && !c.overflow && query != nil {
		if v, err := query.RunJSON(ctx, c.doc.Bytes()); err == nil {
			if s := ParseStats(v); !s.Empty() {
				return s
			}
		}
	}
	return ParseRecap(c.recap)
}
