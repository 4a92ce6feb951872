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

package model

// HostCounts are the per-host task counters from a play recap.
type HostCounts struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Unreachable int `json:"unreachable"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Rescued     int `json:"rescued"`
	Ignored     int `json:"ignored"`
}

func (c HostCounts) add(o HostCounts) HostCounts {
	return HostCounts{
		OK:          c.OK + o.OK,
		Changed:     c.Changed + o.Changed,
		Unreachable: c.Unreachable + o.Unreachable,
		Failed:      c.Failed + o.Failed,
		Skipped:     c.Skipped + o.Skipped,
		Rescued:     c.Rescued + o.Rescued,
		Ignored:     c.Ignored + o.Ignored,
	}
}

// Summary is the parsed outcome of a run: counts per host and their totals.
// The zero value is the empty summary.
type Summary struct {
	Hosts  map[string]HostCounts `json:"hosts,omitempty"`
	Totals HostCounts            `json:"totals"`
}

// Set records counts for a host, replacing any earlier entry, and
// recomputes the totals.
func (s *Summary) Set(host string, counts HostCounts) {
	if s.Hosts == nil {
		s.Hosts = make(map[string]HostCounts)
	}
	s.Hosts[host] = counts

	var totals HostCounts
	for _, c := range s.Hosts {
		totals = totals.add(c)
	}
	s.Totals = totals
}

// Empty reports whether no host counts were parsed.
func (s Summary) Empty() bool {
	return len(s.Hosts) == 0 && s.Totals == (HostCounts{})
}

// HasFailures reports whether any host failed or was unreachable.
func (s Summary) HasFailures() bool {
	return s.Totals.Failed > 0 || s.Totals.Unreachable > 0
}

// Clone returns a deep copy.
func (s Summary) Clone() Summary {
	out := Summary{Totals: s.Totals}
	if s.Hosts != nil {
		out.Hosts = make(map[string]HostCounts, len(s.Hosts))
		for k, v := range s.Hosts {
			out.Hosts[k] = v
		}
	}
	return out
}
