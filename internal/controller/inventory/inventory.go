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

// Package inventory resolves host and group names for run targeting.
//
// The static inventory reads the YAML inventory format understood by
// ansible: nested groups with "hosts" and "children" maps.
package inventory

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Lookup checks that a target name exists.
type Lookup interface {
	// Exists reports whether name is a known host or group.
	Exists(ctx context.Context, name string) (bool, error)
}

// Selector expands targets and applies limit expressions. Lookups that
// implement it let the validator reject limits that select nothing.
type Selector interface {
	Lookup
	Select(ctx context.Context, targets []string, limit string) ([]string, error)
}

// AllowAll accepts every name. It is used when no inventory is configured.
type AllowAll struct{}

// Exists always reports true.
func (AllowAll) Exists(context.Context, string) (bool, error) { return true, nil }

// Static is an in-memory inventory.
type Static struct {
	hosts  map[string]struct{}
	groups map[string][]string // flattened, sorted member hosts
}

var (
	_ Selector = (*Static)(nil)
	_ Lookup   = AllowAll{}
)

type yamlGroup struct {
	Hosts    map[string]any        `yaml:"hosts"`
	Children map[string]*yamlGroup `yaml:"children"`
}

// Load reads a YAML inventory file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Parse builds a static inventory from YAML.
func Parse(data []byte) (*Static, error) {
	var root map[string]*yamlGroup
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	s := &Static{hosts: map[string]struct{}{}, groups: map[string][]string{}}
	direct := map[string]map[string]struct{}{}
	children := map[string]map[string]struct{}{}

	// A group may be declared in several places; the definitions merge.
	var collect func(name string, g *yamlGroup)
	collect = func(name string, g *yamlGroup) {
		if direct[name] == nil {
			direct[name] = map[string]struct{}{}
			children[name] = map[string]struct{}{}
		}
		if g == nil {
			return
		}
		for host := range g.Hosts {
			s.hosts[host] = struct{}{}
			direct[name][host] = struct{}{}
		}
		for child, cg := range g.Children {
			children[name][child] = struct{}{}
			collect(child, cg)
		}
	}
	for name, g := range root {
		collect(name, g)
	}

	members := map[string]map[string]struct{}{}
	var resolve func(name string, visiting map[string]bool) map[string]struct{}
	resolve = func(name string, visiting map[string]bool) map[string]struct{} {
		if set, ok := members[name]; ok {
			return set
		}
		set := map[string]struct{}{}
		if visiting[name] {
			return set
		}
		visiting[name] = true
		for h := range direct[name] {
			set[h] = struct{}{}
		}
		for child := range children[name] {
			for h := range resolve(child, visiting) {
				set[h] = struct{}{}
			}
		}
		delete(visiting, name)
		members[name] = set
		return set
	}
	for name := range direct {
		resolve(name, map[string]bool{})
	}

	all := map[string]struct{}{}
	for name, set := range members {
		s.groups[name] = sortedKeys(set)
		for h := range set {
			all[h] = struct{}{}
		}
	}
	if _, ok := s.groups["all"]; !ok {
		s.groups["all"] = sortedKeys(all)
	}
	return s, nil
}

// NewStatic builds an inventory from group membership.
func NewStatic(groups map[string][]string) *Static {
	s := &Static{hosts: map[string]struct{}{}, groups: map[string][]string{}}
	all := map[string]struct{}{}
	for name, hosts := range groups {
		set := map[string]struct{}{}
		for _, h := range hosts {
			set[h] = struct{}{}
			s.hosts[h] = struct{}{}
			all[h] = struct{}{}
		}
		s.groups[name] = sortedKeys(set)
	}
	if _, ok := s.groups["all"]; !ok {
		s.groups["all"] = sortedKeys(all)
	}
	return s
}

// Exists reports whether name is a known host or group.
func (s *Static) Exists(_ context.Context, name string) (bool, error) {
	if _, ok := s.hosts[name]; ok {
		return true, nil
	}
	_, ok := s.groups[name]
	return ok, nil
}

// Hosts returns every host in the inventory, sorted.
func (s *Static) Hosts() []string {
	return sortedKeys(s.hosts)
}

// expand resolves a host or group name to hosts.
func (s *Static) expand(name string) []string {
	if members, ok := s.groups[name]; ok {
		return members
	}
	if _, ok := s.hosts[name]; ok {
		return []string{name}
	}
	return nil
}

// Select expands targets to hosts and applies the limit expression. The
// result keeps first-seen target order.
func (s *Static) Select(_ context.Context, targets []string, limit string) ([]string, error) {
	var ordered []string
	seen := map[string]bool{}
	for _, t := range targets {
		for _, h := range s.expand(t) {
			if !seen[h] {
				seen[h] = true
				ordered = append(ordered, h)
			}
		}
	}
	if strings.TrimSpace(limit) == "" {
		return ordered, nil
	}

	patterns, err := ParseLimit(limit)
	if err != nil {
		return nil, err
	}

	var union map[string]bool
	intersect := []map[string]bool{}
	exclude := map[string]bool{}
	for _, p := range patterns {
		matched, err := s.match(p.Pattern)
		if err != nil {
			return nil, err
		}
		switch p.Op {
		case OpExclude:
			for h := range matched {
				exclude[h] = true
			}
		case OpIntersect:
			intersect = append(intersect, matched)
		default:
			if union == nil {
				union = map[string]bool{}
			}
			for h := range matched {
				union[h] = true
			}
		}
	}

	var out []string
	for _, h := range ordered {
		if union != nil && !union[h] {
			continue
		}
		if exclude[h] {
			continue
		}
		keep := true
		for _, set := range intersect {
			if !set[h] {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, h)
		}
	}
	return out, nil
}

// match returns the hosts selected by one limit pattern: an exact host or
// group name, a glob over host and group names, or a ~regex.
func (s *Static) match(pattern string) (map[string]bool, error) {
	out := map[string]bool{}
	add := func(name string) {
		for _, h := range s.expand(name) {
			out[h] = true
		}
	}

	if strings.HasPrefix(pattern, "~") {
		re, err := regexp.Compile(pattern[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid limit regex %q: %w", pattern, err)
		}
		for _, name := range s.names() {
			if re.MatchString(name) {
				add(name)
			}
		}
		return out, nil
	}

	if s.expand(pattern) != nil {
		add(pattern)
		return out, nil
	}

	for _, name := range s.names() {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("invalid limit pattern %q: %w", pattern, err)
		}
		if ok {
			add(name)
		}
	}
	return out, nil
}

func (s *Static) names() []string {
	names := make([]string, 0, len(s.hosts)+len(s.groups))
	for h := range s.hosts {
		names = append(names, h)
	}
	for g := range s.groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
