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

// Package options validates and normalizes run submission parameters.
package options

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/controller/inventory"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Bounds for numeric options.
const (
	DefaultForks             = 5
	MinForks                 = 1
	MaxForks                 = 200
	DefaultConnectionTimeout = 30
	MaxConnectionTimeout     = 3600
	MinExecutionTimeout      = time.Second
	MaxExecutionTimeout      = 24 * time.Hour
	MaxVerbosity             = 4
	MaxPriority              = 9
	DefaultBecomeUser        = "root"
	DefaultBecomeMethod      = "sudo"
)

// BecomeMethods lists the privilege escalation methods accepted.
var BecomeMethods = []string{"sudo", "su", "pbrun", "pfexec", "doas", "dzdo", "ksu", "runas", "machinectl"}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Request is the raw submission body. Pointer fields distinguish "absent"
// from zero so defaults can be applied.
type Request struct {
	Playbook          string         `json:"playbook"`
	Hosts             []string       `json:"hosts"`
	Limit             string         `json:"limit,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	SkipTags          []string       `json:"skip_tags,omitempty"`
	ExtraVars         map[string]any `json:"extra_vars,omitempty"`
	Forks             *int           `json:"forks,omitempty"`
	Verbosity         *int           `json:"verbosity,omitempty"`
	Check             bool           `json:"check,omitempty"`
	Diff              bool           `json:"diff,omitempty"`
	Become            bool           `json:"become,omitempty"`
	BecomeUser        string         `json:"become_user,omitempty"`
	BecomeMethod      string         `json:"become_method,omitempty"`
	ConnectionTimeout *int           `json:"connection_timeout,omitempty"`
	ExecutionTimeout  *Duration      `json:"execution_timeout,omitempty"`
	SoftTimeout       *Duration      `json:"soft_timeout,omitempty"`
	Queue             string         `json:"queue,omitempty"`
	Priority          *int           `json:"priority,omitempty"`
}

// Decode reads a Request from JSON, rejecting unknown fields and trailing data.
func Decode(r io.Reader) (*Request, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, &stagehanderrors.ValidationError{Field: "body", Message: err.Error()}
	}
	if dec.More() {
		return nil, &stagehanderrors.ValidationError{Field: "body", Message: "unexpected data after JSON object"}
	}
	return &req, nil
}

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be seconds or a duration string")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Limits carries the configuration the validator depends on.
type Limits struct {
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	Classes        map[string]int
}

// LimitsFromConfig derives validator limits from engine configuration.
func LimitsFromConfig(cfg config.EngineConfig) Limits {
	return Limits{
		DefaultTimeout: cfg.DefaultTimeout,
		KillGrace:      cfg.KillGrace,
		Classes:        cfg.Classes,
	}
}

// Validate checks every field of req and returns the normalized options. All
// offending fields are reported together in *errors.ValidationErrors.
func Validate(ctx context.Context, req *Request, lookup inventory.Lookup, limits Limits) (*model.Options, error) {
	if req == nil {
		return nil, &stagehanderrors.ValidationError{Field: "body", Message: "request is required"}
	}
	if lookup == nil {
		lookup = inventory.AllowAll{}
	}

	errs := &stagehanderrors.ValidationErrors{}
	opts := &model.Options{
		Check:  req.Check,
		Diff:   req.Diff,
		Become: req.Become,
	}

	validatePlaybook(req.Playbook, opts, errs)

	opts.Forks = intInRange(req.Forks, DefaultForks, MinForks, MaxForks, "forks", errs)
	opts.Verbosity = intInRange(req.Verbosity, 0, 0, MaxVerbosity, "verbosity", errs)
	opts.ConnectionTimeout = intInRange(req.ConnectionTimeout, DefaultConnectionTimeout, 1, MaxConnectionTimeout, "connection_timeout", errs)
	opts.Priority = intInRange(req.Priority, 0, 0, MaxPriority, "priority", errs)

	validateTimeouts(req, limits, opts, errs)
	validateBecome(req, opts, errs)
	validateTags(req, opts, errs)
	validateExtraVars(req.ExtraVars, opts, errs)

	opts.Queue = req.Queue
	if opts.Queue == "" {
		opts.Queue = config.ClassRuns
	}
	if len(limits.Classes) > 0 {
		if _, ok := limits.Classes[opts.Queue]; !ok {
			errs.Add("queue", "unknown queue class %q", opts.Queue)
		}
	}

	if err := validateHosts(ctx, req, lookup, opts, errs); err != nil {
		return nil, err
	}

	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return opts, nil
}

func validatePlaybook(playbook string, opts *model.Options, errs *stagehanderrors.ValidationErrors) {
	playbook = strings.TrimSpace(playbook)
	switch {
	case playbook == "":
		errs.Add("playbook", "is required")
		return
	case strings.HasPrefix(playbook, "/"):
		errs.Add("playbook", "must be a relative path")
		return
	}
	for _, part := range strings.Split(playbook, "/") {
		if part == ".." {
			errs.Add("playbook", "must not contain '..'")
			return
		}
	}
	ext := strings.ToLower(path.Ext(playbook))
	if ext != ".yml" && ext != ".yaml" {
		errs.Add("playbook", "must have a .yml or .yaml extension")
		return
	}
	opts.Playbook = path.Clean(playbook)
}

func intInRange(v *int, def, lo, hi int, field string, errs *stagehanderrors.ValidationErrors) int {
	if v == nil {
		return def
	}
	if *v < lo || *v > hi {
		errs.Add(field, "must be between %d and %d, got %d", lo, hi, *v)
		return def
	}
	return *v
}

func validateTimeouts(req *Request, limits Limits, opts *model.Options, errs *stagehanderrors.ValidationErrors) {
	hard := limits.DefaultTimeout
	if hard <= 0 {
		hard = 30 * time.Minute
	}
	if req.ExecutionTimeout != nil {
		hard = time.Duration(*req.ExecutionTimeout)
		if hard < MinExecutionTimeout || hard > MaxExecutionTimeout {
			errs.Add("execution_timeout", "must be between %s and %s, got %s", MinExecutionTimeout, MaxExecutionTimeout, hard)
			return
		}
	}
	opts.ExecutionTimeout = hard

	if req.SoftTimeout != nil {
		soft := time.Duration(*req.SoftTimeout)
		if soft <= 0 || soft >= hard {
			errs.Add("soft_timeout", "must be greater than 0 and less than execution_timeout (%s)", hard)
			return
		}
		opts.SoftTimeout = soft
		return
	}
	opts.SoftTimeout = DefaultSoftTimeout(hard, limits.KillGrace)
}

// DefaultSoftTimeout is the cooperative deadline used when none is given:
// hard minus the kill grace, but never earlier than 90% of hard.
func DefaultSoftTimeout(hard, grace time.Duration) time.Duration {
	soft := hard - grace
	if floor := hard * 9 / 10; soft < floor {
		soft = floor
	}
	return soft
}

func validateBecome(req *Request, opts *model.Options, errs *stagehanderrors.ValidationErrors) {
	opts.BecomeUser = strings.TrimSpace(req.BecomeUser)
	opts.BecomeMethod = strings.TrimSpace(req.BecomeMethod)
	if opts.Become {
		if opts.BecomeUser == "" {
			opts.BecomeUser = DefaultBecomeUser
		}
		if opts.BecomeMethod == "" {
			opts.BecomeMethod = DefaultBecomeMethod
		}
	}
	if opts.BecomeMethod == "" {
		return
	}
	for _, m := range BecomeMethods {
		if opts.BecomeMethod == m {
			return
		}
	}
	errs.Add("become_method", "must be one of %s", strings.Join(BecomeMethods, ", "))
}

func validateTags(req *Request, opts *model.Options, errs *stagehanderrors.ValidationErrors) {
	opts.Tags = cleanList(req.Tags)
	opts.SkipTags = cleanList(req.SkipTags)

	skip := make(map[string]bool, len(opts.SkipTags))
	for _, t := range opts.SkipTags {
		skip[t] = true
	}
	var overlap []string
	for _, t := range opts.Tags {
		if skip[t] {
			overlap = append(overlap, t)
		}
	}
	if len(overlap) > 0 {
		errs.Add("tags", "tags also listed in skip_tags: %s", strings.Join(overlap, ", "))
	}
}

func validateExtraVars(vars map[string]any, opts *model.Options, errs *stagehanderrors.ValidationErrors) {
	if len(vars) == 0 {
		return
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if !identifierRe.MatchString(k) {
			errs.Add("extra_vars", "key %q is not a valid identifier", k)
			continue
		}
		out[k] = v
	}
	opts.ExtraVars = out
}

func validateHosts(ctx context.Context, req *Request, lookup inventory.Lookup, opts *model.Options, errs *stagehanderrors.ValidationErrors) error {
	hosts := cleanList(req.Hosts)
	if len(hosts) == 0 {
		errs.Add("hosts", "at least one host or group is required")
	} else {
		var unknown []string
		for _, h := range hosts {
			ok, err := lookup.Exists(ctx, h)
			if err != nil {
				return &stagehanderrors.TransientError{Component: "inventory", Cause: err}
			}
			if !ok {
				unknown = append(unknown, h)
			}
		}
		if len(unknown) > 0 {
			errs.Add("hosts", "unknown hosts or groups: %s", strings.Join(unknown, ", "))
		}
		opts.Hosts = hosts
	}

	limit := strings.TrimSpace(req.Limit)
	if limit == "" {
		return nil
	}
	if _, err := inventory.ParseLimit(limit); err != nil {
		errs.Add("limit", "%v", err)
		return nil
	}
	opts.Limit = limit

	sel, ok := lookup.(inventory.Selector)
	if !ok || len(opts.Hosts) == 0 {
		return nil
	}
	matched, err := sel.Select(ctx, opts.Hosts, limit)
	if err != nil {
		errs.Add("limit", "%v", err)
		return nil
	}
	if len(matched) == 0 {
		errs.Add("limit", "selects no hosts from the given targets")
	}
	return nil
}

// cleanList trims entries, drops empties and removes duplicates keeping the
// first occurrence.
func cleanList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
