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

import "time"

// Options is the validated, normalized parameter set of a run. It is a
// closed record: every knob the process runner understands is a field.
type Options struct {
	Playbook          string         `json:"playbook"`
	Hosts             []string       `json:"hosts"`
	Limit             string         `json:"limit,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	SkipTags          []string       `json:"skip_tags,omitempty"`
	ExtraVars         map[string]any `json:"extra_vars,omitempty"`
	Forks             int            `json:"forks"`
	Verbosity         int            `json:"verbosity"`
	Check             bool           `json:"check"`
	Diff              bool           `json:"diff"`
	Become            bool           `json:"become"`
	BecomeUser        string         `json:"become_user,omitempty"`
	BecomeMethod      string         `json:"become_method,omitempty"`
	ConnectionTimeout int            `json:"connection_timeout"`
	ExecutionTimeout  time.Duration  `json:"execution_timeout"`
	SoftTimeout       time.Duration  `json:"soft_timeout"`
	Queue             string         `json:"queue"`
	Priority          int            `json:"priority"`
}

// Clone returns a deep copy of the slices and maps in o.
func (o Options) Clone() Options {
	out := o
	out.Hosts = append([]string(nil), o.Hosts...)
	out.Tags = append([]string(nil), o.Tags...)
	out.SkipTags = append([]string(nil), o.SkipTags...)
	if o.ExtraVars != nil {
		out.ExtraVars = make(map[string]any, len(o.ExtraVars))
		for k, v := range o.ExtraVars {
			out.ExtraVars[k] = v
		}
	}
	return out
}
