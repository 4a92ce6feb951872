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

package health

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/stagehand/internal/config"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Threshold is a warning/critical pair, in percent.
type Threshold struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// Thresholds configure every alert. Resource thresholds fire at or above
// the value; the success rate threshold fires at or below it.
type Thresholds struct {
	CPU         Threshold `json:"cpu" yaml:"cpu"`
	Memory      Threshold `json:"memory" yaml:"memory"`
	Disk        Threshold `json:"disk" yaml:"disk"`
	SuccessRate Threshold `json:"success_rate" yaml:"success_rate"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:         Threshold{Warning: 80, Critical: 95},
		Memory:      Threshold{Warning: 80, Critical: 95},
		Disk:        Threshold{Warning: 85, Critical: 95},
		SuccessRate: Threshold{Warning: 80, Critical: 50},
	}
}

// ThresholdsFromConfig converts configuration, keeping defaults for pairs
// left at zero.
func ThresholdsFromConfig(c config.ThresholdsConfig) Thresholds {
	t := DefaultThresholds()
	pick := func(dst *Threshold, src config.Threshold) {
		if src.Warning != 0 || src.Critical != 0 {
			*dst = Threshold{Warning: src.Warning, Critical: src.Critical}
		}
	}
	pick(&t.CPU, c.CPU)
	pick(&t.Memory, c.Memory)
	pick(&t.Disk, c.Disk)
	pick(&t.SuccessRate, c.SuccessRate)
	return t
}

// Validate checks that every value is a percentage and that warning comes
// before critical in the direction each metric alerts.
func (t Thresholds) Validate() error {
	verrs := &stagehanderrors.ValidationErrors{}
	check := func(name string, th Threshold, rising bool) {
		for _, v := range []float64{th.Warning, th.Critical} {
			if v < 0 || v > 100 {
				verrs.Add(name, "thresholds must be between 0 and 100")
				return
			}
		}
		if rising && th.Warning > th.Critical {
			verrs.Add(name, "warning (%.1f) must not exceed critical (%.1f)", th.Warning, th.Critical)
		}
		if !rising && th.Warning < th.Critical {
			verrs.Add(name, "warning (%.1f) must not be below critical (%.1f)", th.Warning, th.Critical)
		}
	}
	check("cpu", t.CPU, true)
	check("memory", t.Memory, true)
	check("disk", t.Disk, true)
	check("success_rate", t.SuccessRate, false)
	return verrs.OrNil()
}

// LoadThresholds reads a YAML thresholds file. Pairs missing from the file
// take the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, &stagehanderrors.ConfigError{Key: "health.thresholds_file", Reason: "cannot read thresholds file", Cause: err}
	}
	var raw config.ThresholdsConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Thresholds{}, &stagehanderrors.ConfigError{Key: "health.thresholds_file", Reason: fmt.Sprintf("invalid YAML in %s", path), Cause: err}
	}
	t := ThresholdsFromConfig(raw)
	if err := t.Validate(); err != nil {
		return Thresholds{}, &stagehanderrors.ConfigError{Key: "health.thresholds_file", Reason: err.Error(), Cause: err}
	}
	return t, nil
}
