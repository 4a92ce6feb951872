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

package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// AttemptKey is the span attribute holding a run's 1-based attempt number.
const AttemptKey = attribute.Key("run.attempt")

// SamplerConfig configures trace sampling behavior
type SamplerConfig struct {
	// Rate is the sampling rate (0.0 - 1.0). 1.0 samples every trace.
	Rate float64

	// AlwaysSampleRetries samples root spans whose AttemptKey is above 1
	// regardless of Rate.
	AlwaysSampleRetries bool
}

// NewSampler creates a parent-based sampler: child spans follow their
// parent's decision and root spans are sampled at cfg.Rate.
func NewSampler(cfg SamplerConfig) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case cfg.Rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case cfg.Rate <= 0.0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(cfg.Rate)
	}
	if cfg.AlwaysSampleRetries {
		root = retrySampler{base: root}
	}
	return sdktrace.ParentBased(root)
}

type retrySampler struct {
	base sdktrace.Sampler
}

func (s retrySampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, kv := range p.Attributes {
		if kv.Key == AttemptKey && kv.Value.AsInt64() > 1 {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.base.ShouldSample(p)
}

func (s retrySampler) Description() string {
	return "RetrySampler{" + s.base.Description() + "}"
}
