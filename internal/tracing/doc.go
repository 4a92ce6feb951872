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

/*
Package tracing configures OpenTelemetry tracing for the controller.

A Provider owns the SDK tracer provider, its exporter and its sampler. It
is installed as the global provider so libraries using otel.Tracer share it.

# Quick Start

	provider, err := tracing.NewProvider(ctx, cfg.Tracing, version)
	if err != nil {
	    return err
	}
	defer provider.Shutdown(context.Background())

	tracer := provider.Tracer("stagehand/runner")
	ctx, span := tracer.Start(ctx, "run.execute",
	    trace.WithAttributes(attribute.String("run.id", id)),
	)
	defer span.End()

# Exporters

The exporter is chosen by name:

  - none: spans are sampled but never exported
  - stdout: pretty-printed JSON on standard output
  - otlp-http: OTLP over HTTP, default endpoint localhost:4318
  - otlp-grpc: OTLP over gRPC, default endpoint localhost:4317

# HTTP

HTTPMiddleware extracts W3C trace context from incoming requests and opens a
server span per request. InjectHTTPHeaders does the reverse for clients.
*/
package tracing
