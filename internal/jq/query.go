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

// Package jq evaluates jq expressions against decoded JSON documents.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout is the default evaluation timeout.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the default maximum raw document size (16MB).
	DefaultMaxInputSize = 16 * 1024 * 1024
)

// Query is a compiled jq expression with evaluation limits.
type Query struct {
	source       string
	code         *gojq.Code
	timeout      time.Duration
	maxInputSize int
}

// Compile parses and compiles expression. Zero limits take the defaults.
func Compile(expression string, timeout time.Duration, maxInputSize int) (*Query, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expression, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	return &Query{
		source:       expression,
		code:         code,
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}, nil
}

// String returns the source expression.
func (q *Query) String() string { return q.source }

// Run evaluates the query against a decoded value and returns the first
// result. No result yields nil.
func (q *Query) Run(ctx context.Context, data any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	iter := q.code.RunWithContext(ctx, data)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution timeout after %v", q.timeout)
		}
		return nil, err
	}
	return v, nil
}

// RunJSON decodes raw as a single JSON document and evaluates the query.
func (q *Query) RunJSON(ctx context.Context, raw []byte) (any, error) {
	if len(raw) > q.maxInputSize {
		return nil, fmt.Errorf("document size (%d bytes) exceeds maximum (%d bytes)", len(raw), q.maxInputSize)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}
	return q.Run(ctx, data)
}
