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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_Run(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
	}{
		{
			name:       "simple field extraction",
			expression: ".foo",
			data:       map[string]any{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "array map",
			expression: "map(.x)",
			data:       []any{map[string]any{"x": 1}, map[string]any{"x": 2}},
			want:       []any{1, 2},
		},
		{
			name:       "missing field",
			expression: ".stats",
			data:       map[string]any{"plays": []any{}},
			want:       nil,
		},
		{
			name:       "empty stream",
			expression: "empty",
			data:       map[string]any{},
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Compile(tt.expression, 0, 0)
			require.NoError(t, err)
			got, err := q.Run(context.Background(), tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile(".[", 0, 0)
	assert.Error(t, err)
}

func TestQuery_RunJSON(t *testing.T) {
	q, err := Compile(".stats", time.Second, 64)
	require.NoError(t, err)

	got, err := q.RunJSON(context.Background(), []byte(`{"stats":{"web1":{"ok":2}}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"web1": map[string]any{"ok": float64(2)}}, got)

	_, err = q.RunJSON(context.Background(), []byte(`{"stats":`))
	assert.Error(t, err)

	big := make([]byte, 65)
	_, err = q.RunJSON(context.Background(), big)
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestQuery_RunError(t *testing.T) {
	q, err := Compile(`error("boom")`, 0, 0)
	require.NoError(t, err)
	_, err = q.Run(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, `error("boom")`, q.String())
}
