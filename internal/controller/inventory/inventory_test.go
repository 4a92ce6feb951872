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

package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInventory = `
all:
  children:
    webservers:
      hosts:
        web1.example.com:
        web2.example.com:
        web3.example.com:
    databases:
      hosts:
        db1.example.com:
          ansible_port: 5432
    prod:
      children:
        webservers:
        databases:
    staging:
      hosts:
        web3.example.com:
`

func loadSample(t *testing.T) *Static {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleInventory), 0600))
	inv, err := Load(path)
	require.NoError(t, err)
	return inv
}

func TestStatic_Exists(t *testing.T) {
	inv := loadSample(t)
	ctx := context.Background()

	for _, name := range []string{"web1.example.com", "webservers", "prod", "all"} {
		ok, err := inv.Exists(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
	ok, _ := inv.Exists(ctx, "mail1.example.com")
	assert.False(t, ok)

	assert.Len(t, inv.Hosts(), 4)
}

func TestStatic_Select(t *testing.T) {
	inv := loadSample(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		targets []string
		limit   string
		want    []string
	}{
		{"group expands", []string{"webservers"}, "", []string{"web1.example.com", "web2.example.com", "web3.example.com"}},
		{"nested children", []string{"prod"}, "databases", []string{"db1.example.com"}},
		{"glob", []string{"all"}, "web[12]*", []string{"web1.example.com", "web2.example.com"}},
		{"exclude group", []string{"webservers"}, "all:!staging", []string{"web1.example.com", "web2.example.com"}},
		{"intersect", []string{"all"}, "webservers:&staging", []string{"web3.example.com"}},
		{"regex", []string{"all"}, `~db\d`, []string{"db1.example.com"}},
		{"no match", []string{"databases"}, "web*", nil},
		{"dedupe keeps order", []string{"staging", "webservers"}, "", []string{"web3.example.com", "web1.example.com", "web2.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inv.Select(ctx, tt.targets, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLimit(t *testing.T) {
	patterns, err := ParseLimit("web*:&prod, !web3.example.com")
	require.NoError(t, err)
	assert.Equal(t, []LimitPattern{
		{Op: OpUnion, Pattern: "web*"},
		{Op: OpIntersect, Pattern: "prod"},
		{Op: OpExclude, Pattern: "web3.example.com"},
	}, patterns)

	for _, bad := range []string{"", "  ,  ", "!", "web[", "~(unclosed"} {
		_, err := ParseLimit(bad)
		assert.Error(t, err, "limit %q", bad)
	}
}

func TestNewStatic(t *testing.T) {
	inv := NewStatic(map[string][]string{"web": {"a", "b"}})
	got, err := inv.Select(context.Background(), []string{"all"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	ok, _ := AllowAll{}.Exists(context.Background(), "anything")
	assert.True(t, ok)
}
