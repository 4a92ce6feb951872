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

package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/backend/backendtest"
	"github.com/tombee/stagehand/internal/controller/model"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return be, dbPath
}

func TestSQLiteBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		be, _ := createTestBackend(t)
		return be
	})
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	be, path := createTestBackend(t)
	ctx := t.Context()

	run := backendtest.NewRun("persisted", 0)
	require.NoError(t, be.CreateRun(ctx, run))
	require.NoError(t, be.Close())

	reopened, err := New(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, "persisted")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
	require.Equal(t, run.LogPath, got.LogPath)
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `100\%\_done\\`, escapeLike(`100%_done\`))
}
