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

package controller

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/config"
)

const fakeAnsible = `#!/bin/sh
echo "PLAY [all] ****"
echo "TASK [ping] ****"
echo "ok: [web1]"
echo "PLAY RECAP ****"
echo "web1 : ok=2 changed=0 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0"
exit 0
`

func testConfig(t *testing.T, listen string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "ansible-playbook")
	require.NoError(t, os.WriteFile(bin, []byte(fakeAnsible), 0o755))

	cfg := config.Default()
	cfg.Server.Listen = listen
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Server.RateLimit = 0
	cfg.Engine.DataDir = dir
	cfg.Engine.InstanceID = "test"
	cfg.Engine.AnsibleBinary = bin
	cfg.Engine.DrainTimeout = 5 * time.Second
	cfg.Engine.KillGrace = time.Second
	cfg.Backend.Type = "sqlite"
	cfg.Backend.SQLite.Path = filepath.Join(dir, "stagehand.db")
	return cfg
}

func startController(t *testing.T, cfg *config.Config) (*Controller, net.Addr) {
	t.Helper()

	c, err := New(context.Background(), cfg, Options{
		Version: "test",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := c.Addr(ctx)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, c.Shutdown(context.Background()))
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("Start did not return after Shutdown")
		}
	})
	return c, addr
}

func TestControllerStartStop_UnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	cfg := testConfig(t, "unix://"+socketPath)
	_, _ = startController(t, cfg)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
	resp, err := client.Get("http://stagehand/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestController_RunToCompletion(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	_, addr := startController(t, cfg)
	base := "http://" + addr.String()

	resp, err := http.Post(base+"/v1/runs", "application/json",
		strings.NewReader(`{"playbook":"site.yml","hosts":["web1"]}`))
	require.NoError(t, err)
	var submitted struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		LogPath string `json:"log_path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, submitted.ID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/runs/" + submitted.ID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st struct {
			Status string `json:"status"`
		}
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.Status == "success"
	}, 10*time.Second, 50*time.Millisecond)

	resp, err = http.Get(base + "/v1/runs/" + submitted.ID + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Summary map[string]any `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.Summary)

	logResp, err := http.Get(base + "/v1/runs/" + submitted.ID + "/log")
	require.NoError(t, err)
	defer logResp.Body.Close()
	logBody, err := io.ReadAll(logResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(logBody), "PLAY RECAP")

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	metricsBody, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "stagehand_runs_submitted_total")
}

func TestController_InvalidInventory(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	cfg.Inventory.Path = filepath.Join(t.TempDir(), "missing.yml")

	_, err := New(context.Background(), cfg, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.ErrorContains(t, err, "inventory")
}
