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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/options"
	"github.com/tombee/stagehand/internal/controller/stats"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := New(append([]Option{WithHTTPClient(server.Client()), WithBaseURL(server.URL)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		host    string
		baseURL string
		network string
		address string
		tls     bool
		wantErr bool
	}{
		{host: "", baseURL: "http://127.0.0.1:8321", network: "tcp", address: "127.0.0.1:8321"},
		{host: "unix:///run/stagehand.sock", baseURL: "http://stagehand", network: "unix", address: "/run/stagehand.sock"},
		{host: "tcp://10.0.0.5:9000", baseURL: "http://10.0.0.5:9000", network: "tcp", address: "10.0.0.5:9000"},
		{host: "http://ctl.example.com/", baseURL: "http://ctl.example.com:80", network: "tcp", address: "ctl.example.com:80"},
		{host: "https://ctl.example.com", baseURL: "https://ctl.example.com:443", network: "tcp", address: "ctl.example.com:443", tls: true},
		{host: ":8321", baseURL: "http://127.0.0.1:8321", network: "tcp", address: "127.0.0.1:8321"},
		{host: "ctl", baseURL: "http://ctl:8321", network: "tcp", address: "ctl:8321"},
		{host: "tcp://:9000", baseURL: "http://127.0.0.1:9000", network: "tcp", address: "127.0.0.1:9000"},
		{host: "[::1]:9000", baseURL: "http://[::1]:9000", network: "tcp", address: "[::1]:9000"},
		{host: "unix://", wantErr: true},
		{host: "unix:///", wantErr: true},
		{host: "unix:", wantErr: true},
		{host: "tcp://", wantErr: true},
		{host: "ftp://ctl", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			ep, err := ParseHost(tt.host)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.baseURL, ep.BaseURL)
			assert.Equal(t, tt.network, ep.Transport.Network)
			assert.Equal(t, tt.address, ep.Transport.Address)
			assert.Equal(t, tt.tls, ep.Transport.TLSConfig != nil)
		})
	}
}

func TestClient_Submit(t *testing.T) {
	var got options.Request
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/runs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{ID: "run-1", Status: "pending", LogPath: "/logs/run-1.log"})
	}), WithToken("tok"))

	forks := 5
	timeout := options.Duration(30 * time.Second)
	resp, err := c.Submit(context.Background(), &options.Request{
		Playbook:         "site.yml",
		Hosts:            []string{"web1", "web2"},
		Forks:            &forks,
		ExecutionTimeout: &timeout,
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.ID)
	assert.Equal(t, "pending", string(resp.Status))

	assert.Equal(t, "site.yml", got.Playbook)
	assert.Equal(t, []string{"web1", "web2"}, got.Hosts)
	require.NotNil(t, got.Forks)
	assert.Equal(t, 5, *got.Forks)
	require.NotNil(t, got.ExecutionTimeout)
	assert.Equal(t, 30*time.Second, time.Duration(*got.ExecutionTimeout))
}

func TestClient_UserIDHeader(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(api.StatusResponse{ID: "run-1", Status: "running"})
	}), WithUserID("alice"))

	st, err := c.Status(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", string(st.Status))
}

func TestClient_APIError(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{
				Error:  "validation failed",
				Type:   "validation",
				Fields: []api.FieldError{{Field: "playbook", Message: "is required"}},
			})
		}))

		_, err := c.Submit(context.Background(), &options.Request{})
		require.Error(t, err)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "validation", apiErr.Type)
		assert.Contains(t, err.Error(), "playbook: is required")
	})

	t.Run("unavailable", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"controller is draining"}`))
		}))

		_, err := c.Submit(context.Background(), &options.Request{Playbook: "site.yml"})
		after, ok := IsUnavailable(err)
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, after)
		assert.False(t, IsNotFound(err))
	})

	t.Run("not found", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "run not found", http.StatusNotFound)
		}))

		_, err := c.Result(context.Background(), "missing")
		assert.True(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "run not found")
	})
}

func TestClient_HistoryQuery(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "failed", q.Get("status"))
		assert.Equal(t, "created_at", q.Get("sort_by"))
		assert.Equal(t, "desc", q.Get("sort_order"))
		assert.Equal(t, "20", q.Get("limit"))
		assert.Equal(t, "2025-03-01T00:00:00Z", q.Get("from"))
		assert.False(t, q.Has("skip"))
		_ = json.NewEncoder(w).Encode(HistoryResponse{
			Items: []api.StatusResponse{{ID: "a", Status: "failed"}},
			Total: 1,
			Limit: 20,
		})
	}))

	page, err := c.History(context.Background(), HistoryRequest{
		Status:    "failed",
		SortBy:    "created_at",
		SortOrder: "desc",
		Limit:     20,
		From:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Total)
}

func TestClient_StreamEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/run-1/events", r.URL.Path)
		assert.Equal(t, "2", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": stream run-1\n\n")
		fmt.Fprint(w, "id: 3\nevent: log\ndata: {\"seq\":3}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "id: 4\nevent: status\ndata: {\"seq\":4}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"success\"}\n\n")
		fmt.Fprint(w, "event: log\ndata: {}\n\n")
	}))

	var got []Event
	err := c.StreamEvents(context.Background(), "run-1", 2, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Event{ID: 3, Name: "log", Data: json.RawMessage(`{"seq":3}`)}, got[0])
	assert.Equal(t, uint64(4), got[1].ID)
	assert.Equal(t, "done", got[2].Name)
	assert.JSONEq(t, `{"status":"success"}`, string(got[2].Data))
}

func TestClient_StreamEvents_Stop(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "id: 1\nevent: log\ndata: {}\n\n")
		fmt.Fprint(w, "id: 2\nevent: log\ndata: {}\n\n")
	}))

	n := 0
	err := c.StreamEvents(context.Background(), "run-1", 0, func(Event) error {
		n++
		return ErrStopStream
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClient_Export(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "csv", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="runs-20250301T000000Z.csv"`)
		w.Header().Set("X-Export-Count", "2")
		_, _ = w.Write([]byte("id,status\na,success\nb,failed\n"))
	}))

	var buf bytes.Buffer
	res, err := c.Export(context.Background(), ExportRequest{Format: stats.FormatCSV}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "runs-20250301T000000Z.csv", res.Filename)
	assert.Equal(t, int64(buf.Len()), res.Bytes)
	assert.Contains(t, buf.String(), "b,failed")
}

func TestClient_UpdateThresholds(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"cpu": map[string]any{"warning": 70.0}}, body)
		_, _ = w.Write([]byte(`{"thresholds":{"cpu":{"warning":70,"critical":95}}}`))
	}))

	th, err := c.UpdateThresholds(context.Background(), map[string]any{
		"cpu": map[string]any{"warning": 70.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 70.0, th.CPU.Warning)
	assert.Equal(t, 95.0, th.CPU.Critical)
}

func TestClient_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","draining":false}`))
	})}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	c, err := Dial(Settings{Host: "unix://" + sock, Token: "x"})
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}

func TestTokenStore(t *testing.T) {
	keyring.MockInit()

	assert.Empty(t, LoadToken("http://ctl:8321"))
	require.NoError(t, SaveToken("http://ctl:8321", "secret"))
	assert.Equal(t, "secret", LoadToken("http://ctl:8321"))
	assert.Empty(t, LoadToken("http://other:8321"))

	c, err := Dial(Settings{Host: "tcp://ctl:8321"})
	require.NoError(t, err)
	assert.Equal(t, "secret", c.token)

	require.NoError(t, DeleteToken("http://ctl:8321"))
	require.NoError(t, DeleteToken("http://ctl:8321"))
	assert.Empty(t, LoadToken("http://ctl:8321"))
}
