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

package login

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/api"
)

func setup(t *testing.T) *httptest.Server {
	t.Helper()
	keyring.MockInit()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(api.VersionResponse{Version: "1.0.0"})
	}))
	t.Cleanup(server.Close)
	t.Setenv(client.HostEnv, server.URL)
	t.Setenv(client.TokenEnv, "")
	t.Setenv("STAGEHAND_NON_INTERACTIVE", "true")
	t.Cleanup(shared.ResetFlagsForTest)
	return server
}

func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&errOut)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return errOut.String(), err
}

func TestLogin_SavesVerifiedToken(t *testing.T) {
	server := setup(t)

	errOut, err := execute(t, NewLoginCommand(), "good\n", "--token-stdin")
	require.NoError(t, err)
	assert.Contains(t, errOut, "Token saved")

	ep, err := client.ParseHost(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "good", client.LoadToken(ep.BaseURL))

	c, err := shared.NewClient()
	require.NoError(t, err)
	v, err := c.Version(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.Version)

	_, err = execute(t, NewLogoutCommand(), "")
	require.NoError(t, err)
	assert.Empty(t, client.LoadToken(ep.BaseURL))
}

func TestLogin_RejectedToken(t *testing.T) {
	server := setup(t)

	_, err := execute(t, NewLoginCommand(), "", "--with-token", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token rejected")

	ep, err := client.ParseHost(server.URL)
	require.NoError(t, err)
	assert.Empty(t, client.LoadToken(ep.BaseURL))
}

func TestLogin_NoVerify(t *testing.T) {
	server := setup(t)

	_, err := execute(t, NewLoginCommand(), "", "--with-token", "bad", "--no-verify")
	require.NoError(t, err)
	ep, err := client.ParseHost(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "bad", client.LoadToken(ep.BaseURL))
}

func TestLogin_NonInteractiveNeedsToken(t *testing.T) {
	setup(t)

	_, err := execute(t, NewLoginCommand(), "")
	require.Error(t, err)
	assert.Equal(t, shared.ExitUsage, shared.ExitCode(err))
}
