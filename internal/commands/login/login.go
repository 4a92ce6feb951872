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

// Package login implements the commands that store and remove the API
// token for a controller.
package login

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
)

// NewLoginCommand creates the login command.
func NewLoginCommand() *cobra.Command {
	var (
		token     string
		fromStdin bool
		noVerify  bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an API token for the controller in the OS keyring",
		Long: `Save an API token for the selected controller in the OS keyring.

The token is checked against the controller before it is saved. Later
commands use it whenever STAGEHAND_TOKEN and --token are not set.`,
		Example: `  stagehand login
  stagehand --host https://ctl.example.com login --token-stdin < token.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := shared.ConnectionSettings()
			ep, err := client.ParseHost(settings.Host)
			if err != nil {
				return shared.NewUsageError("invalid controller address", err)
			}

			if token == "" {
				switch {
				case fromStdin:
					token, err = readToken(cmd.InOrStdin())
				case shared.IsNonInteractive():
					return shared.NewUsageError("no token given; use --token-stdin in non-interactive mode", nil)
				default:
					token, err = promptToken(ep.BaseURL)
				}
				if err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return shared.NewUsageError("token is empty", nil)
			}

			if !noVerify {
				settings.Token = token
				c, err := client.Dial(settings)
				if err != nil {
					return err
				}
				if _, err := c.Version(cmd.Context()); err != nil {
					return fmt.Errorf("token rejected by %s: %w", ep.BaseURL, err)
				}
			}

			if err := client.SaveToken(ep.BaseURL, token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK("Token saved for "+ep.BaseURL))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&token, "with-token", "", "Token value (prefer --token-stdin to keep it out of shell history)")
	f.BoolVar(&fromStdin, "token-stdin", false, "Read the token from stdin")
	f.BoolVar(&noVerify, "no-verify", false, "Save without checking the token against the controller")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved API token for the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := client.ParseHost(shared.ConnectionSettings().Host)
			if err != nil {
				return shared.NewUsageError("invalid controller address", err)
			}
			if err := client.DeleteToken(ep.BaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK("Token removed for "+ep.BaseURL))
			return nil
		},
	}
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return line, nil
}

func promptToken(baseURL string) (string, error) {
	var token string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API token").
				Description("Token for " + baseURL).
				EchoMode(huh.EchoModePassword).
				Value(&token),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", &shared.ExitError{Code: shared.ExitUsage, Message: "login aborted"}
		}
		return "", err
	}
	return token, nil
}
