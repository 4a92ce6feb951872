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
	"fmt"
	"net"
	"os"
	"strings"
)

// Environment variable names for client configuration.
const (
	HostEnv   = "STAGEHAND_HOST"
	TokenEnv  = "STAGEHAND_TOKEN"
	UserIDEnv = "STAGEHAND_USER"

	// DefaultHost is used when STAGEHAND_HOST is unset.
	DefaultHost = "tcp://127.0.0.1:8321"
)

// Endpoint is a parsed host string.
type Endpoint struct {
	BaseURL   string
	Transport *Transport
}

// ParseHost parses a STAGEHAND_HOST value.
// Supports:
//   - unix:///path/to/socket
//   - tcp://host:port (or http://host:port)
//   - https://host:port
//   - host:port, treated as tcp://
//
// If host is empty, DefaultHost is used.
func ParseHost(host string) (*Endpoint, error) {
	if host == "" {
		host = DefaultHost
	}

	switch {
	case strings.HasPrefix(host, "unix://"):
		socketPath := strings.TrimRight(strings.TrimPrefix(host, "unix://"), "/")
		if socketPath == "" {
			return nil, fmt.Errorf("invalid %s: empty socket path", HostEnv)
		}
		return &Endpoint{BaseURL: "http://stagehand", Transport: NewUnixTransport(socketPath)}, nil

	case strings.HasPrefix(host, "https://"):
		addr, err := hostPort(strings.TrimPrefix(host, "https://"), "443")
		if err != nil {
			return nil, err
		}
		return &Endpoint{BaseURL: "https://" + addr, Transport: NewTLSTransport(addr, nil)}, nil

	case strings.HasPrefix(host, "tcp://"), strings.HasPrefix(host, "http://"):
		raw := strings.TrimPrefix(strings.TrimPrefix(host, "tcp://"), "http://")
		addr, err := hostPort(raw, "80")
		if err != nil {
			return nil, err
		}
		return &Endpoint{BaseURL: "http://" + addr, Transport: NewTCPTransport(addr)}, nil

	case !strings.Contains(host, "://"):
		addr, err := hostPort(host, "8321")
		if err != nil {
			return nil, err
		}
		return &Endpoint{BaseURL: "http://" + addr, Transport: NewTCPTransport(addr)}, nil

	default:
		return nil, fmt.Errorf("invalid %s format: %s (must start with unix://, tcp://, http:// or https://)", HostEnv, host)
	}
}

// hostPort normalizes s to host:port. A missing host means loopback and a
// missing port means defPort.
func hostPort(s, defPort string) (string, error) {
	s = strings.TrimRight(s, "/")
	if s == "" {
		return "", fmt.Errorf("invalid %s: empty address", HostEnv)
	}
	h, port, err := net.SplitHostPort(s)
	if err != nil {
		h, port = s, defPort
	}
	if port == "" {
		return "", fmt.Errorf("invalid %s: empty port in %q", HostEnv, s)
	}
	if h == "" {
		h = "127.0.0.1"
	}
	return net.JoinHostPort(h, port), nil
}

// Settings are the connection parameters the CLI resolves from flags, the
// environment and the keyring.
type Settings struct {
	Host   string
	Token  string
	UserID string
}

// Dial creates a client for s. An empty token falls back to the keyring
// entry for the host.
func Dial(s Settings) (*Client, error) {
	ep, err := ParseHost(s.Host)
	if err != nil {
		return nil, err
	}

	token := s.Token
	if token == "" {
		token = LoadToken(ep.BaseURL)
	}

	opts := []Option{WithTransport(ep.Transport), WithBaseURL(ep.BaseURL)}
	if token != "" {
		opts = append(opts, WithToken(token))
	}
	if s.UserID != "" {
		opts = append(opts, WithUserID(s.UserID))
	}
	return New(opts...)
}

// FromEnvironment creates a client configured from environment variables.
func FromEnvironment() (*Client, error) {
	return Dial(Settings{
		Host:   os.Getenv(HostEnv),
		Token:  os.Getenv(TokenEnv),
		UserID: os.Getenv(UserIDEnv),
	})
}
