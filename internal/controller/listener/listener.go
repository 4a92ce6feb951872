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

// Package listener opens the API listener: a Unix socket or TCP, with
// optional TLS.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/stagehand/internal/config"
)

const unixPrefix = "unix://"

// New creates a listener for cfg.Listen. Addresses starting with unix://
// are Unix sockets; "tcp://" and "http(s)://" prefixes are stripped.
func New(cfg config.ServerConfig) (net.Listener, error) {
	network, addr, err := Parse(cfg.Listen)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		return newUnixListener(addr)
	}
	return newTCPListener(addr, cfg.TLSCert, cfg.TLSKey)
}

// Parse splits a listen address into network and address.
func Parse(listen string) (string, string, error) {
	switch {
	case listen == "":
		return "", "", fmt.Errorf("listen address is empty")
	case strings.HasPrefix(listen, unixPrefix):
		path := strings.TrimPrefix(listen, unixPrefix)
		if path == "" {
			return "", "", fmt.Errorf("unix socket path is empty")
		}
		return "unix", path, nil
	}
	for _, p := range []string{"tcp://", "http://", "https://"} {
		listen = strings.TrimPrefix(listen, p)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return "", "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	return "tcp", listen, nil
}

// newUnixListener creates a Unix socket listener.
func newUnixListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a stale socket left by a previous process.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	// Owner only
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return ln, nil
}

// newTCPListener creates a TCP listener, with optional TLS.
func newTCPListener(addr, certFile, keyFile string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP: %w", err)
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		return tls.NewListener(ln, tlsConfig), nil
	}

	return ln, nil
}

// IsRemote reports whether a TCP address binds beyond loopback.
func IsRemote(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		if strings.HasPrefix(addr, ":") {
			host = ""
		}
	}

	switch host {
	case "", "0.0.0.0", "::":
		return true
	case "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
}
