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
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	dialTimeout = 10 * time.Second
	keepAlive   = 30 * time.Second
)

// Transport is an http.RoundTripper that sends every request to one
// controller address, whatever host the request URL names. The underlying
// http.Transport is built on first use.
type Transport struct {
	// Network is "unix" or "tcp".
	Network string

	// Address is a socket path or host:port.
	Address string

	// TLSConfig enables HTTPS when set. Only valid for tcp.
	TLSConfig *tls.Config

	once sync.Once
	rt   *http.Transport
}

// NewUnixTransport creates a transport for a Unix socket.
func NewUnixTransport(socketPath string) *Transport {
	return &Transport{Network: "unix", Address: socketPath}
}

// NewTCPTransport creates a transport for a plain TCP connection.
func NewTCPTransport(addr string) *Transport {
	return &Transport{Network: "tcp", Address: addr}
}

// NewTLSTransport creates a transport for HTTPS. A nil config gets TLS 1.2
// as the floor.
func NewTLSTransport(addr string, tlsConfig *tls.Config) *Transport {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Transport{Network: "tcp", Address: addr, TLSConfig: tlsConfig}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.once.Do(t.build)
	return t.rt.RoundTrip(req)
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the
// pooled connections.
func (t *Transport) CloseIdleConnections() {
	t.once.Do(t.build)
	t.rt.CloseIdleConnections()
}

// Compression stays off so event streams arrive as the server flushes them.
func (t *Transport) build() {
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
	network, address := t.Network, t.Address
	t.rt = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, address)
		},
		TLSClientConfig:     t.TLSConfig,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   t.TLSConfig != nil,
	}
}
