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

/*
Package client provides an HTTP client for the stagehand controller API.

The CLI uses it to submit playbook runs, follow their event streams and
query history, statistics and health. It connects over a Unix socket, plain
TCP or HTTPS depending on the host string.

# Basic Usage

	c, err := client.FromEnvironment()
	if err != nil {
	    log.Fatal(err)
	}

	sub, err := c.Submit(ctx, &options.Request{
	    Playbook: "site.yml",
	    Hosts:    []string{"web1", "web2"},
	})

	err = c.StreamEvents(ctx, sub.ID, 0, func(ev client.Event) error {
	    fmt.Println(ev.Name, string(ev.Data))
	    return nil
	})

# Connection

STAGEHAND_HOST selects the controller:

	unix:///run/stagehand/stagehand.sock
	tcp://127.0.0.1:8321
	https://stagehand.example.com:8321

STAGEHAND_TOKEN supplies a bearer token. When it is unset, FromEnvironment
falls back to the token saved by "stagehand login" in the OS keyring.

# Errors

Non-2xx replies are returned as *APIError, which carries the status code,
the decoded error body and any Retry-After hint.
*/
package client
