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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrStopStream may be returned from an event callback to end the stream
// without an error.
var ErrStopStream = errors.New("stop stream")

// Event is one server-sent event from a run's stream.
type Event struct {
	ID   uint64
	Name string
	Data json.RawMessage
}

// StreamEvents follows GET /v1/runs/{id}/events and calls fn for each
// event until the server sends "done", the stream closes or ctx ends.
// lastID resumes after a previously seen event id.
func (c *Client) StreamEvents(ctx context.Context, id string, lastID uint64, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastID, 10))
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var (
		ev   Event
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if ev.Name == "" && data.Len() == 0 {
				continue
			}
			if ev.Name == "" {
				ev.Name = "message"
			}
			ev.Data = json.RawMessage(data.String())
			if err := fn(ev); err != nil {
				if errors.Is(err, ErrStopStream) {
					return nil
				}
				return err
			}
			if ev.Name == "done" {
				return nil
			}
			ev = Event{}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "id":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				ev.ID = n
			}
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}
