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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/broadcast"
)

// DoneData is the payload of the final SSE event.
type DoneData struct {
	Status   string   `json:"status"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Duration *float64 `json:"duration_seconds,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) event(name string, id uint64, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var b strings.Builder
	if id > 0 {
		fmt.Fprintf(&b, "id: %d\n", id)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", name, payload)
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

// handleEvents handles GET /v1/runs/{id}/events.
func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := rt.deps.Runs.Get(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	var lastSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastSeq = n
		}
	}

	sub := rt.deps.Events.Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, rc: http.NewResponseController(w)}
	if err := sse.comment("stream " + id); err != nil {
		return
	}

	if run.Status.IsTerminal() {
		rt.replayFinished(sse, sub, run, lastSeq)
		return
	}

	heartbeat := time.NewTicker(rt.cfg.StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if err := sse.comment("heartbeat"); err != nil {
				return
			}
			// A run executing on another instance never closes the local
			// subscription, so its end is read from the store.
			cur, err := rt.deps.Runs.Get(r.Context(), id)
			if err != nil || !cur.Status.IsTerminal() {
				continue
			}
			if _, err := drainBuffered(sse, sub, lastSeq); err != nil {
				return
			}
			_ = sse.event("done", 0, doneData(cur))
			return

		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Err() != nil {
					// Dropped for being slow; the client may reconnect
					// with Last-Event-ID or fetch the log.
					_ = sse.event(string(broadcast.EventTruncated), 0, truncatedEvent(run, lastSeq, sub.Err().Error()))
					return
				}
				rt.writeDone(sse, r, id)
				return
			}
			if ev.Seq > 0 && ev.Seq <= lastSeq {
				continue
			}
			if err := sse.event(string(ev.Type), ev.Seq, ev); err != nil {
				return
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
		}
	}
}

// replayFinished serves a run that was already terminal when the stream
// opened. Whatever the hub still holds is replayed without waiting; if it
// holds nothing, the client is pointed at the durable log.
func (rt *Router) replayFinished(sse *sseWriter, sub *broadcast.Subscription, run *backend.Run, lastSeq uint64) {
	replayed, err := drainBuffered(sse, sub, lastSeq)
	if err != nil {
		return
	}
	if !replayed {
		_ = sse.event(string(broadcast.EventTruncated), 0, truncatedEvent(run, lastSeq, "run finished; live events expired"))
	}
	_ = sse.event("done", 0, doneData(run))
}

// drainBuffered writes the events already queued on sub that are newer than
// lastSeq without waiting for more. It reports whether anything was queued.
func drainBuffered(sse *sseWriter, sub *broadcast.Subscription, lastSeq uint64) (bool, error) {
	replayed := false
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return replayed, nil
			}
			replayed = true
			if ev.Seq > 0 && ev.Seq <= lastSeq {
				continue
			}
			if err := sse.event(string(ev.Type), ev.Seq, ev); err != nil {
				return replayed, err
			}
		default:
			return replayed, nil
		}
	}
}

// truncatedEvent has the same shape as the hub's own truncated events.
func truncatedEvent(run *backend.Run, lastSeq uint64, reason string) broadcast.Event {
	return broadcast.Event{
		Type:      broadcast.EventTruncated,
		RunID:     run.ID,
		Seq:       lastSeq,
		Timestamp: time.Now().UTC(),
		Data: broadcast.TruncatedData{
			FirstSeq: lastSeq + 1,
			LogPath:  run.LogPath,
			Reason:   reason,
		},
	}
}

func (rt *Router) writeDone(sse *sseWriter, r *http.Request, id string) {
	run, err := rt.deps.Runs.Get(r.Context(), id)
	if err != nil {
		rt.logger.Warn("failed to load final run state", "run_id", id, "error", err)
		_ = sse.event("done", 0, DoneData{Status: "unknown"})
		return
	}
	_ = sse.event("done", 0, doneData(run))
}

func doneData(run *backend.Run) DoneData {
	d := DoneData{Status: string(run.Status), ExitCode: run.ExitCode, Error: run.Error}
	if run.Status.IsTerminal() {
		secs := run.DurationSeconds
		d.Duration = &secs
	}
	return d
}
