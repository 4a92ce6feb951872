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

package process

import (
	"bytes"
	"sync"
)

// maxLineLength caps a single line; longer output is split.
const maxLineLength = 1 << 20

// lineWriter splits a byte stream into lines and hands each complete line
// to emit. A trailing partial line is held until the next write or Flush.
type lineWriter struct {
	stream Stream
	emit   func(Stream, string)

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(stream Stream, emit func(Stream, string)) *lineWriter {
	return &lineWriter{stream: stream, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			for len(w.buf) >= maxLineLength {
				w.emitLocked(w.buf[:maxLineLength])
				w.buf = append(w.buf[:0], w.buf[maxLineLength:]...)
			}
			break
		}
		if len(w.buf) > 0 {
			w.buf = append(w.buf, p[:i]...)
			w.emitLocked(w.buf)
			w.buf = w.buf[:0]
		} else {
			w.emitLocked(p[:i])
		}
		p = p[i+1:]
	}
	return n, nil
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emitLocked(w.buf)
		w.buf = w.buf[:0]
	}
}

func (w *lineWriter) emitLocked(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	w.emit(w.stream, string(line))
}
