// Copyright 2025 Qwengate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stream transforms an SSE byte stream in flight, suppressing
// consecutive-duplicate delta content chunks while preserving event framing
// and the terminal [DONE] marker.
package stream

import (
	"bytes"
	"encoding/json"
	"io"
)

var (
	eventSep   = []byte("\n\n")
	dataPrefix = []byte("data: ")
	doneMarker = "[DONE]"
)

// Dedup wraps an SSE stream. Events whose choices[0].delta.content equals the
// previously emitted content are dropped; everything else, including
// unparseable events, passes through unchanged. The "last content" marker is
// scoped to one stream.
type Dedup struct {
	src      io.Reader
	buf      []byte       // unterminated input bytes
	out      bytes.Buffer // complete events ready to read
	last     string
	haveLast bool
	srcErr   error
	flushed  bool
}

// NewDedup returns a Dedup reading from src.
func NewDedup(src io.Reader) *Dedup {
	return &Dedup{src: src}
}

type deltaChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (d *Dedup) Read(p []byte) (int, error) {
	for d.out.Len() == 0 {
		if d.srcErr != nil {
			if !d.flushed {
				d.flushed = true
				// trailing unterminated bytes are emitted as-is
				if len(d.buf) > 0 {
					d.out.Write(d.buf)
					d.buf = nil
					break
				}
			}
			return 0, d.srcErr
		}

		chunk := make([]byte, 4096)
		n, err := d.src.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			d.drainEvents()
		}
		if err != nil {
			d.srcErr = err
		}
	}
	return d.out.Read(p)
}

// drainEvents emits every complete event in the buffer, re-appending the
// separator that delimited it.
func (d *Dedup) drainEvents() {
	for {
		idx := bytes.Index(d.buf, eventSep)
		if idx < 0 {
			return
		}
		event := d.buf[:idx]
		d.buf = d.buf[idx+len(eventSep):]
		if d.keep(event) {
			d.out.Write(event)
			d.out.Write(eventSep)
		}
	}
}

func (d *Dedup) keep(event []byte) bool {
	if !bytes.HasPrefix(event, dataPrefix) {
		return true
	}
	payload := bytes.TrimSpace(event[len(dataPrefix):])
	if string(payload) == doneMarker {
		return true
	}

	var chunk deltaChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return true
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return true
	}

	content := *chunk.Choices[0].Delta.Content
	if d.haveLast && content == d.last {
		return false
	}
	d.last = content
	d.haveLast = true
	return true
}
