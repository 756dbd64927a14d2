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

// Package tasks is the deferred-work handle: bookkeeping scheduled during a
// request runs here after the response has been written, so it never blocks
// the response path.
package tasks

import (
	"context"
	"sync"

	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/util"
)

const defaultWorkers = 2

// Runner executes deferred work on a small worker pool fed through a
// reservoir, so submitters never block.
type Runner struct {
	send   chan<- interface{}
	wait   sync.WaitGroup
	closed *util.AtomicBool
}

// NewRunner constructs and starts a Runner. Call Close when done.
func NewRunner(limit int) *Runner {
	r := &Runner{closed: util.NewAtomicBool(false)}

	send, receive, overflow := util.NewReservoir(limit)
	r.send = send

	errHandler := func(err error) error {
		log.Errorf("deferred task: %v", err)
		return nil // logged, not retried
	}

	for i := 0; i < defaultWorkers; i++ {
		r.wait.Add(1)
		go func() {
			defer r.wait.Done()
			for work := range receive {
				if err := work.(util.WorkFunc)(context.Background()); err != nil {
					errHandler(err)
				}
			}
		}()
	}

	// overflow work still runs, just without queueing
	r.wait.Add(1)
	go func() {
		defer r.wait.Done()
		for dropped := range overflow {
			if err := dropped.(util.WorkFunc)(context.Background()); err != nil {
				errHandler(err)
			}
		}
	}()

	return r
}

// Defer schedules fn to run after the current response is written.
func (r *Runner) Defer(fn util.WorkFunc) {
	if r == nil || r.closed.IsTrue() {
		return
	}
	r.send <- fn
}

// Close stops intake and drains queued work.
func (r *Runner) Close() {
	if r == nil || r.closed.SetTrue() {
		return
	}
	close(r.send)
	r.wait.Wait()
}
