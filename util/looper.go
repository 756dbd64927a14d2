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

package util

import (
	"context"
	"time"

	"github.com/qwengate/qwengate/log"
)

// Looper provides for Backoff and cancellation
type Looper struct {
	Backoff Backoff
}

// WorkFunc does work
type WorkFunc = func(ctx context.Context) error

// ErrorFunc handles errors
type ErrorFunc = func(error) error

// LogErrorsHandler just logs errors and continues
func LogErrorsHandler() ErrorFunc {
	return func(err error) error {
		log.Errorf("looper: %v", err)
		return nil
	}
}

// Start a daemon that repeatedly calls work function according to period.
// Passed ctx should be cancelable - to exit, cancel the Context.
// Passed ctx is passed on to the work function and work should check for cancel if long-running.
// If errHandler itself returns an error, the daemon will exit.
func (l *Looper) Start(ctx context.Context, work WorkFunc, period time.Duration, errHandler ErrorFunc) {
	run := time.After(0 * time.Millisecond) // start first run immediately

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-run:
				err := l.Run(ctx, work, errHandler)
				if err != nil {
					return
				}
				run = time.After(period)
			}
		}
	}()
}

// Run the work until successful (or ctx canceled) with backoff.
// Passed ctx should be cancelable - to exit, cancel the Context.
// Passed ctx is passed on to the work function and work should check for cancel if long-running.
// If errHandler itself returns an error, the daemon will exit.
func (l *Looper) Run(ctx context.Context, work WorkFunc, errHandler ErrorFunc) error {
	run := time.After(0 * time.Millisecond) // start immediately
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-run:
			err := work(ctx)
			if err == nil || ctx.Err() != nil {
				return nil
			}

			if err := errHandler(err); err != nil {
				return err
			}

			run = time.After(l.Backoff.Duration())
		}
	}
}

// Chan pulls work from work channel until channel is closed or Context canceled.
// Passed ctx is passed on to the work function and work should check for cancel if long-running.
// If errHandler itself returns an error, the daemon will exit.
func (l *Looper) Chan(ctx context.Context, work <-chan (WorkFunc), errHandler ErrorFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-work:
			if !ok {
				return
			}
			err := l.Run(ctx, work, errHandler)
			if err != nil {
				return
			}
		}
	}
}
