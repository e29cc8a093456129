// Copyright 2024 The gk20a Authors.
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

// Package hwwait implements the bounded polling wait used by every
// hardware hand-off in the FIFO engine: runlist-pending, preempt-pending,
// fault-trigger-pending and engine-idle waits all share this loop.
package hwwait

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

const (
	// DefaultInitial is the delay before the second poll.
	DefaultInitial = 10 * time.Microsecond

	// DefaultMax caps the backoff between polls.
	DefaultMax = 5 * time.Millisecond

	// DefaultDeadline bounds the whole wait on silicon.
	DefaultDeadline = 3 * time.Second
)

// Waiter polls a predicate with exponential backoff. On silicon the wait is
// bounded by Deadline wall-clock time; on simulation and FPGA platforms the
// loop runs on the backoff alone and never expires.
type Waiter struct {
	// Initial is the first inter-poll delay. Zero means DefaultInitial.
	Initial time.Duration

	// Max caps the inter-poll delay. Zero means DefaultMax.
	Max time.Duration

	// Deadline bounds the total wait on silicon. Zero means
	// DefaultDeadline.
	Deadline time.Duration

	// Silicon selects the bounded-deadline policy.
	Silicon bool

	// Sleep yields between polls. Nil means time.Sleep. Tests inject a
	// fake that advances Clock instead of sleeping.
	Sleep func(time.Duration)

	// Clock supplies the wall clock for deadline accounting. Nil means
	// the system clock.
	Clock backoff.Clock
}

// Until polls pred until it returns true. what names the wait in the
// returned error. Returns hwerr.ErrTimeout when the deadline expires first.
func (w Waiter) Until(what string, pred func() bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.Initial
	if b.InitialInterval == 0 {
		b.InitialInterval = DefaultInitial
	}
	b.MaxInterval = w.Max
	if b.MaxInterval == 0 {
		b.MaxInterval = DefaultMax
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if w.Silicon {
		b.MaxElapsedTime = w.Deadline
		if b.MaxElapsedTime == 0 {
			b.MaxElapsedTime = DefaultDeadline
		}
	} else {
		// Non-silicon platforms run the predicate until it passes.
		b.MaxElapsedTime = 0
	}
	if w.Clock != nil {
		b.Clock = w.Clock
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	b.Reset()
	for {
		if pred() {
			return nil
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return fmt.Errorf("%s: %w", what, hwerr.ErrTimeout)
		}
		sleep(d)
	}
}
