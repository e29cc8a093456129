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

package hwwait

import (
	"errors"
	"testing"
	"time"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

// fakeClock advances only when the injected sleep runs, so tests never
// actually block.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestWaiter(silicon bool) (Waiter, *[]time.Duration) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	var slept []time.Duration
	w := Waiter{
		Initial:  10 * time.Microsecond,
		Max:      5 * time.Millisecond,
		Deadline: 100 * time.Millisecond,
		Silicon:  silicon,
		Clock:    clk,
		Sleep: func(d time.Duration) {
			slept = append(slept, d)
			clk.now = clk.now.Add(d)
		},
	}
	return w, &slept
}

func TestUntilSucceeds(t *testing.T) {
	w, slept := newTestWaiter(true)
	polls := 0
	if err := w.Until("test wait", func() bool {
		polls++
		return polls == 5
	}); err != nil {
		t.Fatalf("Until: %v", err)
	}
	if polls != 5 {
		t.Errorf("polls: got %d, want 5", polls)
	}
	// Delays must grow geometrically up to the cap.
	for i := 1; i < len(*slept); i++ {
		prev, cur := (*slept)[i-1], (*slept)[i]
		if cur < prev && prev != w.Max {
			t.Errorf("delay %d shrank: %v after %v", i, cur, prev)
		}
	}
}

func TestUntilDeadline(t *testing.T) {
	w, slept := newTestWaiter(true)
	err := w.Until("never", func() bool { return false })
	if !errors.Is(err, hwerr.ErrTimeout) {
		t.Fatalf("Until: got %v, want ErrTimeout", err)
	}
	var total time.Duration
	for _, d := range *slept {
		total += d
	}
	if total < w.Deadline {
		t.Errorf("gave up after %v, before the %v deadline", total, w.Deadline)
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	w, slept := newTestWaiter(true)
	_ = w.Until("never", func() bool { return false })
	for i, d := range *slept {
		if d > w.Max {
			t.Errorf("delay %d exceeds cap: %v > %v", i, d, w.Max)
		}
	}
}

func TestSimulationUnbounded(t *testing.T) {
	w, _ := newTestWaiter(false)
	// Far past the silicon deadline; a simulation wait must keep polling.
	polls := 0
	if err := w.Until("slow sim", func() bool {
		polls++
		return polls == 200
	}); err != nil {
		t.Fatalf("Until on simulation: %v", err)
	}
}
