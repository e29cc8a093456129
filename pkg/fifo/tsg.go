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

package fifo

import (
	"fmt"
	"sync"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

// TSG is a timeslice group: channels scheduled as one unit under a shared
// timeslice. On the runlist a TSG appears as a header entry followed by
// its runnable members, in the order they joined the group.
type TSG struct {
	f  *Fifo
	id uint32

	mu sync.Mutex

	// members holds joined channels in bind order; runlist emission
	// preserves this order.
	members []*Channel

	// numActive counts members currently on the runlist. Guarded by the
	// runlist mutex, not mu: it only changes inside runlist updates.
	numActive uint32
}

// TSG returns the timeslice group with the given id.
func (f *Fifo) TSG(id uint32) *TSG {
	if id >= uint32(len(f.tsgs)) {
		return nil
	}
	return f.tsgs[id]
}

// ID returns the group's hardware id.
func (t *TSG) ID() uint32 { return t.id }

// runlistID returns the runlist the group schedules on. All members of a
// TSG share the graphics runlist.
func (t *TSG) runlistID() uint32 {
	for _, e := range t.f.engines {
		if e.Class == EngineClassGraphics {
			return e.RunlistID
		}
	}
	return 0
}

// Bind joins ch to the group and puts it on the runlist. The channel must
// be bound and not already grouped.
func (t *TSG) Bind(ch *Channel) error {
	ch.mu.Lock()
	if !ch.bound {
		ch.mu.Unlock()
		return fmt.Errorf("fifo: tsg %d: channel %d not bound: %w",
			t.id, ch.id, hwerr.ErrInvalidArgument)
	}
	if ch.tsg != nil {
		ch.mu.Unlock()
		return fmt.Errorf("fifo: channel %d already in tsg %d: %w",
			ch.id, ch.tsg.id, hwerr.ErrInvalidArgument)
	}
	ch.tsg = t
	ch.mu.Unlock()

	t.mu.Lock()
	t.members = append(t.members, ch)
	t.mu.Unlock()

	if err := t.f.UpdateRunlist(t.runlistID(), ch.id, true, true); err != nil {
		t.mu.Lock()
		for i, m := range t.members {
			if m == ch {
				t.members = append(t.members[:i:i], t.members[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		ch.mu.Lock()
		ch.tsg = nil
		ch.mu.Unlock()
		return err
	}
	return nil
}

// Unbind removes ch from the runlist and from the group.
func (t *TSG) Unbind(ch *Channel) error {
	ch.mu.Lock()
	if ch.tsg != t {
		ch.mu.Unlock()
		return fmt.Errorf("fifo: channel %d not in tsg %d: %w",
			ch.id, t.id, hwerr.ErrInvalidArgument)
	}
	ch.mu.Unlock()

	if err := t.f.UpdateRunlist(t.runlistID(), ch.id, false, true); err != nil {
		return err
	}

	t.mu.Lock()
	for i, m := range t.members {
		if m == ch {
			t.members = append(t.members[:i:i], t.members[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	ch.mu.Lock()
	ch.tsg = nil
	ch.mu.Unlock()
	return nil
}

// forEachMember calls fn for each member channel in bind order.
func (t *TSG) forEachMember(fn func(ch *Channel)) {
	t.mu.Lock()
	members := append([]*Channel(nil), t.members...)
	t.mu.Unlock()
	for _, ch := range members {
		fn(ch)
	}
}

// markFaulted latches the notifier on every member and aborts them. It
// returns whether any member asked for a verbose dump.
func (t *TSG) markFaulted(code NotifyError) (verbose bool) {
	t.forEachMember(func(ch *Channel) {
		if ch.setNotifier(code) {
			verbose = true
		}
		ch.abort()
	})
	return verbose
}
