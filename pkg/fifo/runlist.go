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

	"github.com/sirupsen/logrus"

	"github.com/gpukit/gk20a/pkg/bitmap"
	"github.com/gpukit/gk20a/pkg/hwerr"
)

// ChannelInvalid as the channel argument to UpdateRunlist reconstructs
// and resubmits the runlist without changing membership.
const ChannelInvalid = ^uint32(0)

// runlist is one hardware runlist with its two construction buffers. The
// hardware consumes one buffer while software builds into the other.
type runlist struct {
	id uint32

	mu chanMutex

	// mem and count are the double buffer; cur is the buffer last
	// submitted, -1 before the first submit.
	mem   [2][]uint32
	count [2]uint32
	cur   int

	// active tracks channel membership; activeTSG tracks groups with at
	// least one active member.
	active    bitmap.Bitmap
	activeTSG bitmap.Bitmap
}

func (f *Fifo) initRunlists() {
	maxID := uint32(0)
	for _, e := range f.engines {
		if e.RunlistID > maxID {
			maxID = e.RunlistID
		}
	}
	f.runlists = make([]*runlist, maxID+1)
	for i := range f.runlists {
		entries := f.cfg.NumChannels * runlistEntryWords * 2
		f.runlists[i] = &runlist{
			id:        uint32(i),
			mu:        newChanMutex(),
			mem:       [2][]uint32{make([]uint32, entries), make([]uint32, entries)},
			cur:       -1,
			active:    bitmap.New(f.cfg.NumChannels),
			activeTSG: bitmap.New(f.cfg.NumChannels),
		}
	}
}

func (f *Fifo) runlist(id uint32) *runlist {
	if id >= uint32(len(f.runlists)) {
		return nil
	}
	return f.runlists[id]
}

// lockAllRunlists takes every runlist mutex in ascending id order, the
// global runlist lock order.
func (f *Fifo) lockAllRunlists() {
	for _, rl := range f.runlists {
		rl.mu.Lock()
	}
}

func (f *Fifo) unlockAllRunlists() {
	for _, rl := range f.runlists {
		rl.mu.Unlock()
	}
}

// UpdateRunlist adds or removes a channel on runlist rlID and submits the
// result, waiting for the hardware to consume it when wait is set.
// Membership updates are idempotent: re-adding a present channel or
// removing an absent one resubmits nothing.
func (f *Fifo) UpdateRunlist(rlID, chID uint32, add, wait bool) error {
	rl := f.runlist(rlID)
	if rl == nil {
		return fmt.Errorf("fifo: no runlist %d: %w", rlID, hwerr.ErrInvalidArgument)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return f.updateRunlistLocked(rl, chID, add, wait)
}

// updateRunlistLocked does the membership update, reconstruction, and
// submission. Callers hold rl.mu.
func (f *Fifo) updateRunlistLocked(rl *runlist, chID uint32, add, wait bool) error {
	if chID != ChannelInvalid {
		if chID >= f.cfg.NumChannels {
			return fmt.Errorf("fifo: channel %d out of range: %w", chID, hwerr.ErrInvalidArgument)
		}
		ch := f.channels[chID]
		ch.mu.Lock()
		tsg := ch.tsg
		ch.mu.Unlock()

		if add {
			if rl.active.TestAndSet(chID) {
				return nil
			}
			if tsg != nil {
				tsg.numActive++
				if tsg.numActive == 1 {
					rl.activeTSG.Set(tsg.id)
				}
			}
		} else {
			if !rl.active.TestAndClear(chID) {
				return nil
			}
			if tsg != nil {
				tsg.numActive--
				if tsg.numActive == 0 {
					rl.activeTSG.Clear(tsg.id)
				}
			}
		}
	}

	buf := 0
	if rl.cur == 0 {
		buf = 1
	}
	rl.count[buf] = f.constructRunlist(rl, rl.mem[buf])
	return f.submitRunlist(rl, buf, wait)
}

// constructRunlist serializes rl's membership into mem: ungrouped
// channels first in ascending id order, then each active TSG as a header
// entry followed by its active members in bind order.
func (f *Fifo) constructRunlist(rl *runlist, mem []uint32) uint32 {
	var n uint32

	rl.active.ForEach(func(chID uint32) bool {
		ch := f.channels[chID]
		ch.mu.Lock()
		grouped := ch.tsg != nil
		ch.mu.Unlock()
		if grouped {
			return true
		}
		mem[n*runlistEntryWords] = chID & runlistEntryIDMask
		mem[n*runlistEntryWords+1] = 0
		n++
		return true
	})

	rl.activeTSG.ForEach(func(tsgID uint32) bool {
		tsg := f.tsgs[tsgID]
		header := n
		mem[n*runlistEntryWords] = runlistEntryTypeTSG |
			tsgID&runlistEntryIDMask |
			(tsg.numActive&runlistEntryLenMask)<<runlistEntryLenShift
		mem[n*runlistEntryWords+1] = tsgTimesliceScale<<runlistTimesliceScaleShift |
			tsgTimesliceTimeout<<runlistTimesliceTimeoutShift
		n++

		var emitted uint32
		tsg.forEachMember(func(ch *Channel) {
			if !rl.active.Test(ch.id) {
				return
			}
			mem[n*runlistEntryWords] = ch.id & runlistEntryIDMask
			mem[n*runlistEntryWords+1] = 0
			n++
			emitted++
		})
		if emitted != tsg.numActive {
			// The header length no longer matches the members behind it;
			// patch the header and flag the accounting bug.
			logrus.Errorf("fifo: runlist %d: tsg %d emitted %d members, accounting says %d",
				rl.id, tsgID, emitted, tsg.numActive)
			mem[header*runlistEntryWords] = runlistEntryTypeTSG |
				tsgID&runlistEntryIDMask |
				(emitted&runlistEntryLenMask)<<runlistEntryLenShift
		}
		return true
	})

	return n
}

// submitRunlist hands buffer buf to the hardware. A wait that times out
// gets one reset-engines-and-retry before giving up.
func (f *Fifo) submitRunlist(rl *runlist, buf int, wait bool) error {
	if rl.count[buf] > 0 {
		f.regs.Write32(regRunlistBase(rl.id), runlistBaseToken(rl.id, buf))
	}
	f.regs.Write32(regRunlistSubmit(rl.id),
		rl.count[buf]&runlistSubmitLenMask|runlistSubmitPending)
	rl.cur = buf

	if !wait {
		return nil
	}

	w := f.waiter()
	pred := func() bool {
		return f.regs.Read32(regRunlistSubmit(rl.id))&runlistSubmitPending == 0
	}
	err := w.Until(fmt.Sprintf("runlist %d submit", rl.id), pred)
	if err == nil {
		return nil
	}

	logrus.Warnf("fifo: runlist %d submit stuck, resetting engines and retrying", rl.id)
	f.resetRunlistEngines(rl.id)
	f.regs.Write32(regRunlistSubmit(rl.id),
		rl.count[buf]&runlistSubmitLenMask|runlistSubmitPending)
	if err := w.Until(fmt.Sprintf("runlist %d resubmit", rl.id), pred); err != nil {
		return fmt.Errorf("fifo: runlist %d update: %w", rl.id, err)
	}
	return nil
}

// resetRunlistEngines resets every engine served by runlist rlID, unless
// another handler already holds the reset mutex.
func (f *Fifo) resetRunlistEngines(rlID uint32) {
	if !f.resetMu.TryLock() {
		logrus.Infof("fifo: runlist %d: engine reset already in progress", rlID)
		return
	}
	defer f.resetMu.Unlock()
	for _, e := range f.engines {
		if e.RunlistID == rlID {
			f.sup.Reset.ResetEngine(e)
		}
	}
}

// ReloadRunlist resubmits runlist rlID from its current membership.
func (f *Fifo) ReloadRunlist(rlID uint32, wait bool) error {
	return f.UpdateRunlist(rlID, ChannelInvalid, false, wait)
}
