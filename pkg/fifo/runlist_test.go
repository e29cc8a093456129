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
	"testing"

	"github.com/google/go-cmp/cmp"
)

// currentRunlist returns the words last submitted for runlist rlID.
func currentRunlist(f *Fifo, rlID uint32) []uint32 {
	rl := f.runlist(rlID)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.cur < 0 {
		return nil
	}
	n := rl.count[rl.cur]
	return append([]uint32(nil), rl.mem[rl.cur][:n*runlistEntryWords]...)
}

func TestRunlistMembershipIdempotent(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(4)

	if err := r.f.UpdateRunlist(0, 4, true, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	base := r.submitCount(0)

	// Re-adding a present channel and removing an absent one must not
	// touch the hardware.
	if err := r.f.UpdateRunlist(0, 4, true, true); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if err := r.f.UpdateRunlist(0, 9, false, true); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if got := r.submitCount(0); got != base {
		t.Errorf("no-op updates submitted %d times", got-base)
	}

	if err := r.f.UpdateRunlist(0, 4, false, true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := r.submitCount(0); got != base+1 {
		t.Errorf("remove submitted %d times, want 1", got-base)
	}
	if got := currentRunlist(r.f, 0); len(got) != 0 {
		t.Errorf("runlist not empty after remove: %#x", got)
	}
}

func TestRunlistTSGEmission(t *testing.T) {
	r := newRig(t, nil)

	ch0 := r.bindChannel(0)
	ch5 := r.bindChannel(5)
	ch4 := r.bindChannel(4)
	ch1 := r.bindChannel(1)
	_ = ch0
	_ = ch5

	tsg := r.f.TSG(2)
	if err := tsg.Bind(ch4); err != nil {
		t.Fatalf("tsg bind ch4: %v", err)
	}
	if err := tsg.Bind(ch1); err != nil {
		t.Fatalf("tsg bind ch1: %v", err)
	}
	if err := r.f.UpdateRunlist(0, 5, true, true); err != nil {
		t.Fatalf("add ch5: %v", err)
	}
	if err := r.f.UpdateRunlist(0, 0, true, true); err != nil {
		t.Fatalf("add ch0: %v", err)
	}

	timeslice := uint32(tsgTimesliceScale<<runlistTimesliceScaleShift |
		tsgTimesliceTimeout<<runlistTimesliceTimeoutShift)
	header := func(length uint32) uint32 {
		return runlistEntryTypeTSG | 2 | length<<runlistEntryLenShift
	}

	// Ungrouped channels in ascending id order, then the TSG header
	// followed by its members in bind order.
	want := []uint32{
		0, 0,
		5, 0,
		header(2), timeslice,
		4, 0,
		1, 0,
	}
	if diff := cmp.Diff(want, currentRunlist(r.f, 0)); diff != "" {
		t.Fatalf("runlist mismatch (-want +got):\n%s", diff)
	}

	// Dropping one member shrinks the header; the remaining member keeps
	// its bind-order slot.
	if err := tsg.Unbind(ch4); err != nil {
		t.Fatalf("tsg unbind ch4: %v", err)
	}
	want = []uint32{
		0, 0,
		5, 0,
		header(1), timeslice,
		1, 0,
	}
	if diff := cmp.Diff(want, currentRunlist(r.f, 0)); diff != "" {
		t.Fatalf("runlist after unbind (-want +got):\n%s", diff)
	}

	// Dropping the last member removes the header entirely.
	if err := tsg.Unbind(ch1); err != nil {
		t.Fatalf("tsg unbind ch1: %v", err)
	}
	want = []uint32{
		0, 0,
		5, 0,
	}
	if diff := cmp.Diff(want, currentRunlist(r.f, 0)); diff != "" {
		t.Fatalf("runlist after emptying tsg (-want +got):\n%s", diff)
	}
}

func TestRunlistTSGOnly(t *testing.T) {
	r := newRig(t, nil)
	c0 := r.bindChannel(0)
	c1 := r.bindChannel(1)

	tsg := r.f.TSG(0)
	if err := tsg.Bind(c0); err != nil {
		t.Fatalf("tsg bind c0: %v", err)
	}
	if err := tsg.Bind(c1); err != nil {
		t.Fatalf("tsg bind c1: %v", err)
	}

	// No ungrouped entries: just the header with length 2, then c0 and
	// c1 in bind order.
	want := []uint32{
		runlistEntryTypeTSG | 0 | 2<<runlistEntryLenShift,
		tsgTimesliceScale<<runlistTimesliceScaleShift |
			tsgTimesliceTimeout<<runlistTimesliceTimeoutShift,
		0, 0,
		1, 0,
	}
	if diff := cmp.Diff(want, currentRunlist(r.f, 0)); diff != "" {
		t.Fatalf("runlist mismatch (-want +got):\n%s", diff)
	}
}

func TestRunlistDoubleBuffering(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(1)
	r.bindChannel(2)

	if err := r.f.UpdateRunlist(0, 1, true, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	rl := r.f.runlist(0)
	first := rl.cur
	if err := r.f.UpdateRunlist(0, 2, true, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if rl.cur == first {
		t.Error("consecutive submits used the same buffer")
	}
	want := []uint32{1, 0, 2, 0}
	if diff := cmp.Diff(want, currentRunlist(r.f, 0)); diff != "" {
		t.Fatalf("runlist mismatch (-want +got):\n%s", diff)
	}
}

func TestRunlistReload(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(7)
	if err := r.f.UpdateRunlist(0, 7, true, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	base := r.submitCount(0)
	if err := r.f.ReloadRunlist(0, true); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := r.submitCount(0); got != base+1 {
		t.Errorf("reload submitted %d times, want 1", got-base)
	}
	want := []uint32{7, 0}
	if diff := cmp.Diff(want, currentRunlist(r.f, 0)); diff != "" {
		t.Fatalf("runlist mismatch (-want +got):\n%s", diff)
	}
}

func TestRunlistSubmitTimeoutResetsAndRetries(t *testing.T) {
	r := newRig(t, func(cfg *Config, sup *Support) {
		cfg.Silicon = true
	})
	r.bindChannel(1)

	// First submit wedges; the retry after the engine reset goes through.
	submits := 0
	r.regs.OnWrite(regRunlistSubmit(0), func(old, v uint32) uint32 {
		submits++
		if submits == 1 {
			return v
		}
		return v &^ uint32(runlistSubmitPending)
	})

	if err := r.f.UpdateRunlist(0, 1, true, true); err != nil {
		t.Fatalf("update: %v", err)
	}
	if submits != 2 {
		t.Errorf("got %d submits, want 2", submits)
	}
	if diff := cmp.Diff([]uint32{0}, r.resetOrder()); diff != "" {
		t.Errorf("engines reset (-want +got):\n%s", diff)
	}
}
