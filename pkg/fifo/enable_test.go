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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

func TestDisableEngineActivityBusyFastFail(t *testing.T) {
	r := newRig(t, nil)
	r.setEngineStatus(0, true, ctxStatusValid, ChannelTarget(4), TargetID{})

	err := r.f.DisableEngineActivity(r.f.Engines()[0], false)
	if !errors.Is(err, hwerr.ErrBusy) {
		t.Fatalf("DisableEngineActivity: got %v, want ErrBusy", err)
	}
	if got := r.regs.Peek(regSchedDisable); got != 0 {
		t.Errorf("sched disable = %#x after fast-fail, want 0", got)
	}
}

func TestDisableEngineActivityPreemptsBothOwners(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(3)
	r.bindChannel(4)

	// The PBDMA and the engine are serving different channels; both get
	// preempted.
	r.setPbdmaStatus(0, false, ctxStatusValid, ChannelTarget(3), TargetID{})
	r.setEngineStatus(0, false, ctxStatusValid, ChannelTarget(4), TargetID{})

	if err := r.f.DisableEngineActivity(r.f.Engines()[0], false); err != nil {
		t.Fatalf("DisableEngineActivity: %v", err)
	}
	want := []uint32{3 | preemptPending, 4 | preemptPending}
	if diff := cmp.Diff(want, r.preemptWrites()); diff != "" {
		t.Errorf("preempts (-want +got):\n%s", diff)
	}
	if got := r.regs.Peek(regSchedDisable); got != 1<<0 {
		t.Errorf("sched disable = %#x, want runlist 0 disabled", got)
	}

	r.f.EnableEngineActivity(r.f.Engines()[0])
	if got := r.regs.Peek(regSchedDisable); got != 0 {
		t.Errorf("sched disable = %#x after enable, want 0", got)
	}
}

func TestDisableEngineActivitySharedOwnerPreemptedOnce(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(3)
	r.setPbdmaStatus(0, false, ctxStatusValid, ChannelTarget(3), TargetID{})
	r.setEngineStatus(0, false, ctxStatusValid, ChannelTarget(3), TargetID{})

	if err := r.f.DisableEngineActivity(r.f.Engines()[0], false); err != nil {
		t.Fatalf("DisableEngineActivity: %v", err)
	}
	if got := r.preemptWrites(); len(got) != 1 {
		t.Errorf("got %d preempts, want 1: %#x", len(got), got)
	}
}

func TestDisableEngineActivityUnwindsOnPreemptFailure(t *testing.T) {
	r := newRig(t, func(cfg *Config, sup *Support) {
		cfg.Silicon = true
	})
	r.bindChannel(3)
	r.setPbdmaStatus(0, false, ctxStatusValid, ChannelTarget(3), TargetID{})

	// The preempt wedges; the disable must re-enable scheduling before
	// reporting failure.
	r.regs.OnWrite(regPreempt, func(old, v uint32) uint32 {
		return v
	})

	err := r.f.DisableEngineActivity(r.f.Engines()[0], false)
	if !errors.Is(err, hwerr.ErrTimeout) {
		t.Fatalf("DisableEngineActivity: got %v, want ErrTimeout", err)
	}
	if got := r.regs.Peek(regSchedDisable); got != 0 {
		t.Errorf("sched disable = %#x after failed disable, want 0", got)
	}
}

func TestDisableAllEngineActivity(t *testing.T) {
	r := newRig(t, nil)

	if err := r.f.DisableAllEngineActivity(false); err != nil {
		t.Fatalf("DisableAllEngineActivity: %v", err)
	}
	if got := r.regs.Peek(regSchedDisable); got != 0b11 {
		t.Errorf("sched disable = %#x, want both runlists disabled", got)
	}
	r.f.EnableAllEngineActivity()
	if got := r.regs.Peek(regSchedDisable); got != 0 {
		t.Errorf("sched disable = %#x after enable, want 0", got)
	}
}

func TestDisableAllEngineActivityUnwinds(t *testing.T) {
	r := newRig(t, nil)
	// The copy engine is busy; the already-disabled graphics runlist must
	// be re-enabled on the way out.
	r.setEngineStatus(1, true, ctxStatusValid, ChannelTarget(2), TargetID{})

	err := r.f.DisableAllEngineActivity(false)
	if !errors.Is(err, hwerr.ErrBusy) {
		t.Fatalf("DisableAllEngineActivity: got %v, want ErrBusy", err)
	}
	if got := r.regs.Peek(regSchedDisable); got != 0 {
		t.Errorf("sched disable = %#x after failed disable-all, want 0", got)
	}
}
