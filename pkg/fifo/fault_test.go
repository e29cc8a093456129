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

func TestRecoveryEngineSetClosure(t *testing.T) {
	r := newRig(t, nil)
	ch := r.bindChannel(5)

	// Engine 0 is running channel 5; engine 1 is mid-load of the same
	// channel. Seeding recovery with only engine 1 must still take both
	// down: the owner resolution closes over every engine serving the
	// implicated context.
	r.setEngineStatus(0, true, ctxStatusValid, ChannelTarget(5), TargetID{})
	r.setEngineStatus(1, true, ctxStatusCtxswLoad, ChannelTarget(6), ChannelTarget(5))

	enBefore := r.regs.Peek(regIntrEn0)
	r.f.Recover(1<<1, TargetID{}, false)

	if diff := cmp.Diff([]uint32{0, 1}, r.resetOrder()); diff != "" {
		t.Errorf("engines reset (-want +got):\n%s", diff)
	}
	if !ch.TimedOut() {
		t.Error("channel 5 not torn down")
	}
	if code, ok := ch.NotifierError(); !ok || code != NotifyErrorMMUErrFault {
		t.Errorf("notifier = %v/%t, want mmu_error_fault", code, ok)
	}
	if r.regs.Peek(regFifoAccess)&fifoAccessEnabled == 0 {
		t.Error("fifo access not restored after recovery")
	}
	if got := r.regs.Peek(regMMUTrigger); got != 0 {
		t.Errorf("fault trigger left at %#x", got)
	}
	if got := r.regs.Peek(regIntrEn0); got != enBefore {
		t.Errorf("interrupt enables %#x, want %#x restored", got, enBefore)
	}
}

func TestDeferredEngineReset(t *testing.T) {
	r := newRig(t, nil)
	ch := r.bindChannel(7)

	r.debug.attached = true
	r.debug.mmuDebug = true

	// Real GPC-side fault on the graphics engine against channel 7's
	// instance block.
	r.regs.Poke(regMMUFaultInstLo(0), uint32(0x100000+7*0x1000))
	r.regs.Poke(regMMUFaultInfo(0), faultInfoValid|0x2|3<<faultInfoClientShift)
	r.regs.Poke(regMMUFaultID, 1<<0)
	r.regs.Poke(regIntr0, intrMMUFault)
	r.f.ISR()

	if got := r.resetOrder(); len(got) != 0 {
		t.Fatalf("engine reset despite attached debugger: %v", got)
	}
	if !r.f.DeferredResetPending() {
		t.Fatal("deferred reset not pending")
	}
	if r.regs.Peek(regFifoAccess)&fifoAccessEnabled != 0 {
		t.Error("fifo access left enabled with a deferred reset pending")
	}
	if code, ok := ch.NotifierError(); !ok || code != NotifyErrorMMUErrFault {
		t.Errorf("notifier = %v/%t, want mmu_error_fault", code, ok)
	}
	if !ch.TimedOut() {
		t.Error("faulted channel not aborted")
	}

	// Closing the channel drops the last reference and completes the
	// reset.
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if diff := cmp.Diff([]uint32{0}, r.resetOrder()); diff != "" {
		t.Errorf("deferred reset (-want +got):\n%s", diff)
	}
	if r.f.DeferredResetPending() {
		t.Error("deferred reset still pending after channel close")
	}
	if r.regs.Peek(regFifoAccess)&fifoAccessEnabled == 0 {
		t.Error("fifo access not restored after deferred reset")
	}
}

func TestMMUFaultWithoutDebuggerResetsImmediately(t *testing.T) {
	r := newRig(t, nil)
	ch := r.bindChannel(7)

	r.regs.Poke(regMMUFaultInstLo(0), uint32(0x100000+7*0x1000))
	r.regs.Poke(regMMUFaultInfo(0), faultInfoValid|0x2)
	r.regs.Poke(regMMUFaultID, 1<<0)
	r.regs.Poke(regIntr0, intrMMUFault)
	r.f.ISR()

	if diff := cmp.Diff([]uint32{0}, r.resetOrder()); diff != "" {
		t.Errorf("engines reset (-want +got):\n%s", diff)
	}
	if r.f.DeferredResetPending() {
		t.Error("reset deferred without a debugger attached")
	}
	if !ch.TimedOut() {
		t.Error("faulted channel not aborted")
	}
	if r.regs.Peek(regFifoAccess)&fifoAccessEnabled == 0 {
		t.Error("fifo access not restored")
	}
}

func TestMMUFaultOnFreedChannel(t *testing.T) {
	r := newRig(t, nil)

	// Nothing is bound at this instance pointer; the fault is logged and
	// acknowledged without teardown.
	r.regs.Poke(regMMUFaultInstLo(1), 0x555000)
	r.regs.Poke(regMMUFaultInfo(1), faultInfoValid|0x0)
	r.regs.Poke(regMMUFaultID, 1<<1)
	r.regs.Poke(regIntr0, intrMMUFault)
	r.f.ISR()

	if diff := cmp.Diff([]uint32{1}, r.resetOrder()); diff != "" {
		t.Errorf("engines reset (-want +got):\n%s", diff)
	}
	if r.regs.Peek(regFifoAccess)&fifoAccessEnabled == 0 {
		t.Error("fifo access not restored")
	}
	if got := r.regs.Peek(regMMUFaultID); got != 0 {
		t.Errorf("fault id not acknowledged: %#x", got)
	}
}

func TestPreemptTimeoutEscalatesToRecovery(t *testing.T) {
	r := newRig(t, func(cfg *Config, sup *Support) {
		cfg.Silicon = true
	})
	ch := r.bindChannel(5)
	r.setEngineStatus(0, true, ctxStatusValid, ChannelTarget(5), TargetID{})

	// The preempt never completes.
	r.regs.OnWrite(regPreempt, func(old, v uint32) uint32 {
		r.mu.Lock()
		r.preempts = append(r.preempts, v)
		r.mu.Unlock()
		return v
	})

	err := r.f.PreemptChannel(5)
	if !errors.Is(err, hwerr.ErrTimeout) {
		t.Fatalf("PreemptChannel: got %v, want ErrTimeout", err)
	}
	if code, ok := ch.NotifierError(); !ok || code != NotifyErrorIdleTimeout {
		t.Errorf("notifier = %v/%t, want idle_timeout", code, ok)
	}
	if !ch.TimedOut() {
		t.Error("stuck channel not torn down")
	}
	if diff := cmp.Diff([]uint32{0}, r.resetOrder()); diff != "" {
		t.Errorf("engines reset (-want +got):\n%s", diff)
	}
}

func TestPreemptCompletes(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(5)

	if err := r.f.PreemptChannel(5); err != nil {
		t.Fatalf("PreemptChannel: %v", err)
	}
	writes := r.preemptWrites()
	if len(writes) != 1 || writes[0] != 5|preemptPending {
		t.Errorf("preempt writes = %#x, want [%#x]", writes, 5|preemptPending)
	}

	if err := r.f.PreemptTSG(3); err != nil {
		t.Fatalf("PreemptTSG: %v", err)
	}
	writes = r.preemptWrites()
	want := uint32(3 | preemptTypeTSG | preemptPending)
	if len(writes) != 2 || writes[1] != want {
		t.Errorf("preempt writes = %#x, want second %#x", writes, want)
	}
}

func TestForceReset(t *testing.T) {
	r := newRig(t, nil)
	ch := r.bindChannel(2)
	r.setEngineStatus(0, true, ctxStatusValid, ChannelTarget(2), TargetID{})

	if err := r.f.ForceReset(2); err != nil {
		t.Fatalf("ForceReset: %v", err)
	}
	if code, ok := ch.NotifierError(); !ok || code != NotifyErrorGRErrSWNotify {
		t.Errorf("notifier = %v/%t, want gr_error_sw_notify", code, ok)
	}
	if !ch.TimedOut() {
		t.Error("channel not torn down")
	}

	if err := r.f.ForceReset(9); err == nil {
		t.Error("ForceReset of an unbound channel succeeded")
	}
}

func TestForceResetBlockedByDeferredReset(t *testing.T) {
	r := newRig(t, nil)
	r.bindChannel(7)
	r.bindChannel(8)
	r.debug.attached = true
	r.debug.mmuDebug = true

	r.regs.Poke(regMMUFaultInstLo(0), uint32(0x100000+7*0x1000))
	r.regs.Poke(regMMUFaultInfo(0), faultInfoValid|0x2)
	r.regs.Poke(regMMUFaultID, 1<<0)
	r.regs.Poke(regIntr0, intrMMUFault)
	r.f.ISR()

	if err := r.f.ForceReset(8); !errors.Is(err, hwerr.ErrRecoveryDeferred) {
		t.Fatalf("ForceReset: got %v, want ErrRecoveryDeferred", err)
	}
}
