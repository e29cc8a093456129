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
)

// mmuFault is one decoded per-engine MMU fault record.
type mmuFault struct {
	engine    *EngineInfo
	instPtr   uint64
	faultType uint32
	client    uint32
	hub       bool
	valid     bool
}

var mmuFaultTypeNames = map[uint32]string{
	0x0: "pde",
	0x1: "pde_size",
	0x2: "pte",
	0x3: "va_limit_viol",
	0x4: "unbound_inst_block",
	0x5: "priv_viol",
	0x6: "ro_viol",
	0x8: "pitch_mask_viol",
	0x9: "work_creation",
	0xa: "unsupported_aperture",
	0xb: "compression_failure",
	0xc: "unsupported_kind",
	0xd: "region_viol",
	0xe: "dual_ptes",
	0xf: "poisoned",
}

func (m mmuFault) typeName() string {
	if s, ok := mmuFaultTypeNames[m.faultType]; ok {
		return s
	}
	return fmt.Sprintf("type(%#x)", m.faultType)
}

func (f *Fifo) readMMUFault(e *EngineInfo) mmuFault {
	lo := f.regs.Read32(regMMUFaultInstLo(e.MMUFaultID))
	hi := f.regs.Read32(regMMUFaultInstHi(e.MMUFaultID))
	info := f.regs.Read32(regMMUFaultInfo(e.MMUFaultID))
	return mmuFault{
		engine:    e,
		instPtr:   uint64(hi)<<32 | uint64(lo),
		faultType: info & faultInfoTypeMask,
		client:    info >> faultInfoClientShift & faultInfoClientMask,
		hub:       info&faultInfoSubIDHub != 0,
		valid:     info&faultInfoValid != 0,
	}
}

// handleMMUFault services the MMU fault interrupt. faultEngines is
// nonzero for synthetic faults triggered by Recover, carrying the MMU-id
// bitmap of the engines being recovered; hint names the context being
// recovered when the caller already knows it. The return value says
// whether a verbose state dump is warranted.
func (f *Fifo) handleMMUFault(faultEngines uint32, hint TargetID) bool {
	fake := faultEngines != 0
	verbose := false

	f.sup.Power.DisableELPG()
	defer f.sup.Power.EnableELPG()

	// Faulting work must not race repairs, and load-gated clocks must be
	// running for the engine register accesses below. Gating stays off
	// afterwards; re-enabling is the power manager's call.
	f.setFifoAccess(false)
	f.sup.Clock.SetGating(ClockUnitGR, false)
	f.sup.Clock.SetGating(ClockUnitPerf, false)
	f.sup.Clock.SetGating(ClockUnitLTC, false)

	faultID := faultEngines
	if !fake {
		faultID = f.regs.Read32(regMMUFaultID)
	}

	deferred := false
	for mmuID := uint32(0); mmuID < 32; mmuID++ {
		if faultID&(1<<mmuID) == 0 {
			continue
		}
		e := f.engineByMMUID(mmuID)
		if e == nil {
			logrus.Errorf("fifo: mmu fault on unknown mmu id %d", mmuID)
			continue
		}
		flt := f.readMMUFault(e)
		subID := "gpc"
		if flt.hub {
			subID = "hub"
		}
		logrus.Errorf("fifo: mmu fault: engine %d (%v) %s client %d %s inst %#x",
			e.EngineID, e.Class, subID, flt.client, flt.typeName(), flt.instPtr)

		// Resolve the faulted context. Synthetic faults never read the
		// fault snapshot; the engine status (or the caller's hint) is
		// authoritative.
		var owner TargetID
		if hint.Kind != IDKindUnknown {
			owner = hint
		} else if fake {
			owner = f.resolveOwner(f.readEngineStatus(e.EngineID))
		} else {
			if ch := f.channelByInst(flt.instPtr); ch != nil {
				owner = ChannelTarget(ch.id)
				ch.Put()
			}
		}

		// A real GPC-side graphics fault with a debugger attached and MMU
		// debug mode on must not reset the engine: the debugger owns the
		// faulted state. The reset runs when the channel finally closes.
		if !fake && e.Class == EngineClassGraphics && !flt.hub &&
			f.sup.Debug.SMDebuggerAttached() && f.sup.Debug.MMUDebugModeEnabled() {
			f.deferredMu.Lock()
			f.deferredResetPending = true
			f.deferredFaultEngines |= 1 << mmuID
			f.deferredMu.Unlock()
			deferred = true
			logrus.Infof("fifo: engine %d reset deferred to channel close", e.EngineID)
		} else if f.resetMu.TryLock() {
			f.sup.Reset.ResetEngine(*e)
			f.resetMu.Unlock()
		} else {
			logrus.Infof("fifo: engine %d reset already in progress", e.EngineID)
		}

		switch owner.Kind {
		case IDKindTSG:
			if tsg := f.TSG(owner.ID); tsg != nil {
				if tsg.markFaulted(NotifyErrorMMUErrFault) {
					verbose = true
				}
			}
		case IDKindChannel:
			if ch := f.ChannelGet(owner.ID); ch != nil {
				if ch.setNotifier(NotifyErrorMMUErrFault) {
					verbose = true
				}
				ch.abort()
				ch.Put()
			} else {
				logrus.Errorf("fifo: mmu fault on freed channel %d, nothing to tear down", owner.ID)
			}
		default:
			switch flt.instPtr {
			case f.cfg.BAR1InstPtr:
				logrus.Errorf("fifo: mmu fault on BAR1 context")
				verbose = true
			case f.cfg.PMUInstPtr:
				logrus.Errorf("fifo: mmu fault on PMU context")
				verbose = true
			default:
				logrus.Errorf("fifo: mmu fault on inst %#x owned by no live channel", flt.instPtr)
			}
		}
	}

	// Acknowledge the fault. With a deferred reset pending the front end
	// stays disabled: no new work may reach the engine until the reset
	// completes.
	f.regs.Write32(regMMUFaultID, faultID)
	if !deferred {
		f.clearSchedErrorLatch()
		f.setFifoAccess(true)
	}
	return verbose
}

// completeDeferredReset finishes an engine reset postponed by a debugger
// session, once ch's last reference is gone.
func (f *Fifo) completeDeferredReset(ch *Channel) {
	f.deferredMu.Lock()
	if !f.deferredResetPending {
		f.deferredMu.Unlock()
		return
	}
	engines := f.deferredFaultEngines
	f.deferredFaultEngines = 0
	f.deferredResetPending = false
	f.deferredMu.Unlock()

	logrus.Infof("fifo: completing deferred engine reset after channel %d close", ch.id)
	for mmuID := uint32(0); mmuID < 32; mmuID++ {
		if engines&(1<<mmuID) == 0 {
			continue
		}
		if e := f.engineByMMUID(mmuID); e != nil {
			if f.resetMu.TryLock() {
				f.sup.Reset.ResetEngine(*e)
				f.resetMu.Unlock()
			}
		}
	}
	f.clearSchedErrorLatch()
	f.setFifoAccess(true)
}
