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
	"github.com/sirupsen/logrus"
)

// ISR services the stalling FIFO interrupt. Handled bits are written
// back to acknowledge (write-one-to-clear).
func (f *Fifo) ISR() {
	f.intrMu.Lock()
	defer f.intrMu.Unlock()

	intr := f.regs.Read32(regIntr0)
	var handled uint32
	verbose := false

	if intr&intrPioError != 0 {
		// PIO is unused on this hardware generation; a PIO error means
		// register state is corrupt beyond software repair.
		panic("fifo: pio error interrupt")
	}
	if intr&intrBindError != 0 {
		logrus.Errorf("fifo: bind error %#x", f.regs.Read32(regBindError))
		handled |= intrBindError
		verbose = true
	}
	if intr&intrSchedError != 0 {
		if f.handleSchedError() {
			verbose = true
		}
		handled |= intrSchedError
	}
	if intr&intrChswError != 0 {
		w := f.regs.Read32(regChswError)
		logrus.Errorf("fifo: channel switch error %#x", w)
		f.regs.Write32(regChswError, w)
		handled |= intrChswError
		verbose = true
	}
	if intr&intrMMUFault != 0 {
		if f.handleMMUFault(0, TargetID{}) {
			verbose = true
		}
		handled |= intrMMUFault
	}
	if intr&intrDroppedMMUFault != 0 {
		logrus.Errorf("fifo: dropped mmu fault, id %#x", f.regs.Read32(regMMUFaultID))
		handled |= intrDroppedMMUFault
		verbose = true
	}
	if intr&intrPbdma != 0 {
		pending := f.regs.Read32(regPbdmaPending)
		for p := uint32(0); p < f.cfg.NumPBDMA; p++ {
			if pending&(1<<p) != 0 {
				f.handlePBDMAIntr(p)
			}
		}
		handled |= intrPbdma
	}
	if intr&intrRunlistEvent != 0 {
		handled |= intrRunlistEvent
	}

	// A deferred reset means a debugger is holding faulted engine state;
	// skip the dump rather than perturb what it is inspecting.
	if verbose && !f.deferredPending() {
		f.dumpEngineState()
	}

	if handled != 0 {
		f.regs.Write32(regIntr0, handled)
	}
	if leftover := intr &^ handled; leftover != 0 {
		logrus.Errorf("fifo: unhandled interrupt bits %#x", leftover)
		f.regs.Write32(regIntr0, leftover)
	}
}

// NonstallISR services the nonstalling FIFO interrupt: channel completion
// events that only need waiter wakeups.
func (f *Fifo) NonstallISR() {
	intr := f.regs.Read32(regIntr0)
	if intr&intrChannel == 0 {
		return
	}
	f.regs.Write32(regIntr0, intrChannel)
	for _, ch := range f.channels {
		ref := f.ChannelGet(ch.id)
		if ref == nil {
			continue
		}
		ref.Wake()
		ref.Put()
	}
}

// handlePBDMAIntr triages PBDMA p's interrupt: device-fatal and
// channel-fatal conditions tear the serviced context down; restartable
// conditions get their PBDMA state repaired in place.
func (f *Fifo) handlePBDMAIntr(p uint32) {
	reset := false

	if i0 := f.regs.Read32(regPbdmaIntr0(p)); i0 != 0 {
		if bits := i0 & f.pbdmaDeviceFatal0; bits != 0 {
			logrus.Errorf("fifo: pbdma %d device-fatal intr %#x", p, bits)
			reset = true
		}
		if bits := i0 & f.pbdmaChannelFatal0; bits != 0 {
			logrus.Errorf("fifo: pbdma %d channel-fatal intr %#x", p, bits)
			reset = true
		}

		// Repairs: leave the PBDMA fetching NOPs so clearing the
		// interrupt cannot immediately re-fault on the same state.
		if i0&pbdmaIntrAcquire != 0 {
			// A semaphore acquire outwaited its timeout; stop the timer
			// and let the acquire keep spinning.
			v := f.regs.Read32(regPbdmaAcquire(p))
			f.regs.Write32(regPbdmaAcquire(p), v&^uint32(pbdmaAcquireTimeoutEnable))
		}
		if i0&pbdmaIntrPBEntry != 0 {
			f.regs.Write32(regPbdmaPBHeader(p), pbdmaPBHeaderNop)
			f.regs.Write32(regPbdmaMethod(p, 0), pbdmaMethodNop)
		}
		if i0&pbdmaIntrMethod != 0 {
			f.regs.Write32(regPbdmaMethod(p, 0), pbdmaMethodNop)
		}
		if i0&pbdmaIntrDevice != 0 {
			f.regs.Write32(regPbdmaPBHeader(p), pbdmaPBHeaderNop)
			for slot := uint32(0); slot < 4; slot++ {
				m := f.regs.Read32(regPbdmaMethod(p, slot))
				if subch := m >> pbdmaMethodSubchShift & pbdmaMethodSubchMask; subch >= 5 && subch <= 7 {
					f.regs.Write32(regPbdmaMethod(p, slot), pbdmaMethodNop)
				}
			}
		}

		f.regs.Write32(regPbdmaIntr0(p), i0)
	}

	if i1 := f.regs.Read32(regPbdmaIntr1(p)); i1 != 0 {
		logrus.Errorf("fifo: pbdma %d intr1 %#x", p, i1)
		f.regs.Write32(regPbdmaIntr1(p), i1)
		reset = true
	}

	if !reset {
		return
	}

	owner := ownerForDisable(f.readPbdmaStatus(p))
	switch owner.Kind {
	case IDKindTSG:
		tsg := f.TSG(owner.ID)
		if tsg == nil {
			return
		}
		verbose := false
		tsg.forEachMember(func(ch *Channel) {
			if ch.setNotifier(NotifyErrorPbdmaError) {
				verbose = true
			}
		})
		f.RecoverTSG(owner.ID, verbose)
	case IDKindChannel:
		ch := f.ChannelGet(owner.ID)
		if ch == nil {
			logrus.Errorf("fifo: pbdma %d error on freed channel %d", p, owner.ID)
			return
		}
		verbose := ch.setNotifier(NotifyErrorPbdmaError)
		ch.Put()
		f.RecoverChannel(owner.ID, verbose)
	default:
		logrus.Errorf("fifo: pbdma %d error with no serviced context", p)
	}
}
