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

	"github.com/gpukit/gk20a/pkg/hwerr"
)

// Recover tears down the contexts running on the given engines by
// synthesizing an MMU fault against them, funneling every recovery path
// through the fault handler. engineIDs is a logical-engine bitmap of
// engines already known to be involved; t names the faulted context if
// the caller knows it.
func (f *Fifo) Recover(engineIDs uint32, t TargetID, verbose bool) {
	f.recoverLocked(engineIDs, t, t.Kind != IDKindUnknown, verbose)
}

func (f *Fifo) recoverLocked(engineIDs uint32, t TargetID, idKnown bool, verbose bool) {
	if verbose {
		f.regs.Write32(regFBFlush, 1)
		f.dumpEngineState()
	}

	engines := engineIDs
	if idKnown {
		engines |= f.enginesOnTarget(t)
	} else {
		// Identity unknown: chase ownership to a fixed point so every
		// engine serving any context implicated by the seed set goes down
		// together.
		for {
			next := engines
			for _, e := range f.engines {
				if engines&(1<<e.EngineID) == 0 {
					continue
				}
				owner := f.resolveOwner(f.readEngineStatus(e.EngineID))
				if owner.Kind != IDKindUnknown {
					next |= f.enginesOnTarget(owner)
				}
			}
			if next == engines {
				break
			}
			engines = next
		}
	}
	if engines == 0 {
		logrus.Warnf("fifo: recovery of %v found no engines to fault", t)
		return
	}
	mmuIDs := f.mmuIDsFor(engines)

	// Hold off the interrupts the synthetic fault would retrigger while
	// the handler runs inline.
	en := f.regs.Read32(regIntrEn0)
	f.regs.Write32(regIntrEn0, en&^uint32(intrSchedError|intrMMUFault))
	f.clearSchedErrorLatch()

	f.regs.Write32(regMMUTrigger, mmuIDs)
	w := f.waiter()
	if err := w.Until("mmu fault trigger", func() bool {
		return f.regs.Read32(regMMUTrigger)&mmuIDs == mmuIDs
	}); err != nil {
		logrus.Errorf("fifo: mmu fault trigger for %#x never latched: %v", mmuIDs, err)
	}

	hint := t
	if !idKnown {
		hint = TargetID{}
	}
	f.handleMMUFault(mmuIDs, hint)

	f.regs.Write32(regMMUTrigger, 0)
	f.regs.Write32(regIntrEn0, en)
}

// recoverTarget is the common body of RecoverChannel and RecoverTSG:
// stop context switching, fault the engines running t, or abort it
// directly if no engine has it loaded.
func (f *Fifo) recoverTarget(t TargetID, verbose bool) {
	f.ctxswMu.Lock()
	defer f.ctxswMu.Unlock()

	if err := f.sup.Ctxsw.DisableCtxsw(); err != nil {
		logrus.Errorf("fifo: failed to disable ctxsw recovering %v: %v", t, err)
	}
	defer func() {
		if err := f.sup.Ctxsw.EnableCtxsw(); err != nil {
			logrus.Errorf("fifo: failed to re-enable ctxsw recovering %v: %v", t, err)
		}
	}()

	if engines := f.enginesOnTarget(t); engines != 0 {
		f.recoverLocked(engines, t, true, verbose)
		return
	}

	// Nothing has the context loaded; hardware teardown is unnecessary.
	switch t.Kind {
	case IDKindChannel:
		if ch := f.ChannelGet(t.ID); ch != nil {
			ch.abort()
			ch.Put()
		}
	case IDKindTSG:
		if tsg := f.TSG(t.ID); tsg != nil {
			tsg.forEachMember(func(ch *Channel) { ch.abort() })
		}
	}
}

// RecoverChannel tears down channel id wherever it is running.
func (f *Fifo) RecoverChannel(id uint32, verbose bool) {
	f.recoverTarget(ChannelTarget(id), verbose)
}

// RecoverTSG tears down TSG id wherever it is running.
func (f *Fifo) RecoverTSG(id uint32, verbose bool) {
	f.recoverTarget(TSGTarget(id), verbose)
}

// ForceReset aborts channel id with a SW-notify error and recovers it;
// the ioctl surface uses this for client-requested resets. While a
// deferred engine reset is parked on a debugger session the forced
// recovery must not run, since it would reset the engine state the
// debugger is inspecting.
func (f *Fifo) ForceReset(id uint32) error {
	if f.deferredPending() {
		return fmt.Errorf("fifo: force reset of channel %d: %w", id, hwerr.ErrRecoveryDeferred)
	}
	ch := f.ChannelGet(id)
	if ch == nil {
		return fmt.Errorf("fifo: force reset: no live channel %d", id)
	}
	verbose := ch.setNotifier(NotifyErrorGRErrSWNotify)
	ch.Put()
	f.RecoverChannel(id, verbose)
	return nil
}
