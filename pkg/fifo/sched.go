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

// failingEngine finds the engine stuck mid context switch, the culprit a
// scheduler error points at.
func (f *Fifo) failingEngine() (*EngineInfo, TargetID) {
	for i := range f.engines {
		e := &f.engines[i]
		s := f.readEngineStatus(e.EngineID)
		if !s.busy || !s.ctxswInProgress() {
			continue
		}
		return e, f.resolveOwner(s)
	}
	return nil, TargetID{}
}

// handleSchedError services the scheduler-error interrupt. Only the
// ctxsw-timeout code is actionable; a timed-out context gets its budget
// charged and is recovered once the budget is gone. The return value
// says whether a verbose dump is warranted.
func (f *Fifo) handleSchedError() bool {
	code := f.regs.Read32(regSchedErrorCode)
	if code != schedErrorCodeCtxswTimeout {
		logrus.Errorf("fifo: sched error %#x, not recoverable", code)
		return true
	}

	e, owner := f.failingEngine()
	if e == nil {
		logrus.Errorf("fifo: ctxsw timeout with no engine mid-switch")
		return true
	}

	switch owner.Kind {
	case IDKindTSG:
		// No per-TSG timeout budget; a group wedging the scheduler goes
		// down immediately.
		if tsg := f.TSG(owner.ID); tsg != nil {
			verbose := tsg.markFaulted(NotifyErrorIdleTimeout)
			f.recoverLocked(1<<e.EngineID, owner, true, verbose)
			return verbose
		}
		return true
	case IDKindChannel:
		ch := f.ChannelGet(owner.ID)
		if ch == nil {
			logrus.Errorf("fifo: ctxsw timeout on freed channel %d", owner.ID)
			return true
		}
		defer ch.Put()
		if f.sup.Timeouts.UpdateAndCheck(ch, f.cfg.CtxswTimeoutPeriod) {
			logrus.Errorf("fifo: channel %d exhausted its ctxsw timeout budget, recovering", ch.id)
			verbose := ch.setNotifier(NotifyErrorIdleTimeout)
			f.recoverLocked(1<<e.EngineID, owner, true, verbose)
			return verbose
		}
		if f.schedLogLimit.Allow() {
			logrus.Warnf("fifo: ctxsw timeout on channel %d accumulating (engine %d), budget not yet spent",
				ch.id, e.EngineID)
		}
		return false
	default:
		logrus.Errorf("fifo: ctxsw timeout with unresolvable owner on engine %d", e.EngineID)
		f.recoverLocked(1<<e.EngineID, TargetID{}, false, true)
		return true
	}
}
