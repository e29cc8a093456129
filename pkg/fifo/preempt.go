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

// issuePreempt writes the preempt trigger for t and waits for the
// hardware to acknowledge. Callers hold the runlist mutexes that keep the
// target's runlist stable.
func (f *Fifo) issuePreempt(t TargetID) error {
	v := t.ID & preemptIDMask
	if t.Kind == IDKindTSG {
		v |= preemptTypeTSG
	}
	f.regs.Write32(regPreempt, v|preemptPending)

	w := f.waiter()
	return w.Until(fmt.Sprintf("preempt %v", t), func() bool {
		return f.regs.Read32(regPreempt)&preemptPending == 0
	})
}

// preemptLocked preempts t and escalates a stuck preempt into full
// recovery. Callers hold all runlist mutexes.
func (f *Fifo) preemptLocked(t TargetID) error {
	err := f.issuePreempt(t)
	if err == nil {
		return nil
	}

	logrus.Errorf("fifo: preempt %v timed out, triggering recovery", t)
	verbose := false
	switch t.Kind {
	case IDKindChannel:
		if ch := f.ChannelGet(t.ID); ch != nil {
			verbose = ch.setNotifier(NotifyErrorIdleTimeout)
			ch.Put()
		}
	case IDKindTSG:
		if tsg := f.TSG(t.ID); tsg != nil {
			tsg.forEachMember(func(ch *Channel) {
				if ch.setNotifier(NotifyErrorIdleTimeout) {
					verbose = true
				}
			})
		}
	}
	f.recoverLocked(0, t, true, verbose)
	return fmt.Errorf("fifo: preempt %v: %w", t, hwerr.ErrTimeout)
}

// PreemptChannel forces channel id off the engines and PBDMAs serving it.
func (f *Fifo) PreemptChannel(id uint32) error {
	f.lockAllRunlists()
	defer f.unlockAllRunlists()
	return f.preemptLocked(ChannelTarget(id))
}

// PreemptTSG forces TSG id off the engines and PBDMAs serving it.
func (f *Fifo) PreemptTSG(id uint32) error {
	f.lockAllRunlists()
	defer f.unlockAllRunlists()
	return f.preemptLocked(TSGTarget(id))
}
