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

func (f *Fifo) setSchedDisabled(runlistID uint32, disabled bool) {
	v := f.regs.Read32(regSchedDisable)
	if disabled {
		v |= 1 << runlistID
	} else {
		v &^= 1 << runlistID
	}
	f.regs.Write32(regSchedDisable, v)
}

// preemptTarget preempts t through the public entry points.
func (f *Fifo) preemptTarget(t TargetID) error {
	switch t.Kind {
	case IDKindChannel:
		return f.PreemptChannel(t.ID)
	case IDKindTSG:
		return f.PreemptTSG(t.ID)
	}
	return nil
}

// DisableEngineActivity stops the scheduler from feeding e and preempts
// whatever e and its PBDMA are currently serving. With waitIdle unset a
// busy engine fails fast with ErrBusy; the scheduler is re-enabled on
// any failure.
func (f *Fifo) DisableEngineActivity(e EngineInfo, waitIdle bool) error {
	if s := f.readEngineStatus(e.EngineID); s.busy && !waitIdle {
		return fmt.Errorf("fifo: engine %d busy: %w", e.EngineID, hwerr.ErrBusy)
	}

	f.setSchedDisabled(e.RunlistID, true)

	fail := func(err error) error {
		f.setSchedDisabled(e.RunlistID, false)
		return err
	}

	// Both the PBDMA and the engine may have (different) contexts in
	// flight; preempt each. Contexts mid-switch are charged to the side
	// they are switching toward.
	pbdmaOwner := ownerForDisable(f.readPbdmaStatus(e.PbdmaID))
	if pbdmaOwner.Kind != IDKindUnknown {
		if err := f.preemptTarget(pbdmaOwner); err != nil {
			return fail(err)
		}
	}
	engOwner := ownerForDisable(f.readEngineStatus(e.EngineID))
	if engOwner.Kind != IDKindUnknown && engOwner != pbdmaOwner {
		if err := f.preemptTarget(engOwner); err != nil {
			return fail(err)
		}
	}

	if waitIdle {
		w := f.waiter()
		if err := w.Until(fmt.Sprintf("engine %d idle", e.EngineID), func() bool {
			return !f.readEngineStatus(e.EngineID).busy
		}); err != nil {
			return fail(fmt.Errorf("fifo: engine %d did not idle: %w", e.EngineID, err))
		}
	}
	return nil
}

// EnableEngineActivity resumes scheduling on e's runlist.
func (f *Fifo) EnableEngineActivity(e EngineInfo) {
	f.setSchedDisabled(e.RunlistID, false)
}

// DisableAllEngineActivity disables every engine, unwinding already
// disabled engines in reverse order if one fails.
func (f *Fifo) DisableAllEngineActivity(waitIdle bool) error {
	for i := range f.engines {
		if err := f.DisableEngineActivity(f.engines[i], waitIdle); err != nil {
			logrus.Errorf("fifo: failed to disable engine %d activity: %v",
				f.engines[i].EngineID, err)
			for j := i - 1; j >= 0; j-- {
				f.EnableEngineActivity(f.engines[j])
			}
			return err
		}
	}
	return nil
}

// EnableAllEngineActivity resumes scheduling on every runlist.
func (f *Fifo) EnableAllEngineActivity() {
	for i := range f.engines {
		f.EnableEngineActivity(f.engines[i])
	}
}
