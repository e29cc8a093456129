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
	"github.com/gpukit/gk20a/pkg/hwio"
)

// FakeGPU models enough FIFO-visible hardware behavior to run the engine
// without a device: a populated device-info table, self-completing
// runlist submits and preempts, write-1-to-clear interrupt registers,
// and fault-injection helpers. The simulator runs the full engine
// against it; tests that need stuck hardware install their own hooks
// instead.
type FakeGPU struct {
	// Regs is the backing register file; pass it to New.
	Regs *hwio.Fake

	engines  []EngineInfo
	numPBDMA uint32
}

// NewFakeGPU builds a fake device exposing the given engines, all served
// by PBDMA 0.
func NewFakeGPU(engines []EngineInfo, numPBDMA uint32) *FakeGPU {
	g := &FakeGPU{
		Regs:     hwio.NewFake(),
		engines:  engines,
		numPBDMA: numPBDMA,
	}

	var runlists uint32
	for i, e := range engines {
		g.Regs.Poke(regDeviceInfo(uint32(i)),
			deviceInfoEntry(e.Class, e.EngineID, e.RunlistID, e.IntrID, e.ResetID, e.MMUFaultID))
		runlists |= 1 << e.RunlistID
	}
	g.Regs.Poke(regPbdmaMap(0), runlists)

	for _, e := range engines {
		rl := e.RunlistID
		g.Regs.OnWrite(regRunlistSubmit(rl), func(old, v uint32) uint32 {
			return v &^ uint32(runlistSubmitPending)
		})
	}
	g.Regs.OnWrite(regPreempt, func(old, v uint32) uint32 {
		return v &^ uint32(preemptPending)
	})
	g.Regs.W1C(regIntr0)
	g.Regs.W1C(regMMUFaultID)
	for p := uint32(0); p < numPBDMA; p++ {
		g.Regs.W1C(regPbdmaIntr0(p))
		g.Regs.W1C(regPbdmaIntr1(p))
	}
	return g
}

// SetEngineBusy marks engine engineID as running t.
func (g *FakeGPU) SetEngineBusy(engineID uint32, t TargetID) {
	g.Regs.Poke(regEngineStatus(engineID), statusWord(true, ctxStatusValid, t, TargetID{}))
}

// SetEngineIdle clears engine engineID's status.
func (g *FakeGPU) SetEngineIdle(engineID uint32) {
	g.Regs.Poke(regEngineStatus(engineID), 0)
}

// SetPbdmaServing marks PBDMA p as serving t.
func (g *FakeGPU) SetPbdmaServing(p uint32, t TargetID) {
	g.Regs.Poke(regPbdmaStatus(p), statusWord(true, ctxStatusValid, t, TargetID{}))
}

// InjectMMUFault raises an MMU fault on the engine with the given MMU
// fault id, blaming the context at instPtr.
func (g *FakeGPU) InjectMMUFault(mmuID uint32, instPtr uint64, hub bool) {
	info := uint32(faultInfoValid | 0x2)
	if hub {
		info |= faultInfoSubIDHub
	}
	g.Regs.Poke(regMMUFaultInstLo(mmuID), uint32(instPtr))
	g.Regs.Poke(regMMUFaultInstHi(mmuID), uint32(instPtr>>32))
	g.Regs.Poke(regMMUFaultInfo(mmuID), info)
	g.Regs.PokeOr(regMMUFaultID, 1<<mmuID)
	g.Regs.PokeOr(regIntr0, intrMMUFault)
}

// InjectPbdmaGPCrcError raises a channel-fatal pushbuffer CRC error on
// PBDMA p.
func (g *FakeGPU) InjectPbdmaGPCrcError(p uint32) {
	g.Regs.PokeOr(regPbdmaIntr0(p), pbdmaIntrGPCrc)
	g.Regs.PokeOr(regPbdmaPending, 1<<p)
	g.Regs.PokeOr(regIntr0, intrPbdma)
}

// InjectPbdmaAcquireTimeout raises a restartable semaphore-acquire
// timeout on PBDMA p.
func (g *FakeGPU) InjectPbdmaAcquireTimeout(p uint32) {
	g.Regs.PokeOr(regPbdmaAcquire(p), pbdmaAcquireTimeoutEnable)
	g.Regs.PokeOr(regPbdmaIntr0(p), pbdmaIntrAcquire)
	g.Regs.PokeOr(regPbdmaPending, 1<<p)
	g.Regs.PokeOr(regIntr0, intrPbdma)
}

// InjectCtxswTimeout raises a scheduler ctxsw-timeout error with engine
// engineID mid-load of t.
func (g *FakeGPU) InjectCtxswTimeout(engineID uint32, t TargetID) {
	g.Regs.Poke(regEngineStatus(engineID), statusWord(true, ctxStatusCtxswLoad, TargetID{}, t))
	g.Regs.Poke(regSchedErrorCode, schedErrorCodeCtxswTimeout)
	g.Regs.PokeOr(regIntr0, intrSchedError)
}

// IntrPending reports whether any stalling interrupt is pending.
func (g *FakeGPU) IntrPending() bool {
	return g.Regs.Peek(regIntr0) != 0
}
