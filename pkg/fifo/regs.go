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

// Register map for the modeled FIFO front end. The layout is this
// project's own; only the semantics of each register matter to the engine
// and to the fakes that stand in for hardware.

const (
	// Device info table: one word per entry, scanned at bring-up.
	maxDeviceInfoEntries = 32
	regDeviceInfoBase    = 0x0100

	deviceInfoValid        = 1 << 31
	deviceInfoEngineShift  = 0  // 4 bits: engine id
	deviceInfoRunlistShift = 4  // 4 bits: runlist id
	deviceInfoIntrShift    = 8  // 5 bits: interrupt id
	deviceInfoResetShift   = 13 // 5 bits: reset id
	deviceInfoMMUShift     = 18 // 5 bits: MMU fault id
	deviceInfoClassShift   = 24 // 4 bits: engine class, 0 = not an engine
	deviceInfoFieldMask    = 0xf
	deviceInfoWideMask     = 0x1f
)

func regDeviceInfo(i uint32) uint32 { return regDeviceInfoBase + 4*i }

// deviceInfoEntry packs an entry word; used by fakes and the simulator.
func deviceInfoEntry(class EngineClass, engine, runlist, intr, reset, mmu uint32) uint32 {
	return deviceInfoValid |
		engine<<deviceInfoEngineShift |
		runlist<<deviceInfoRunlistShift |
		intr<<deviceInfoIntrShift |
		reset<<deviceInfoResetShift |
		mmu<<deviceInfoMMUShift |
		uint32(class)<<deviceInfoClassShift
}

const (
	// Per-PBDMA runlist service map: bit r set means this PBDMA serves
	// runlist r.
	regPbdmaMapBase = 0x0200
)

func regPbdmaMap(p uint32) uint32 { return regPbdmaMapBase + 4*p }

// Engine and PBDMA status registers share one layout.
const (
	regEngineStatusBase = 0x0300
	regPbdmaStatusBase  = 0x0400

	statusIDMask      = 0xfff
	statusIDTypeTSG   = 1 << 12
	statusCtxShift    = 13 // 3 bits, see ctxStatus
	statusCtxMask     = 0x7
	statusNextIDShift = 16
	statusNextTypeTSG = 1 << 28
	statusBusy        = 1 << 31
)

func regEngineStatus(e uint32) uint32 { return regEngineStatusBase + 4*e }
func regPbdmaStatus(p uint32) uint32  { return regPbdmaStatusBase + 4*p }

// ctxStatus is the context-switch state a status register reports.
type ctxStatus uint32

const (
	ctxStatusInvalid     ctxStatus = 0
	ctxStatusValid       ctxStatus = 1
	ctxStatusCtxswLoad   ctxStatus = 5
	ctxStatusCtxswSave   ctxStatus = 6
	ctxStatusCtxswSwitch ctxStatus = 7
)

func (s ctxStatus) String() string {
	switch s {
	case ctxStatusInvalid:
		return "invalid"
	case ctxStatusValid:
		return "valid"
	case ctxStatusCtxswLoad:
		return "ctxsw_load"
	case ctxStatusCtxswSave:
		return "ctxsw_save"
	case ctxStatusCtxswSwitch:
		return "ctxsw_switch"
	}
	return "unknown"
}

// statusWord packs a status register value; used by fakes.
func statusWord(busy bool, status ctxStatus, ctx, next TargetID) uint32 {
	v := uint32(status) << statusCtxShift
	v |= ctx.ID & statusIDMask
	if ctx.Kind == IDKindTSG {
		v |= statusIDTypeTSG
	}
	v |= (next.ID & statusIDMask) << statusNextIDShift
	if next.Kind == IDKindTSG {
		v |= statusNextTypeTSG
	}
	if busy {
		v |= statusBusy
	}
	return v
}

// Runlist submission registers, one pair per runlist.
const (
	regRunlistRegsBase = 0x0500

	runlistBaseValid = 1 << 31

	runlistSubmitLenMask = 0xffff
	runlistSubmitPending = 1 << 20
)

func regRunlistBase(rl uint32) uint32   { return regRunlistRegsBase + 8*rl }
func regRunlistSubmit(rl uint32) uint32 { return regRunlistRegsBase + 4 + 8*rl }

// runlistBaseToken identifies which of a runlist's two buffers the
// hardware should consume.
func runlistBaseToken(rl uint32, buf int) uint32 {
	return runlistBaseValid | rl<<8 | uint32(buf)
}

// Preemption and scheduler control.
const (
	regPreempt = 0x0600

	preemptIDMask  = 0xfff
	preemptTypeTSG = 1 << 12
	preemptPending = 1 << 20

	// regSchedDisable: bit r disables scheduling on runlist r.
	regSchedDisable = 0x0604

	// regFifoAccess bit 0 gates new work entering the GR pushbuffer
	// front end.
	regFifoAccess     = 0x0608
	fifoAccessEnabled = 1 << 0

	regSchedErrorCode  = 0x060c
	regSchedErrorLatch = 0x0610

	// regCtxswMailbox holds the id the firmware is switching toward,
	// consulted when a status register reports ctxsw_switch.
	regCtxswMailbox = 0x0614

	regFBFlush = 0x0618

	schedErrorCodeCtxswTimeout = 0xa
)

// Top-level interrupt status and enable.
const (
	regIntr0   = 0x0700
	regIntrEn0 = 0x0704

	intrBindError       = 1 << 0
	intrPioError        = 1 << 4
	intrSchedError      = 1 << 8
	intrChswError       = 1 << 16
	intrDroppedMMUFault = 1 << 25
	intrMMUFault        = 1 << 27
	intrPbdma           = 1 << 29
	intrRunlistEvent    = 1 << 30
	intrChannel         = 1 << 31

	intrFatalMask = intrBindError | intrPioError | intrSchedError |
		intrChswError | intrDroppedMMUFault | intrMMUFault

	regBindError = 0x0708
	regChswError = 0x070c
)

// MMU fault reporting, indexed by MMU fault id.
const (
	regMMUFaultID = 0x0710
	regMMUTrigger = 0x0714

	regMMUFaultRegsBase = 0x0800

	faultInfoTypeMask    = 0x1f
	faultInfoClientShift = 8 // 6 bits
	faultInfoClientMask  = 0x3f
	faultInfoSubIDHub    = 1 << 16
	faultInfoValid       = 1 << 31
)

func regMMUFaultInstLo(m uint32) uint32 { return regMMUFaultRegsBase + 16*m }
func regMMUFaultInstHi(m uint32) uint32 { return regMMUFaultRegsBase + 4 + 16*m }
func regMMUFaultInfo(m uint32) uint32   { return regMMUFaultRegsBase + 8 + 16*m }

// Per-channel control.
const (
	regChannelCtrlBase = 0x1000

	chCtrlEnabled = 1 << 0
)

func regChannelCtrl(c uint32) uint32 { return regChannelCtrlBase + 4*c }

// PBDMA interrupt and state registers.
const (
	regPbdmaPending  = 0x0720
	regPbdmaRegsBase = 0x0900

	// intr0 bit tiers. Device fatal: hardware/DMA-level failures.
	pbdmaIntrMemreq   = 1 << 0
	pbdmaIntrMemack   = 1 << 1
	pbdmaIntrMemdat   = 1 << 2
	pbdmaIntrMemflush = 1 << 3
	pbdmaIntrMemop    = 1 << 4
	pbdmaIntrLbconn   = 1 << 5
	pbdmaIntrLback    = 1 << 6

	// Channel fatal: malformed pushbuffer framing, CRC, signatures.
	pbdmaIntrGPFifo    = 1 << 8
	pbdmaIntrGPPtr     = 1 << 9
	pbdmaIntrGPEntry   = 1 << 10
	pbdmaIntrGPCrc     = 1 << 11
	pbdmaIntrPBPtr     = 1 << 12
	pbdmaIntrPBEntry   = 1 << 13
	pbdmaIntrPBCrc     = 1 << 14
	pbdmaIntrMethod    = 1 << 16
	pbdmaIntrMethodCrc = 1 << 17
	pbdmaIntrPBSeg     = 1 << 20
	pbdmaIntrSignature = 1 << 21

	// Restartable: recoverable after PBDMA state repair.
	pbdmaIntrAcquire = 1 << 24
	pbdmaIntrDevice  = 1 << 25

	// regPbdmaAcquire bit 31 enables the semaphore-acquire timeout.
	pbdmaAcquireTimeoutEnable = 1 << 31

	// A quiescent pushbuffer header.
	pbdmaPBHeaderNop = 0x00000008

	// Method slot fields: the subchannel lives at [16:20]; subchannels
	// 5-7 are software methods.
	pbdmaMethodSubchShift = 16
	pbdmaMethodSubchMask  = 0xf
	pbdmaMethodNop        = 0
)

func regPbdmaIntr0(p uint32) uint32    { return regPbdmaRegsBase + 48*p }
func regPbdmaIntr1(p uint32) uint32    { return regPbdmaRegsBase + 4 + 48*p }
func regPbdmaAcquire(p uint32) uint32  { return regPbdmaRegsBase + 8 + 48*p }
func regPbdmaPBHeader(p uint32) uint32 { return regPbdmaRegsBase + 12 + 48*p }

func regPbdmaMethod(p, slot uint32) uint32 {
	return regPbdmaRegsBase + 16 + 48*p + 4*slot
}

// Runlist entries are two words each.
const (
	runlistEntryWords = 2

	runlistEntryIDMask     = 0xfff
	runlistEntryTypeTSG    = 1 << 13
	runlistEntryLenShift   = 16 // 6 bits: TSG member count
	runlistEntryLenMask    = 0x3f

	// Fixed TSG timeslice programming.
	tsgTimesliceScale   = 3
	tsgTimesliceTimeout = 128

	runlistTimesliceScaleShift   = 0
	runlistTimesliceTimeoutShift = 8
)
