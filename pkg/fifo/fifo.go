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

// Package fifo implements the GPU command-submission front end: per-channel
// and per-TSG runlist construction with double-buffered hardware hand-off,
// MMU-fault classification and recovery with deferred-reset semantics,
// PBDMA interrupt triage, and engine preemption.
//
// Lock ordering:
//
//   - fifo.intrMu (stalling-ISR serialization)
//   - fifo.ctxswMu (held across RecoverChannel/RecoverTSG)
//   - runlist mutexes, always in ascending runlist-id order
//   - tsg.mu
//   - channel.mu
//
// fifo.resetMu is only ever try-locked and nests under any of the above.
package fifo

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gpukit/gk20a/pkg/hwerr"
	"github.com/gpukit/gk20a/pkg/hwio"
	"github.com/gpukit/gk20a/pkg/hwwait"
)

// IDKind distinguishes the namespace a hardware context id belongs to.
type IDKind int

const (
	// IDKindUnknown means the id could not be resolved.
	IDKindUnknown IDKind = iota

	// IDKindChannel ids name channels.
	IDKindChannel

	// IDKindTSG ids name timeslice groups.
	IDKindTSG
)

func (k IDKind) String() string {
	switch k {
	case IDKindChannel:
		return "channel"
	case IDKindTSG:
		return "tsg"
	}
	return "unknown"
}

// TargetID is a tagged context id: a channel id, a TSG id, or unresolved.
type TargetID struct {
	Kind IDKind
	ID   uint32
}

// ChannelTarget returns the TargetID naming channel id.
func ChannelTarget(id uint32) TargetID { return TargetID{IDKindChannel, id} }

// TSGTarget returns the TargetID naming TSG id.
func TSGTarget(id uint32) TargetID { return TargetID{IDKindTSG, id} }

func (t TargetID) String() string {
	if t.Kind == IDKindUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%v %d", t.Kind, t.ID)
}

// EngineClass is the kind of engine a device-info entry describes.
type EngineClass uint32

const (
	// EngineClassNone marks non-engine device-info entries.
	EngineClassNone EngineClass = 0

	// EngineClassGraphics is the graphics engine.
	EngineClassGraphics EngineClass = 1

	// EngineClassCopy is an async copy engine.
	EngineClassCopy EngineClass = 2
)

func (c EngineClass) String() string {
	switch c {
	case EngineClassGraphics:
		return "graphics"
	case EngineClassCopy:
		return "copy"
	}
	return "none"
}

// EngineInfo maps a logical engine id to the resources serving it.
// Immutable after the initial discovery scan.
type EngineInfo struct {
	EngineID   uint32
	RunlistID  uint32
	PbdmaID    uint32
	IntrID     uint32
	ResetID    uint32
	MMUFaultID uint32
	Class      EngineClass
}

// EngineResetter performs the hardware-specific full re-initialization of
// one engine.
type EngineResetter interface {
	ResetEngine(info EngineInfo)
}

// PowerGater brackets recovery sequences against concurrent power-state
// transitions.
type PowerGater interface {
	DisableELPG()
	EnableELPG()
}

// ClockUnit names a load-gated clock domain.
type ClockUnit int

// Load-gated clock domains touched during fault handling.
const (
	ClockUnitGR ClockUnit = iota
	ClockUnitPerf
	ClockUnitLTC
)

// ClockGater controls engine-level clock gating.
type ClockGater interface {
	// SetGating enables or disables load gating for unit.
	SetGating(unit ClockUnit, enabled bool)
}

// CtxswController halts and resumes context switching at the graphics
// engine.
type CtxswController interface {
	DisableCtxsw() error
	EnableCtxsw() error
}

// TimeoutTracker accounts accumulated ctxsw-timeout time per channel and
// reports when a channel's budget is exhausted.
type TimeoutTracker interface {
	UpdateAndCheck(ch *Channel, elapsed time.Duration) bool
}

// Debugger exposes the predicates gating deferred engine reset.
type Debugger interface {
	SMDebuggerAttached() bool
	MMUDebugModeEnabled() bool
}

// Support bundles the external collaborators. Nil fields get no-op
// defaults.
type Support struct {
	Reset    EngineResetter
	Power    PowerGater
	Clock    ClockGater
	Ctxsw    CtxswController
	Timeouts TimeoutTracker
	Debug    Debugger
}

type noopSupport struct{}

func (noopSupport) ResetEngine(EngineInfo)    {}
func (noopSupport) DisableELPG()              {}
func (noopSupport) EnableELPG()               {}
func (noopSupport) SetGating(ClockUnit, bool) {}
func (noopSupport) DisableCtxsw() error       { return nil }
func (noopSupport) EnableCtxsw() error        { return nil }
func (noopSupport) SMDebuggerAttached() bool  { return false }
func (noopSupport) MMUDebugModeEnabled() bool { return false }

// defaultTimeoutTracker accumulates elapsed ctxsw-timeout time on the
// channel itself and trips once the budget is spent.
type defaultTimeoutTracker struct {
	budget time.Duration
}

func (t *defaultTimeoutTracker) UpdateAndCheck(ch *Channel, elapsed time.Duration) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.ctxswElapsed += elapsed
	return ch.ctxswElapsed >= t.budget
}

// Config carries FIFO bring-up parameters.
type Config struct {
	// NumChannels sizes the channel table. Zero means 128.
	NumChannels uint32

	// NumPBDMA is the PBDMA count to scan. Zero means 1.
	NumPBDMA uint32

	// Silicon selects bounded polling deadlines; simulation and FPGA
	// platforms poll on backoff alone.
	Silicon bool

	// GrIdleTimeout bounds every hardware polling wait on silicon and
	// sizes the default ctxsw-timeout budget. Zero means 3s.
	GrIdleTimeout time.Duration

	// CtxswTimeoutPeriod is the elapsed time charged to a channel per
	// scheduler-error poll tick. Zero means 100ms.
	CtxswTimeoutPeriod time.Duration

	// PollInitial and PollMax shape the poll backoff. Zero means the
	// hwwait defaults.
	PollInitial time.Duration
	PollMax     time.Duration

	// PollSleep and PollClock override the poll loop's sleep and clock;
	// test and simulation harnesses use these to avoid real delays.
	PollSleep func(time.Duration)
	PollClock backoff.Clock

	// BAR1InstPtr and PMUInstPtr are the instance pointers of the
	// well-known non-channel contexts, recognized when an MMU fault
	// resolves to no channel.
	BAR1InstPtr uint64
	PMUInstPtr  uint64
}

// Fifo is the command-submission front end for one GPU.
type Fifo struct {
	cfg  Config
	regs hwio.Registers
	sup  Support

	engines  []EngineInfo
	runlists []*runlist
	channels []*Channel
	tsgs     []*TSG

	// intrMu serializes the stalling-interrupt body.
	intrMu chanMutex

	// resetMu makes engine reset a best-effort single-writer operation:
	// handlers that find it held skip the redundant reset.
	resetMu chanMutex

	// ctxswMu serializes disable-ctxsw/inspect/recover/enable-ctxsw
	// sequences.
	ctxswMu chanMutex

	deferredMu           chanMutex
	deferredResetPending bool
	deferredFaultEngines uint32 // MMU-id bitmap

	pbdmaDeviceFatal0  uint32
	pbdmaChannelFatal0 uint32
	pbdmaRestartable0  uint32

	// schedLogLimit keeps the accumulating-ctxsw-timeout path from
	// re-logging on every poll tick.
	schedLogLimit *rate.Limiter
}

// chanMutex is a mutex with TryLock, built on a buffered channel.
type chanMutex struct {
	ch chan struct{}
}

func newChanMutex() chanMutex {
	return chanMutex{ch: make(chan struct{}, 1)}
}

func (m *chanMutex) Lock()   { m.ch <- struct{}{} }
func (m *chanMutex) Unlock() { <-m.ch }

// TryLock acquires the mutex if it is free, reporting whether it did.
func (m *chanMutex) TryLock() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// New discovers the hardware layout behind regs and brings up the FIFO:
// engine discovery, runlist allocation, the channel table, and interrupt
// enables.
func New(regs hwio.Registers, cfg Config, sup Support) (*Fifo, error) {
	if cfg.NumChannels == 0 {
		cfg.NumChannels = 128
	}
	if cfg.NumPBDMA == 0 {
		cfg.NumPBDMA = 1
	}
	if cfg.GrIdleTimeout == 0 {
		cfg.GrIdleTimeout = 3 * time.Second
	}
	if cfg.CtxswTimeoutPeriod == 0 {
		cfg.CtxswTimeoutPeriod = 100 * time.Millisecond
	}

	noop := noopSupport{}
	if sup.Reset == nil {
		sup.Reset = noop
	}
	if sup.Power == nil {
		sup.Power = noop
	}
	if sup.Clock == nil {
		sup.Clock = noop
	}
	if sup.Ctxsw == nil {
		sup.Ctxsw = noop
	}
	if sup.Debug == nil {
		sup.Debug = noop
	}
	if sup.Timeouts == nil {
		sup.Timeouts = &defaultTimeoutTracker{budget: cfg.GrIdleTimeout}
	}

	f := &Fifo{
		cfg:           cfg,
		regs:          regs,
		sup:           sup,
		intrMu:        newChanMutex(),
		resetMu:       newChanMutex(),
		ctxswMu:       newChanMutex(),
		deferredMu:    newChanMutex(),
		schedLogLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	if err := f.discoverEngines(); err != nil {
		return nil, err
	}
	f.initRunlists()
	f.setupChannels()

	f.pbdmaDeviceFatal0 = pbdmaIntrMemreq | pbdmaIntrMemack | pbdmaIntrMemdat |
		pbdmaIntrMemflush | pbdmaIntrMemop | pbdmaIntrLbconn | pbdmaIntrLback
	f.pbdmaChannelFatal0 = pbdmaIntrGPFifo | pbdmaIntrGPPtr | pbdmaIntrGPEntry |
		pbdmaIntrGPCrc | pbdmaIntrPBPtr | pbdmaIntrPBEntry | pbdmaIntrPBCrc |
		pbdmaIntrMethod | pbdmaIntrMethodCrc | pbdmaIntrPBSeg | pbdmaIntrSignature
	f.pbdmaRestartable0 = pbdmaIntrAcquire | pbdmaIntrDevice

	f.regs.Write32(regIntrEn0, intrFatalMask|intrPbdma|intrRunlistEvent|intrChannel)
	f.setFifoAccess(true)

	logrus.Infof("fifo: %d engines, %d runlists, %d channels, %d pbdma",
		len(f.engines), len(f.runlists), len(f.channels), cfg.NumPBDMA)
	return f, nil
}

// discoverEngines scans the device-info table and derives each engine's
// PBDMA by testing which PBDMA's service map includes the engine's
// runlist.
func (f *Fifo) discoverEngines() error {
	for i := uint32(0); i < maxDeviceInfoEntries; i++ {
		w := f.regs.Read32(regDeviceInfo(i))
		if w&deviceInfoValid == 0 {
			continue
		}
		class := EngineClass(w >> deviceInfoClassShift & deviceInfoFieldMask)
		if class == EngineClassNone {
			continue
		}
		info := EngineInfo{
			EngineID:   w >> deviceInfoEngineShift & deviceInfoFieldMask,
			RunlistID:  w >> deviceInfoRunlistShift & deviceInfoFieldMask,
			IntrID:     w >> deviceInfoIntrShift & deviceInfoWideMask,
			ResetID:    w >> deviceInfoResetShift & deviceInfoWideMask,
			MMUFaultID: w >> deviceInfoMMUShift & deviceInfoWideMask,
			Class:      class,
		}

		found := false
		for p := uint32(0); p < f.cfg.NumPBDMA; p++ {
			if f.regs.Read32(regPbdmaMap(p))&(1<<info.RunlistID) != 0 {
				info.PbdmaID = p
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("fifo: no pbdma serves runlist %d of engine %d: %w",
				info.RunlistID, info.EngineID, hwerr.ErrConfig)
		}

		f.engines = append(f.engines, info)
		logrus.Debugf("fifo: engine %d (%v) runlist=%d pbdma=%d intr=%d reset=%d mmu=%d",
			info.EngineID, info.Class, info.RunlistID, info.PbdmaID,
			info.IntrID, info.ResetID, info.MMUFaultID)
	}
	if len(f.engines) == 0 {
		return fmt.Errorf("fifo: device info table lists no engines: %w", hwerr.ErrConfig)
	}
	return nil
}

// Engines returns the discovered engine table.
func (f *Fifo) Engines() []EngineInfo {
	return f.engines
}

func (f *Fifo) engineByID(id uint32) *EngineInfo {
	for i := range f.engines {
		if f.engines[i].EngineID == id {
			return &f.engines[i]
		}
	}
	return nil
}

func (f *Fifo) engineByMMUID(mmuID uint32) *EngineInfo {
	for i := range f.engines {
		if f.engines[i].MMUFaultID == mmuID {
			return &f.engines[i]
		}
	}
	return nil
}

// mmuIDsFor converts a logical-engine-id bitmap to the MMU fault id
// encoding.
func (f *Fifo) mmuIDsFor(engineIDs uint32) uint32 {
	var out uint32
	for _, e := range f.engines {
		if engineIDs&(1<<e.EngineID) != 0 {
			out |= 1 << e.MMUFaultID
		}
	}
	return out
}

func (f *Fifo) waiter() hwwait.Waiter {
	return hwwait.Waiter{
		Initial:  f.cfg.PollInitial,
		Max:      f.cfg.PollMax,
		Deadline: f.cfg.GrIdleTimeout,
		Silicon:  f.cfg.Silicon,
		Sleep:    f.cfg.PollSleep,
		Clock:    f.cfg.PollClock,
	}
}

// engineStatus is the decoded view of an engine or PBDMA status register.
type engineStatus struct {
	busy   bool
	status ctxStatus
	ctx    TargetID
	next   TargetID
}

func decodeStatus(w uint32) engineStatus {
	var s engineStatus
	s.busy = w&statusBusy != 0
	s.status = ctxStatus(w >> statusCtxShift & statusCtxMask)
	kind := IDKindChannel
	if w&statusIDTypeTSG != 0 {
		kind = IDKindTSG
	}
	s.ctx = TargetID{kind, w & statusIDMask}
	nextKind := IDKindChannel
	if w&statusNextTypeTSG != 0 {
		nextKind = IDKindTSG
	}
	s.next = TargetID{nextKind, w >> statusNextIDShift & statusIDMask}
	if s.status == ctxStatusInvalid {
		s.ctx.Kind = IDKindUnknown
	}
	return s
}

func (f *Fifo) readEngineStatus(e uint32) engineStatus {
	return decodeStatus(f.regs.Read32(regEngineStatus(e)))
}

func (f *Fifo) readPbdmaStatus(p uint32) engineStatus {
	return decodeStatus(f.regs.Read32(regPbdmaStatus(p)))
}

func (s engineStatus) ctxswInProgress() bool {
	switch s.status {
	case ctxStatusCtxswLoad, ctxStatusCtxswSave, ctxStatusCtxswSwitch:
		return true
	}
	return false
}

// resolveOwner picks the context a busy engine is really serving: on a
// load the incoming context is the one that will be affected, and on a
// switch the firmware mailbox knows which side is live.
func (f *Fifo) resolveOwner(s engineStatus) TargetID {
	switch s.status {
	case ctxStatusCtxswLoad:
		return s.next
	case ctxStatusCtxswSwitch:
		w := f.regs.Read32(regCtxswMailbox)
		kind := IDKindChannel
		if w&statusIDTypeTSG != 0 {
			kind = IDKindTSG
		}
		return TargetID{kind, w & statusIDMask}
	default:
		return s.ctx
	}
}

// ownerForDisable is the engine-disable flavor of owner resolution: any
// in-flight switch means the next context is the interesting one.
func ownerForDisable(s engineStatus) TargetID {
	switch s.status {
	case ctxStatusCtxswLoad, ctxStatusCtxswSwitch:
		return s.next
	case ctxStatusValid, ctxStatusCtxswSave:
		return s.ctx
	}
	return TargetID{}
}

// enginesOnTarget returns the logical-engine bitmap of engines currently
// busy serving t, including engines about to load t.
func (f *Fifo) enginesOnTarget(t TargetID) uint32 {
	var out uint32
	for _, e := range f.engines {
		s := f.readEngineStatus(e.EngineID)
		if !s.busy {
			continue
		}
		if s.ctx == t || ((s.status == ctxStatusCtxswLoad || s.status == ctxStatusCtxswSwitch) && s.next == t) {
			out |= 1 << e.EngineID
		}
	}
	return out
}

func (f *Fifo) setFifoAccess(enabled bool) {
	v := f.regs.Read32(regFifoAccess)
	if enabled {
		v |= fifoAccessEnabled
	} else {
		v &^= fifoAccessEnabled
	}
	f.regs.Write32(regFifoAccess, v)
}

// clearSchedErrorLatch writes the latch's current value back, the
// hardware's clear protocol.
func (f *Fifo) clearSchedErrorLatch() {
	f.regs.Write32(regSchedErrorLatch, f.regs.Read32(regSchedErrorLatch))
}

func (f *Fifo) deferredPending() bool {
	f.deferredMu.Lock()
	defer f.deferredMu.Unlock()
	return f.deferredResetPending
}

// DeferredResetPending reports whether an MMU fault's engine reset has
// been postponed pending debugger interaction.
func (f *Fifo) DeferredResetPending() bool {
	return f.deferredPending()
}

// dumpEngineState logs the decoded engine and PBDMA status table.
func (f *Fifo) dumpEngineState() {
	for _, e := range f.engines {
		s := f.readEngineStatus(e.EngineID)
		logrus.Warnf("fifo: engine %d (%v): busy=%t status=%v ctx=%v next=%v",
			e.EngineID, e.Class, s.busy, s.status, s.ctx, s.next)
	}
	for p := uint32(0); p < f.cfg.NumPBDMA; p++ {
		s := f.readPbdmaStatus(p)
		logrus.Warnf("fifo: pbdma %d: busy=%t status=%v ctx=%v next=%v intr0=%#x",
			p, s.busy, s.status, s.ctx, s.next, f.regs.Read32(regPbdmaIntr0(p)))
	}
}
