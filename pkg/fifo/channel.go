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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

// NotifyError codes delivered to a channel's error notifier. The first
// error latched wins; later errors on the same channel are dropped until
// userspace clears the notifier.
type NotifyError uint32

// Error notifier codes.
const (
	NotifyErrorIdleTimeout   NotifyError = 8
	NotifyErrorGRErrSWNotify NotifyError = 13
	NotifyErrorMMUErrFault   NotifyError = 31
	NotifyErrorPbdmaError    NotifyError = 32
)

func (e NotifyError) String() string {
	switch e {
	case NotifyErrorIdleTimeout:
		return "idle_timeout"
	case NotifyErrorGRErrSWNotify:
		return "gr_error_sw_notify"
	case NotifyErrorMMUErrFault:
		return "mmu_error_fault"
	case NotifyErrorPbdmaError:
		return "pbdma_error"
	}
	return fmt.Sprintf("notify(%d)", uint32(e))
}

// Channel is one hardware channel context. A channel is unbound until
// Bind gives it an instance block; Close unbinds it and drops the
// reference Bind took.
type Channel struct {
	f  *Fifo
	id uint32

	// refs counts live references: 1 from Bind, plus one per outstanding
	// ChannelGet. Zero means unbound; ChannelGet fails rather than
	// resurrect. Dropping the last reference finalizes the channel.
	refs int64

	mu sync.Mutex

	// cond is signaled when the channel is marked timed out so waiters
	// (semaphore/notifier sleeps) re-check state.
	cond sync.Cond

	bound   bool
	instPtr uint64
	tsg     *TSG // nil when not in a TSG

	// timeoutDebugDump, set by the owner, asks recovery to produce a
	// verbose state dump when this channel idles out.
	timeoutDebugDump bool

	timedOut bool

	hasNotifier  bool
	notifierCode NotifyError

	ctxswElapsed time.Duration
}

func (f *Fifo) setupChannels() {
	f.channels = make([]*Channel, f.cfg.NumChannels)
	for i := range f.channels {
		ch := &Channel{f: f, id: uint32(i)}
		ch.cond.L = &ch.mu
		f.channels[i] = ch
	}
	f.tsgs = make([]*TSG, f.cfg.NumChannels)
	for i := range f.tsgs {
		f.tsgs[i] = &TSG{f: f, id: uint32(i)}
	}
}

// Channel returns the channel with the given id, without taking a
// reference.
func (f *Fifo) Channel(id uint32) *Channel {
	if id >= uint32(len(f.channels)) {
		return nil
	}
	return f.channels[id]
}

// ChannelGet takes a reference on channel id if it is still bound.
// Callers must pair a successful get with Put.
func (f *Fifo) ChannelGet(id uint32) *Channel {
	ch := f.Channel(id)
	if ch == nil {
		return nil
	}
	for {
		r := atomic.LoadInt64(&ch.refs)
		if r == 0 {
			return nil
		}
		if atomic.CompareAndSwapInt64(&ch.refs, r, r+1) {
			return ch
		}
	}
}

// Put drops a reference taken by ChannelGet or Bind.
func (ch *Channel) Put() {
	r := atomic.AddInt64(&ch.refs, -1)
	if r < 0 {
		panic("fifo: channel reference over-release")
	}
	if r == 0 {
		ch.finalize()
	}
}

// ID returns the channel's hardware id.
func (ch *Channel) ID() uint32 { return ch.id }

// Bind attaches the channel to an instance block and enables it. The
// channel holds one reference until Close.
func (ch *Channel) Bind(instPtr uint64) error {
	ch.mu.Lock()
	if ch.bound {
		ch.mu.Unlock()
		return fmt.Errorf("fifo: channel %d already bound: %w", ch.id, hwerr.ErrInvalidArgument)
	}
	ch.bound = true
	ch.instPtr = instPtr
	ch.timedOut = false
	ch.hasNotifier = false
	ch.notifierCode = 0
	ch.ctxswElapsed = 0
	ch.mu.Unlock()

	if !atomic.CompareAndSwapInt64(&ch.refs, 0, 1) {
		panic("fifo: bind of a referenced channel")
	}
	ch.f.regs.Write32(regChannelCtrl(ch.id), chCtrlEnabled)
	return nil
}

// Close removes the channel from its runlist, unbinds it, and drops the
// Bind reference. Runlist removal happens here, never from recovery.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if !ch.bound {
		ch.mu.Unlock()
		return fmt.Errorf("fifo: channel %d not bound: %w", ch.id, hwerr.ErrInvalidArgument)
	}
	tsg := ch.tsg
	ch.mu.Unlock()

	if tsg != nil {
		if err := tsg.Unbind(ch); err != nil {
			return err
		}
	} else if err := ch.f.UpdateRunlist(ch.runlistID(), ch.id, false, true); err != nil {
		return err
	}

	ch.f.regs.Write32(regChannelCtrl(ch.id), 0)

	ch.mu.Lock()
	ch.bound = false
	ch.instPtr = 0
	ch.mu.Unlock()

	ch.Put()
	return nil
}

// finalize runs when the last reference drops. A deferred engine reset
// parked on this channel completes now that the debugger is gone.
func (ch *Channel) finalize() {
	ch.f.completeDeferredReset(ch)
}

// runlistID returns the runlist serving this channel. Channels run on the
// graphics runlist unless their TSG says otherwise.
func (ch *Channel) runlistID() uint32 {
	ch.mu.Lock()
	tsg := ch.tsg
	ch.mu.Unlock()
	if tsg != nil {
		return tsg.runlistID()
	}
	for _, e := range ch.f.engines {
		if e.Class == EngineClassGraphics {
			return e.RunlistID
		}
	}
	return 0
}

// SetTimeoutDebugDump controls whether an idle timeout on this channel
// produces a verbose engine-state dump.
func (ch *Channel) SetTimeoutDebugDump(dump bool) {
	ch.mu.Lock()
	ch.timeoutDebugDump = dump
	ch.mu.Unlock()
}

// TimedOut reports whether recovery has marked this channel dead.
func (ch *Channel) TimedOut() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.timedOut
}

// NotifierError returns the latched error notifier code, if any.
func (ch *Channel) NotifierError() (NotifyError, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.notifierCode, ch.hasNotifier
}

// ClearNotifier lets userspace consume and reset the error notifier.
func (ch *Channel) ClearNotifier() {
	ch.mu.Lock()
	ch.hasNotifier = false
	ch.notifierCode = 0
	ch.mu.Unlock()
}

// setNotifier latches code if no earlier error is pending. It returns the
// verbosity to use for any state dump this error produces: idle timeouts
// honor the channel's debug-dump preference, everything else dumps.
func (ch *Channel) setNotifier(code NotifyError) (verbose bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.hasNotifier {
		ch.hasNotifier = true
		ch.notifierCode = code
	} else {
		logrus.Debugf("fifo: channel %d: dropping notifier %v, %v already pending",
			ch.id, code, ch.notifierCode)
	}
	// Verbosity follows the latched code, not the incoming one: a quiet
	// idle timeout already pending keeps later errors quiet too.
	if ch.notifierCode == NotifyErrorIdleTimeout {
		return ch.timeoutDebugDump
	}
	return true
}

// markTimedOutAndWake flags the channel dead and wakes anything blocked
// on it.
func (ch *Channel) markTimedOutAndWake() {
	ch.mu.Lock()
	ch.timedOut = true
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

// Wake signals the channel's waiters without changing state; the
// nonstalling ISR uses it on semaphore wakeup interrupts.
func (ch *Channel) Wake() {
	ch.mu.Lock()
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

// abort disables the channel at the hardware and marks it timed out.
// The channel stays on its runlist: recovery runs with runlist mutexes
// held, so membership can only change at Close.
func (ch *Channel) abort() {
	ch.f.regs.Write32(regChannelCtrl(ch.id), 0)
	ch.markTimedOutAndWake()
}

// channelByInst resolves an MMU fault's instance pointer to the bound
// channel owning it, taking a reference.
func (f *Fifo) channelByInst(instPtr uint64) *Channel {
	for _, ch := range f.channels {
		ref := f.ChannelGet(ch.id)
		if ref == nil {
			continue
		}
		ref.mu.Lock()
		match := ref.bound && ref.instPtr == instPtr
		ref.mu.Unlock()
		if match {
			return ref
		}
		ref.Put()
	}
	return nil
}
