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

// Package hwio defines the register access boundary between the FIFO engine
// and the device, plus a fake register file used by tests and the
// simulator to stand in for hardware.
package hwio

import "sync"

// Registers is memory-mapped device register access. Accesses are assumed
// strongly ordered per device: a write is visible to the next read.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// ReadHook observes a register read and may substitute the returned value.
type ReadHook func(cur uint32) uint32

// WriteHook observes a register write and returns the value to store. old
// is the current register contents, v the value being written.
type WriteHook func(old, v uint32) uint32

// Fake is an in-memory register file. Hooks let a test or simulator model
// hardware side effects such as write-1-to-clear registers and self-clearing
// pending bits.
//
// Hook callbacks run with the register lock held and must not call back
// into the Fake; use Poke/Peek from other goroutines instead.
type Fake struct {
	mu         sync.Mutex
	words      map[uint32]uint32
	readHooks  map[uint32]ReadHook
	writeHooks map[uint32]WriteHook
}

// NewFake returns an empty register file; all registers read as zero.
func NewFake() *Fake {
	return &Fake{
		words:      make(map[uint32]uint32),
		readHooks:  make(map[uint32]ReadHook),
		writeHooks: make(map[uint32]WriteHook),
	}
}

// Read32 implements Registers.Read32.
func (f *Fake) Read32(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.words[off]
	if h := f.readHooks[off]; h != nil {
		v = h(v)
		f.words[off] = v
	}
	return v
}

// Write32 implements Registers.Write32.
func (f *Fake) Write32(off uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.writeHooks[off]; h != nil {
		v = h(f.words[off], v)
	}
	f.words[off] = v
}

// Poke stores v at off without invoking hooks. Used to model hardware
// raising status bits.
func (f *Fake) Poke(off uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words[off] = v
}

// PokeOr ORs v into the register at off without invoking hooks.
func (f *Fake) PokeOr(off uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words[off] |= v
}

// Peek reads off without invoking hooks.
func (f *Fake) Peek(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[off]
}

// OnRead installs h as the read hook for off, replacing any previous hook.
func (f *Fake) OnRead(off uint32, h ReadHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readHooks[off] = h
}

// OnWrite installs h as the write hook for off, replacing any previous
// hook.
func (f *Fake) OnWrite(off uint32, h WriteHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeHooks[off] = h
}

// W1C installs a write-1-to-clear hook at off: writing a bit clears it.
func (f *Fake) W1C(off uint32) {
	f.OnWrite(off, func(old, v uint32) uint32 {
		return old &^ v
	})
}
