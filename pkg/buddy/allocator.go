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

// Package buddy implements a power-of-two buddy allocator over an
// arbitrary linear space. The space is addresses in the usual case but can
// be any numeric id range; nothing here touches memory behind the managed
// range.
//
// The allocator supports both "give me N units anywhere" (Alloc) and "give
// me exactly this range" (AllocFixed) styles, with per-order free lists
// for O(log N) split and coalesce. In GPU virtual-address mode allocations
// below the PDE block order are kept homogeneous in PTE size within their
// containing subtree.
//
// A single allocator-wide mutex guards every operation. Allocation is not
// hot-path-critical for the address spaces this manages, so no
// finer-grained locking is attempted.
package buddy

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

// MaxOrder is the implementation ceiling on the buddy tree depth.
const MaxOrder = 31

// Flags select allocator construction options.
type Flags uint32

const (
	// GVASpaceFlag marks the allocator as managing GPU virtual addresses;
	// a Space must be supplied and PTE-size placement policy applies.
	GVASpaceFlag Flags = 1 << iota
)

// Space describes the GPU VM backing a GVA-mode allocator.
type Space interface {
	// BigPageSize returns the VM's big page size in bytes.
	BigPageSize() uint64

	// PTESizeFor classifies the PTE size an allocation at base of the
	// given length would be mapped with.
	PTESizeFor(base, length uint64) PTESize
}

// fixedAlloc is a caller-pinned [start, end) range glued together from one
// or more buddy nodes.
type fixedAlloc struct {
	start   uint64
	end     uint64
	buddies []*node
}

// Allocator manages one linear space as a binary buddy tree.
type Allocator struct {
	name string

	mu sync.Mutex

	base      uint64
	start     uint64
	end       uint64
	blockSize uint64
	blkShift  uint
	maxOrder  uint64

	flags Flags
	vm    Space

	// pteBlkOrder is the order threshold below which nodes carry a PTE
	// size tag. Meaningful only in GVA mode.
	pteBlkOrder uint64

	freeLists [][]*node
	alloced   *btree.BTreeG[*node]
	fixed     *btree.BTreeG[*fixedAlloc]

	splitCount   []uint64
	allocedCount []uint64

	bytesRequested uint64
	bytesReserved  uint64
	bytesFreed     uint64
	unknownFrees   uint64

	destroyed bool
}

// Stats is a snapshot of the allocator's instrumentation counters.
type Stats struct {
	// BytesRequested is the cumulative length callers asked for.
	BytesRequested uint64

	// BytesReserved is the cumulative length actually carved out, rounded
	// up to block granularity.
	BytesReserved uint64

	// BytesFreed is the cumulative reserved length returned.
	BytesFreed uint64

	// UnknownFrees counts Free calls whose address matched no allocation.
	UnknownFrees uint64
}

// New creates an allocator over [base, base+length), carved into blockSize
// units. maxOrderHint caps the buddy tree depth; the actual maximum order
// also never exceeds MaxOrder or the space size. In GVA mode (GVASpaceFlag)
// vm must be non-nil.
func New(name string, base, length, blockSize, maxOrderHint uint64, flags Flags, vm Space) (*Allocator, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("buddy %s: block size %#x not a power of two: %w", name, blockSize, hwerr.ErrInvalidArgument)
	}
	if maxOrderHint > MaxOrder {
		return nil, fmt.Errorf("buddy %s: max order hint %d beyond ceiling %d: %w", name, maxOrderHint, MaxOrder, hwerr.ErrInvalidArgument)
	}
	if flags&GVASpaceFlag != 0 && vm == nil {
		return nil, fmt.Errorf("buddy %s: GVA mode without a VM: %w", name, hwerr.ErrInvalidArgument)
	}

	a := &Allocator{
		name:      name,
		base:      base,
		blockSize: blockSize,
		blkShift:  uint(bits.TrailingZeros64(blockSize)),
		flags:     flags,
		vm:        vm,
	}

	a.start = roundUp(base, blockSize)
	a.end = roundDown(base+length, blockSize)
	if a.end <= a.start {
		return nil, fmt.Errorf("buddy %s: empty usable range after alignment: %w", name, hwerr.ErrInvalidArgument)
	}
	blks := (a.end - a.start) >> a.blkShift

	a.maxOrder = maxOrderHint
	if l2 := uint64(bits.Len64(blks) - 1); a.maxOrder > l2 {
		a.maxOrder = l2
	}
	if a.maxOrder > MaxOrder {
		a.maxOrder = MaxOrder
	}

	if a.gva() {
		bps := vm.BigPageSize()
		if bps == 0 || bps&(bps-1) != 0 {
			return nil, fmt.Errorf("buddy %s: big page size %#x not a power of two: %w", name, bps, hwerr.ErrInvalidArgument)
		}
		// One PDE covers a big-page-size worth of big PTEs.
		a.pteBlkOrder = a.orderFor(bps << 10)
	}

	a.freeLists = make([][]*node, a.maxOrder+1)
	a.splitCount = make([]uint64, a.maxOrder+1)
	a.allocedCount = make([]uint64, a.maxOrder+1)
	a.alloced = btree.NewG(8, func(x, y *node) bool { return x.start < y.start })
	a.fixed = btree.NewG(8, func(x, y *fixedAlloc) bool { return x.start < y.start })

	a.initFreeLists()

	logrus.Debugf("buddy %s: managing [%#x, %#x) blk=%#x max_order=%d", name, a.start, a.end, blockSize, a.maxOrder)
	return a, nil
}

func (a *Allocator) gva() bool {
	return a.flags&GVASpaceFlag != 0
}

// Name returns the allocator's name, used in log messages.
func (a *Allocator) Name() string { return a.name }

// Base returns the start of the usable range.
func (a *Allocator) Base() uint64 { return a.start }

// End returns the end of the usable range.
func (a *Allocator) End() uint64 { return a.end }

// BlockSize returns the allocation granularity.
func (a *Allocator) BlockSize() uint64 { return a.blockSize }

// initFreeLists tiles [start, end) greedily with maximal power-of-two
// nodes. Greedy tiling from the left yields naturally aligned nodes: the
// offsets follow the binary decomposition of the block count.
func (a *Allocator) initFreeLists() {
	cur := a.start
	for cur < a.end {
		order := a.maxOrderIn(cur, a.end)
		n := a.newNode(nil, cur, order)
		a.listAdd(n)
		cur = n.end
	}
}

// maxOrderIn picks the largest order that fits in [cur, end) without
// exceeding the space's max order.
func (a *Allocator) maxOrderIn(cur, end uint64) uint64 {
	blks := (end - cur) >> a.blkShift
	order := uint64(bits.Len64(blks) - 1)
	if order > a.maxOrder {
		order = a.maxOrder
	}
	return order
}

// orderFor maps a byte length to the smallest order whose node covers it.
// By convention a zero length maps to order 0.
func (a *Allocator) orderFor(length uint64) uint64 {
	blks := (length + a.blockSize - 1) >> a.blkShift
	if blks <= 1 {
		return 0
	}
	return uint64(bits.Len64(blks - 1))
}

func (a *Allocator) orderBytes(order uint64) uint64 {
	return a.blockSize << order
}

// Alloc reserves length bytes anywhere in the space and returns the start
// address. The reservation is rounded up to the next power-of-two order.
func (a *Allocator) Alloc(length uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0, fmt.Errorf("buddy %s: allocator destroyed: %w", a.name, hwerr.ErrInvalidArgument)
	}

	order := a.orderFor(length)
	if order > a.maxOrder {
		return 0, fmt.Errorf("buddy %s: length %#x needs order %d > max %d: %w", a.name, length, order, a.maxOrder, hwerr.ErrNoSpace)
	}

	pte := PTESizeAny
	if a.gva() {
		// The final address is unknown at this point; the allocator base
		// stands in for it when classifying the PTE size.
		pte = a.vm.PTESizeFor(a.base, length)
	}

	n := a.allocNode(order, pte)
	if n == nil {
		return 0, fmt.Errorf("buddy %s: no free node at order %d (pte %v): %w", a.name, order, pte, hwerr.ErrNoSpace)
	}

	a.alloced.ReplaceOrInsert(n)
	a.bytesRequested += length
	a.bytesReserved += a.orderBytes(order)

	logrus.Debugf("buddy %s: alloc %#x len=%#x order=%d pte=%v", a.name, n.start, length, order, pte)
	return n.start, nil
}

// allocNode finds a free node at order, splitting a larger node down if
// needed, and marks it allocated.
func (a *Allocator) allocNode(order uint64, pte PTESize) *node {
	splitOrder := order
	var n *node
	for splitOrder <= a.maxOrder {
		if n = a.findFree(splitOrder, pte); n != nil {
			break
		}
		splitOrder++
	}
	if n == nil {
		return nil
	}
	for n.order != order {
		a.split(n, pte)
		n = n.left
	}
	a.listRemove(n)
	n.state = stateAllocated
	a.allocedCount[n.order]++
	return n
}

// Free returns the allocation starting at addr to the space and coalesces.
// An address that matches neither a fixed allocation nor an ordinary one
// is deliberately a no-op: freeing 0 (the failure sentinel) and speculative
// double-frees are tolerated rather than fatal. Such calls are counted in
// Stats.UnknownFrees.
func (a *Allocator) Free(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	if a.freeFixedLocked(addr) {
		return
	}
	n, ok := a.alloced.Delete(&node{start: addr})
	if !ok {
		a.unknownFrees++
		logrus.Debugf("buddy %s: free of unknown address %#x ignored", a.name, addr)
		return
	}
	a.bytesFreed += a.orderBytes(n.order)
	a.releaseNode(n)
	logrus.Debugf("buddy %s: free %#x order=%d", a.name, n.start, n.order)
}

// releaseNode puts an allocated node back on its free list and coalesces.
func (a *Allocator) releaseNode(n *node) {
	a.allocedCount[n.order]--
	n.state = stateFree
	a.listAdd(n)
	a.coalesce(n)
}

// AllocFixed reserves exactly [base, base+length). base must be aligned to
// the block size and the whole range must currently be free.
func (a *Allocator) AllocFixed(base, length uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return 0, fmt.Errorf("buddy %s: allocator destroyed: %w", a.name, hwerr.ErrInvalidArgument)
	}
	if length == 0 || base%a.blockSize != 0 {
		return 0, fmt.Errorf("buddy %s: fixed alloc [%#x, +%#x) misaligned or empty: %w", a.name, base, length, hwerr.ErrInvalidArgument)
	}
	end := base + roundUp(length, a.blockSize)
	if base < a.start || end > a.end {
		return 0, fmt.Errorf("buddy %s: fixed alloc [%#x, %#x) outside [%#x, %#x): %w", a.name, base, end, a.start, a.end, hwerr.ErrInvalidArgument)
	}
	if !a.rangeFreeLocked(base, end) {
		return 0, fmt.Errorf("buddy %s: fixed alloc [%#x, %#x) overlaps an existing allocation: %w", a.name, base, end, hwerr.ErrRangeNotFree)
	}

	pte := PTESizeAny
	if a.gva() {
		pte = a.vm.PTESizeFor(base, length)
	}

	f := &fixedAlloc{start: base, end: end}
	cur := base
	for cur < end {
		order := a.fixedRunOrder(cur, end)
		n := a.makeFixedNode(cur, order, pte)
		if n == nil {
			// Metadata materialization failed partway; put back what we
			// carved so the call fails atomically.
			a.unwindFixed(f)
			return 0, fmt.Errorf("buddy %s: cannot materialize fixed node at %#x order %d: %w", a.name, cur, order, hwerr.ErrNoSpace)
		}
		n.state = stateAllocated
		a.allocedCount[n.order]++
		f.buddies = append(f.buddies, n)
		cur += a.orderBytes(order)
	}

	a.fixed.ReplaceOrInsert(f)
	a.bytesRequested += length
	a.bytesReserved += end - base
	logrus.Debugf("buddy %s: fixed alloc [%#x, %#x) in %d nodes", a.name, base, end, len(f.buddies))
	return base, nil
}

// fixedRunOrder picks, for position cur of a fixed range, the largest
// order that is both aligned to cur and does not overshoot end.
func (a *Allocator) fixedRunOrder(cur, end uint64) uint64 {
	relBlks := (cur - a.start) >> a.blkShift
	alignOrder := a.maxOrder
	if relBlks != 0 {
		alignOrder = uint64(bits.TrailingZeros64(relBlks))
	}
	order := a.maxOrderIn(cur, end)
	if order > alignOrder {
		order = alignOrder
	}
	return order
}

// makeFixedNode materializes the buddy node at exactly [start, start +
// blockSize<<order) by walking up the orders until an enclosing free node
// is found, then splitting back down. The node may already exist unsplit
// at the target order.
func (a *Allocator) makeFixedNode(start, order uint64, pte PTESize) *node {
	var n *node
search:
	for o := order; o <= a.maxOrder; o++ {
		want := a.start + roundDown(start-a.start, a.orderBytes(o))
		for _, cand := range a.freeLists[o] {
			if cand.start == want {
				n = cand
				break search
			}
		}
	}
	if n == nil {
		return nil
	}
	for n.order != order {
		a.split(n, pte)
		if start < n.left.end {
			n = n.left
		} else {
			n = n.right
		}
	}
	a.listRemove(n)
	return n
}

// unwindFixed releases the nodes already materialized for a failed fixed
// allocation attempt.
func (a *Allocator) unwindFixed(f *fixedAlloc) {
	for _, n := range f.buddies {
		a.releaseNode(n)
	}
	f.buddies = nil
}

// freeFixedLocked tears down the fixed allocation starting at addr, if
// any, returning whether one was found.
func (a *Allocator) freeFixedLocked(addr uint64) bool {
	f, ok := a.fixed.Delete(&fixedAlloc{start: addr})
	if !ok {
		return false
	}
	a.bytesFreed += f.end - f.start
	for _, n := range f.buddies {
		a.releaseNode(n)
	}
	logrus.Debugf("buddy %s: fixed free [%#x, %#x)", a.name, f.start, f.end)
	return true
}

// rangeFreeLocked reports whether [base, end) overlaps no ordinary or
// fixed allocation.
func (a *Allocator) rangeFreeLocked(base, end uint64) bool {
	free := true
	// The nearest allocation starting at or before base may still reach
	// into the range.
	a.alloced.DescendLessOrEqual(&node{start: base}, func(n *node) bool {
		free = n.end <= base
		return false
	})
	if !free {
		return false
	}
	a.alloced.AscendGreaterOrEqual(&node{start: base}, func(n *node) bool {
		free = n.start >= end
		return false
	})
	if !free {
		return false
	}
	a.fixed.DescendLessOrEqual(&fixedAlloc{start: base}, func(f *fixedAlloc) bool {
		free = f.end <= base
		return false
	})
	if !free {
		return false
	}
	a.fixed.AscendGreaterOrEqual(&fixedAlloc{start: base}, func(f *fixedAlloc) bool {
		free = f.start >= end
		return false
	})
	return free
}

// Stats returns a snapshot of the instrumentation counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		BytesRequested: a.bytesRequested,
		BytesReserved:  a.bytesReserved,
		BytesFreed:     a.bytesFreed,
		UnknownFrees:   a.unknownFrees,
	}
}

// Destroy tears the allocator down: fixed allocations first, then
// ordinary ones, coalescing as it goes. Any split or allocated node left
// at the end indicates a structural leak and is logged.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}

	var fixedAllocs []*fixedAlloc
	a.fixed.Ascend(func(f *fixedAlloc) bool {
		fixedAllocs = append(fixedAllocs, f)
		return true
	})
	for _, f := range fixedAllocs {
		a.fixed.Delete(f)
		for _, n := range f.buddies {
			a.releaseNode(n)
		}
	}

	var nodes []*node
	a.alloced.Ascend(func(n *node) bool {
		nodes = append(nodes, n)
		return true
	})
	for _, n := range nodes {
		a.alloced.Delete(n)
		a.releaseNode(n)
	}

	for o := uint64(0); o <= a.maxOrder; o++ {
		if a.splitCount[o] != 0 || a.allocedCount[o] != 0 {
			logrus.Warnf("buddy %s: destroy with %d split, %d allocated nodes leaked at order %d",
				a.name, a.splitCount[o], a.allocedCount[o], o)
		}
	}

	a.freeLists = nil
	a.destroyed = true
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func roundDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
