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

package buddy

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gpukit/gk20a/pkg/hwerr"
)

// freeSnapshot captures the free-list structure as the set of (start, pte)
// pairs per order, ignoring list position.
type freeEntry struct {
	Start uint64
	PTE   PTESize
}

func snapshotFree(a *Allocator) map[uint64][]freeEntry {
	snap := make(map[uint64][]freeEntry)
	for order, l := range a.freeLists {
		if len(l) == 0 {
			continue
		}
		entries := make([]freeEntry, 0, len(l))
		for _, n := range l {
			entries = append(entries, freeEntry{n.start, n.pte})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
		snap[uint64(order)] = entries
	}
	return snap
}

func mustNew(t *testing.T, name string, base, length, blockSize, maxOrder uint64) *Allocator {
	t.Helper()
	a, err := New(name, base, length, blockSize, maxOrder, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRejectsBadArguments(t *testing.T) {
	for _, test := range []struct {
		name      string
		base      uint64
		length    uint64
		blockSize uint64
		maxOrder  uint64
		flags     Flags
		vm        Space
	}{
		{name: "zero block size", length: 1024, blockSize: 0, maxOrder: 4},
		{name: "non power of two block size", length: 1024, blockSize: 24, maxOrder: 4},
		{name: "max order beyond ceiling", length: 1024, blockSize: 16, maxOrder: MaxOrder + 1},
		{name: "gva mode without vm", length: 1024, blockSize: 16, maxOrder: 4, flags: GVASpaceFlag},
		{name: "empty range", base: 8, length: 4, blockSize: 16, maxOrder: 4},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New("bad", test.base, test.length, test.blockSize, test.maxOrder, test.flags, test.vm); !errors.Is(err, hwerr.ErrInvalidArgument) {
				t.Errorf("New: got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

// TestSimpleAllocFree is the canonical small scenario: a 1 KiB space of
// 16-byte blocks. The whole space is allocatable only when nothing is
// outstanding.
func TestSimpleAllocFree(t *testing.T) {
	a := mustNew(t, "simple", 0, 1024, 16, 6)

	addr, err := a.Alloc(48)
	if err != nil {
		t.Fatalf("Alloc(48): %v", err)
	}
	if addr%16 != 0 {
		t.Errorf("Alloc(48) returned unaligned address %#x", addr)
	}

	if _, err := a.Alloc(1024); !errors.Is(err, hwerr.ErrNoSpace) {
		t.Errorf("Alloc(1024) with 48 bytes outstanding: got %v, want ErrNoSpace", err)
	}

	a.Free(addr)

	whole, err := a.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc(1024) after free: %v", err)
	}
	if whole != 0 {
		t.Errorf("whole-space allocation: got %#x, want 0", whole)
	}
	a.Free(whole)
	a.Destroy()
}

// TestAllocFreeInverse checks that Alloc immediately followed by Free
// restores the exact free-list structure, from randomized starting states.
func TestAllocFreeInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := mustNew(t, "inverse", 0, 1<<20, 256, 10)

	// Build a random persistent state.
	var held []uint64
	for i := 0; i < 50; i++ {
		if addr, err := a.Alloc(uint64(rng.Intn(1 << 14))); err == nil {
			held = append(held, addr)
		}
	}

	for i := 0; i < 500; i++ {
		before := snapshotFree(a)
		length := uint64(rng.Intn(1<<15) + 1)
		addr, err := a.Alloc(length)
		if err != nil {
			continue
		}
		a.Free(addr)
		if diff := cmp.Diff(before, snapshotFree(a)); diff != "" {
			t.Fatalf("iteration %d: Alloc(%#x)+Free did not restore free lists (-before +after):\n%s", i, length, diff)
		}
	}

	for _, addr := range held {
		a.Free(addr)
	}
	a.Destroy()
}

type interval struct {
	start, end uint64
}

func overlaps(set []interval, start, end uint64) bool {
	for _, iv := range set {
		if start < iv.end && iv.start < end {
			return true
		}
	}
	return false
}

// TestNoOverlap fuzzes Alloc/AllocFixed/Free against a naive interval-set
// oracle: no two live allocations may ever overlap, and fixed allocation
// must succeed exactly when the oracle says the range is free.
func TestNoOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const (
		blockSize = 64
		length    = 1 << 16
	)
	a := mustNew(t, "fuzz", 0, length, blockSize, 8)

	var live []interval
	remove := func(start uint64) bool {
		for i, iv := range live {
			if iv.start == start {
				live = append(live[:i], live[i+1:]...)
				return true
			}
		}
		return false
	}

	for i := 0; i < 3000; i++ {
		switch rng.Intn(3) {
		case 0: // ordinary alloc
			n := uint64(rng.Intn(4096) + 1)
			addr, err := a.Alloc(n)
			if err != nil {
				continue
			}
			order := a.orderFor(n)
			end := addr + a.orderBytes(order)
			if overlaps(live, addr, end) {
				t.Fatalf("iteration %d: Alloc(%#x) returned overlapping range [%#x, %#x)", i, n, addr, end)
			}
			live = append(live, interval{addr, end})
		case 1: // fixed alloc
			base := uint64(rng.Intn(length/blockSize)) * blockSize
			n := uint64(rng.Intn(2048) + 1)
			end := base + ((n + blockSize - 1) &^ uint64(blockSize-1))
			addr, err := a.AllocFixed(base, n)
			wantOK := end <= length && !overlaps(live, base, end)
			if (err == nil) != wantOK {
				t.Fatalf("iteration %d: AllocFixed(%#x, %#x): err=%v, oracle wants ok=%t", i, base, n, err, wantOK)
			}
			if err == nil {
				if addr != base {
					t.Fatalf("AllocFixed returned %#x, want %#x", addr, base)
				}
				live = append(live, interval{base, end})
			}
		case 2: // free something live
			if len(live) == 0 {
				continue
			}
			iv := live[rng.Intn(len(live))]
			a.Free(iv.start)
			remove(iv.start)
		}
	}

	for _, iv := range live {
		a.Free(iv.start)
	}
	a.Destroy()
}

// TestFixedExactness: a fixed allocation requires a block-aligned base,
// and freeing it restores the allocator to its prior structure.
func TestFixedExactness(t *testing.T) {
	a := mustNew(t, "fixed", 0, 1<<16, 64, 8)

	if _, err := a.AllocFixed(33, 128); !errors.Is(err, hwerr.ErrInvalidArgument) {
		t.Errorf("misaligned AllocFixed: got %v, want ErrInvalidArgument", err)
	}
	if _, err := a.AllocFixed(0, 0); !errors.Is(err, hwerr.ErrInvalidArgument) {
		t.Errorf("zero-length AllocFixed: got %v, want ErrInvalidArgument", err)
	}

	before := snapshotFree(a)

	// An awkward range spanning several orders: [192, 192+832).
	addr, err := a.AllocFixed(192, 832)
	if err != nil {
		t.Fatalf("AllocFixed: %v", err)
	}

	// The exact range is now busy.
	if _, err := a.AllocFixed(192, 64); !errors.Is(err, hwerr.ErrRangeNotFree) {
		t.Errorf("overlapping AllocFixed: got %v, want ErrRangeNotFree", err)
	}
	if _, err := a.AllocFixed(960, 128); !errors.Is(err, hwerr.ErrRangeNotFree) {
		t.Errorf("tail-overlapping AllocFixed: got %v, want ErrRangeNotFree", err)
	}

	a.Free(addr)
	if diff := cmp.Diff(before, snapshotFree(a)); diff != "" {
		t.Errorf("fixed alloc+free did not restore free lists (-before +after):\n%s", diff)
	}
	a.Destroy()
}

// TestOrderMonotonicity: the node backing an allocation is never smaller
// than the rounded-up request.
func TestOrderMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := mustNew(t, "order", 0, 1<<20, 128, 10)
	for i := 0; i < 300; i++ {
		n := uint64(rng.Intn(1<<13) + 1)
		addr, err := a.Alloc(n)
		if err != nil {
			continue
		}
		got, ok := a.alloced.Get(&node{start: addr})
		if !ok {
			t.Fatalf("allocated node %#x missing from tree", addr)
		}
		rounded := (n + a.blockSize - 1) &^ (a.blockSize - 1)
		if size := got.end - got.start; size < rounded {
			t.Errorf("Alloc(%#x): node size %#x < rounded request %#x", n, size, rounded)
		}
		a.Free(addr)
	}
	a.Destroy()
}

func TestFreeUnknownAddressIsNoop(t *testing.T) {
	a := mustNew(t, "noop", 0, 4096, 64, 6)
	before := snapshotFree(a)
	a.Free(0)
	a.Free(777) // not even aligned
	if diff := cmp.Diff(before, snapshotFree(a)); diff != "" {
		t.Errorf("unknown free mutated state (-before +after):\n%s", diff)
	}
	if got := a.Stats().UnknownFrees; got != 2 {
		t.Errorf("UnknownFrees: got %d, want 2", got)
	}
	a.Destroy()
}

type fakeSpace struct {
	bigPageSize uint64
}

func (s *fakeSpace) BigPageSize() uint64 { return s.bigPageSize }

func (s *fakeSpace) PTESizeFor(base, length uint64) PTESize {
	if length >= s.bigPageSize {
		return PTESizeBig
	}
	return PTESizeSmall
}

// TestGVAPlacement: big-page allocations come from the tail of the free
// lists so that small and big allocations cluster at opposite ends of the
// space.
func TestGVAPlacement(t *testing.T) {
	vm := &fakeSpace{bigPageSize: 0x10000}
	a, err := New("gva", 0, 1<<28, 0x1000, MaxOrder, GVASpaceFlag, vm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	small, err := a.Alloc(0x1000)
	if err != nil {
		t.Fatalf("small Alloc: %v", err)
	}
	big, err := a.Alloc(0x20000)
	if err != nil {
		t.Fatalf("big Alloc: %v", err)
	}
	if big <= small {
		t.Errorf("big allocation %#x not above small allocation %#x", big, small)
	}

	// A small allocation must not land inside the subtree the big
	// allocation stamped.
	small2, err := a.Alloc(0x1000)
	if err != nil {
		t.Fatalf("second small Alloc: %v", err)
	}
	n, ok := a.alloced.Get(&node{start: small2})
	if !ok {
		t.Fatalf("allocated node %#x missing from tree", small2)
	}
	if n.pte == PTESizeBig {
		t.Errorf("small allocation landed on a big-stamped node at %#x", small2)
	}

	a.Free(small)
	a.Free(small2)
	a.Free(big)
	a.Destroy()
}

// TestDestroyIntegrity: after releasing everything, no split or allocated
// node may remain at any order.
func TestDestroyIntegrity(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := mustNew(t, "destroy", 0, 1<<18, 64, 10)
	for i := 0; i < 200; i++ {
		a.Alloc(uint64(rng.Intn(8192) + 1)) // leaked on purpose; Destroy reaps them
	}
	a.AllocFixed(4096, 1000)
	a.Destroy()
	for o, c := range a.splitCount {
		if c != 0 {
			t.Errorf("order %d: %d split nodes leaked", o, c)
		}
	}
	for o, c := range a.allocedCount {
		if c != 0 {
			t.Errorf("order %d: %d allocated nodes leaked", o, c)
		}
	}
}
