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

// Package bitmap provides a fixed-capacity bitset.
//
// The runlist manager keeps one bit per channel and one bit per TSG; the
// operations here mirror what it needs: test-and-set/test-and-clear for
// idempotent membership toggles, and in-order iteration over set bits for
// runlist serialization.
package bitmap

import "math/bits"

// Bitmap is a fixed-capacity set of small integers. The zero value is an
// empty bitmap of capacity zero; use New.
//
// Bitmap is not safe for concurrent use; callers hold their own locks.
type Bitmap struct {
	size    uint32
	numOnes uint32
	words   []uint64
}

// New returns an empty Bitmap holding bits [0, size).
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the capacity in bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// NumSet returns the number of set bits.
func (b *Bitmap) NumSet() uint32 {
	return b.numOnes
}

// Empty reports whether no bit is set.
func (b *Bitmap) Empty() bool {
	return b.numOnes == 0
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i uint32) {
	b.TestAndSet(i)
}

// Clear clears bit i.
func (b *Bitmap) Clear(i uint32) {
	b.TestAndClear(i)
}

// TestAndSet sets bit i and returns its previous value.
func (b *Bitmap) TestAndSet(i uint32) bool {
	if i >= b.size {
		panic("bitmap: bit out of range")
	}
	w, mask := i/64, uint64(1)<<(i%64)
	if b.words[w]&mask != 0 {
		return true
	}
	b.words[w] |= mask
	b.numOnes++
	return false
}

// TestAndClear clears bit i and returns its previous value.
func (b *Bitmap) TestAndClear(i uint32) bool {
	if i >= b.size {
		panic("bitmap: bit out of range")
	}
	w, mask := i/64, uint64(1)<<(i%64)
	if b.words[w]&mask == 0 {
		return false
	}
	b.words[w] &^= mask
	b.numOnes--
	return true
}

// ForEach calls fn for every set bit in ascending order until fn returns
// false.
func (b *Bitmap) ForEach(fn func(i uint32) bool) {
	for w := 0; w < len(b.words); w++ {
		word := b.words[w]
		for word != 0 {
			low := word & -word
			i := uint32(w*64 + bits.OnesCount64(low-1))
			if !fn(i) {
				return
			}
			word ^= low
		}
	}
}

// ToSlice returns the set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	b.ForEach(func(i uint32) bool {
		out = append(out, i)
		return true
	})
	return out
}

// Clone returns a copy of b.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{size: b.size, numOnes: b.numOnes, words: make([]uint64, len(b.words))}
	copy(c.words, b.words)
	return c
}
