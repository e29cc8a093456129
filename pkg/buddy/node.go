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

// PTESize classifies an allocation's page-table-entry granularity. In GPU
// virtual-address mode, allocations below the PDE block order must be
// homogeneous in PTE size within their containing subtree.
type PTESize int

// PTE size classes.
const (
	PTESizeAny PTESize = iota
	PTESizeSmall
	PTESizeBig
)

func (p PTESize) String() string {
	switch p {
	case PTESizeAny:
		return "any"
	case PTESizeSmall:
		return "small"
	case PTESizeBig:
		return "big"
	}
	return "invalid"
}

// nodeState tracks which of the three legal homes a node occupies. A node
// is in exactly one of {free list, split with two children, allocated} at
// any time.
type nodeState uint8

const (
	stateFree nodeState = iota
	stateSplit
	stateAllocated
)

// node is one power-of-two-sized sub-range [start, end) of the managed
// space.
type node struct {
	parent  *node
	sibling *node
	left    *node
	right   *node

	start uint64
	end   uint64
	order uint64

	state nodeState

	// pte constrains allocations from this node once a split crosses the
	// PDE block order. PTESizeAny means unconstrained.
	pte PTESize
}

func (a *Allocator) newNode(parent *node, start, order uint64) *node {
	return &node{
		parent: parent,
		start:  start,
		end:    start + (a.blockSize << order),
		order:  order,
		pte:    PTESizeAny,
	}
}

// listAdd prepends n to its order's free list.
func (a *Allocator) listAdd(n *node) {
	l := a.freeLists[n.order]
	a.freeLists[n.order] = append([]*node{n}, l...)
}

// listRemove takes n out of its order's free list. n must be present.
func (a *Allocator) listRemove(n *node) {
	l := a.freeLists[n.order]
	for i, c := range l {
		if c == n {
			a.freeLists[n.order] = append(l[:i:i], l[i+1:]...)
			return
		}
	}
	panic("buddy: node missing from its free list")
}

// findFree returns the candidate free node at order for the given PTE size
// without removing it, or nil. Big-page requests in GVA mode come from the
// tail of the list so big and small allocations cluster at opposite ends;
// everything else comes from the head. Only the candidate is examined: a
// PTE mismatch at this order sends the caller up to the next order.
func (a *Allocator) findFree(order uint64, pte PTESize) *node {
	l := a.freeLists[order]
	if len(l) == 0 {
		return nil
	}
	var n *node
	if a.gva() && pte == PTESizeBig {
		n = l[len(l)-1]
	} else {
		n = l[0]
	}
	if n.pte != PTESizeAny && n.pte != pte {
		return nil
	}
	return n
}

// split turns a free node into a split node with two free children. Once
// the children land at or below the PDE block order they are stamped with
// the requested PTE size, constraining the whole subtree.
func (a *Allocator) split(n *node, pte PTESize) {
	half := n.start + (a.blockSize << (n.order - 1))
	left := a.newNode(n, n.start, n.order-1)
	right := a.newNode(n, half, n.order-1)
	left.sibling = right
	right.sibling = left

	if a.gva() && left.order <= a.pteBlkOrder {
		left.pte = pte
		right.pte = pte
	}

	a.listRemove(n)
	n.state = stateSplit
	n.left, n.right = left, right
	a.splitCount[n.order]++

	a.listAdd(left)
	a.listAdd(right)
}

// coalesce merges n with its sibling while both are simultaneously free
// and unsplit, repeating up the tree. This is the exact inverse of split
// and terminates at the tiling roots (which have no parent).
func (a *Allocator) coalesce(n *node) {
	for {
		if n.state != stateFree {
			return
		}
		sib := n.sibling
		if sib == nil || sib.state != stateFree {
			return
		}
		p := n.parent
		a.listRemove(n)
		a.listRemove(sib)
		a.splitCount[p.order]--
		p.state = stateFree
		p.left, p.right = nil, nil
		a.listAdd(p)
		n = p
	}
}
