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

package main

import (
	"context"
	"flag"
	"math/rand"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/gpukit/gk20a/pkg/buddy"
)

// simSpace is a fixed-big-page VM model for GVA-mode runs.
type simSpace struct {
	bigPage uint64
}

func (s simSpace) BigPageSize() uint64 { return s.bigPage }

func (s simSpace) PTESizeFor(base, length uint64) buddy.PTESize {
	if length >= s.bigPage {
		return buddy.PTESizeBig
	}
	return buddy.PTESizeSmall
}

// allocCmd runs a randomized allocator workload.
type allocCmd struct {
	size    uint64
	block   uint64
	gva     bool
	bigPage uint64
	ops     int
	seed    int64
}

// Name implements subcommands.Command.Name.
func (*allocCmd) Name() string { return "alloc" }

// Synopsis implements subcommands.Command.Synopsis.
func (*allocCmd) Synopsis() string { return "run a randomized buddy allocator workload" }

// Usage implements subcommands.Command.Usage.
func (*allocCmd) Usage() string {
	return "alloc [-size N] [-block N] [-gva] [-ops N] [-seed N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *allocCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.size, "size", 1<<30, "managed space size in bytes")
	f.Uint64Var(&c.block, "block", 4096, "block size in bytes")
	f.BoolVar(&c.gva, "gva", false, "run in GPU virtual-address mode")
	f.Uint64Var(&c.bigPage, "bigpage", 64<<10, "big page size in bytes (GVA mode)")
	f.IntVar(&c.ops, "ops", 100000, "number of operations")
	f.Int64Var(&c.seed, "seed", 1, "PRNG seed")
}

// Execute implements subcommands.Command.Execute.
func (c *allocCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	var flags buddy.Flags
	var vm buddy.Space
	if c.gva {
		flags |= buddy.GVASpaceFlag
		vm = simSpace{bigPage: c.bigPage}
	}

	a, err := buddy.New("sim", 0, c.size, c.block, buddy.MaxOrder, flags, vm)
	if err != nil {
		logrus.Errorf("allocator setup: %v", err)
		return subcommands.ExitFailure
	}

	rng := rand.New(rand.NewSource(c.seed))
	var live []uint64
	var allocFail, fixedOK int

	for i := 0; i < c.ops; i++ {
		switch op := rng.Intn(10); {
		case op < 5:
			length := c.block * uint64(1+rng.Intn(64))
			if c.gva && rng.Intn(4) == 0 {
				length = c.bigPage * uint64(1+rng.Intn(4))
			}
			addr, err := a.Alloc(length)
			if err != nil {
				allocFail++
				continue
			}
			live = append(live, addr)
		case op < 6:
			// A fixed carve-out at a random aligned spot; collisions with
			// existing allocations are expected and fine.
			base := a.Base() + c.block*uint64(rng.Int63n(int64(c.size/c.block)))
			if _, err := a.AllocFixed(base, c.block*uint64(1+rng.Intn(16))); err == nil {
				live = append(live, base)
				fixedOK++
			}
		default:
			if len(live) == 0 {
				continue
			}
			j := rng.Intn(len(live))
			a.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	for _, addr := range live {
		a.Free(addr)
	}
	st := a.Stats()
	logrus.Infof("alloc: %d ops, %d alloc failures, %d fixed carve-outs", c.ops, allocFail, fixedOK)
	logrus.Infof("alloc: requested=%d reserved=%d freed=%d unknown_frees=%d",
		st.BytesRequested, st.BytesReserved, st.BytesFreed, st.UnknownFrees)
	if st.BytesFreed != st.BytesReserved {
		logrus.Errorf("alloc: reserved/freed mismatch after teardown")
		return subcommands.ExitFailure
	}
	a.Destroy()
	return subcommands.ExitSuccess
}
