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
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gpukit/gk20a/pkg/fifo"
)

// fifoCmd runs the FIFO engine against a fake GPU under randomized
// channel churn and fault injection.
type fifoCmd struct {
	duration time.Duration
	workers  int
	channels uint
	seed     int64
}

type logResetter struct {
	resets int64
}

func (r *logResetter) ResetEngine(info fifo.EngineInfo) {
	atomic.AddInt64(&r.resets, 1)
	logrus.Debugf("sim: engine %d (%v) reset", info.EngineID, info.Class)
}

// Name implements subcommands.Command.Name.
func (*fifoCmd) Name() string { return "fifo" }

// Synopsis implements subcommands.Command.Synopsis.
func (*fifoCmd) Synopsis() string { return "run the FIFO engine with channel churn and fault injection" }

// Usage implements subcommands.Command.Usage.
func (*fifoCmd) Usage() string {
	return "fifo [-duration D] [-workers N] [-channels N] [-seed N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *fifoCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.duration, "duration", 5*time.Second, "how long to run")
	f.IntVar(&c.workers, "workers", 4, "channel churn workers")
	f.UintVar(&c.channels, "channels", 64, "channel table size")
	f.Int64Var(&c.seed, "seed", 1, "PRNG seed")
}

func instPtrFor(id uint32) uint64 {
	return 0x100000 + uint64(id)*0x1000
}

// Execute implements subcommands.Command.Execute.
func (c *fifoCmd) Execute(ctx context.Context, fs *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	engines := []fifo.EngineInfo{
		{EngineID: 0, RunlistID: 0, IntrID: 0, ResetID: 0, MMUFaultID: 0, Class: fifo.EngineClassGraphics},
		{EngineID: 1, RunlistID: 1, IntrID: 1, ResetID: 1, MMUFaultID: 1, Class: fifo.EngineClassCopy},
	}
	gpu := fifo.NewFakeGPU(engines, 1)
	resetter := &logResetter{}

	f, err := fifo.New(gpu.Regs, fifo.Config{
		NumChannels: uint32(c.channels),
		NumPBDMA:    1,
	}, fifo.Support{Reset: resetter})
	if err != nil {
		logrus.Errorf("fifo setup: %v", err)
		return subcommands.ExitFailure
	}

	ctx, cancel := context.WithTimeout(ctx, c.duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Interrupt service loop, standing in for the host IRQ path.
	g.Go(func() error {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				if gpu.IntrPending() {
					f.ISR()
				}
			}
		}
	})

	// Channel churn: each worker owns a slice of the channel table and
	// cycles its channels through bind / schedule / preempt / close.
	var cycles int64
	perWorker := uint32(c.channels) / uint32(c.workers)
	for w := 0; w < c.workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(c.seed + int64(w)))
			lo := uint32(w) * perWorker
			for {
				if ctx.Err() != nil {
					return nil
				}
				id := lo + uint32(rng.Intn(int(perWorker)))
				ch := f.Channel(id)
				if err := ch.Bind(instPtrFor(id)); err != nil {
					continue // lost a race with a previous cycle
				}
				if err := f.UpdateRunlist(0, id, true, true); err != nil {
					logrus.Errorf("sim: runlist add %d: %v", id, err)
				}
				if rng.Intn(4) == 0 {
					if err := f.PreemptChannel(id); err != nil {
						logrus.Warnf("sim: preempt %d: %v", id, err)
					}
				}
				time.Sleep(time.Duration(rng.Intn(500)) * time.Microsecond)
				if err := ch.Close(); err != nil {
					logrus.Errorf("sim: close %d: %v", id, err)
				}
				atomic.AddInt64(&cycles, 1)
			}
		})
	}

	// Fault injector: random hardware misbehavior against whatever is
	// currently bound.
	var faults int64
	g.Go(func() error {
		rng := rand.New(rand.NewSource(c.seed ^ 0x5eed))
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(1+rng.Intn(20)) * time.Millisecond):
			}
			id := uint32(rng.Intn(int(c.channels)))
			target := fifo.ChannelTarget(id)
			switch rng.Intn(4) {
			case 0:
				gpu.SetEngineBusy(0, target)
				gpu.InjectMMUFault(0, instPtrFor(id), rng.Intn(2) == 0)
			case 1:
				gpu.SetPbdmaServing(0, target)
				gpu.InjectPbdmaGPCrcError(0)
			case 2:
				gpu.SetPbdmaServing(0, target)
				gpu.InjectPbdmaAcquireTimeout(0)
			case 3:
				gpu.InjectCtxswTimeout(0, target)
			}
			atomic.AddInt64(&faults, 1)
		}
	})

	if err := g.Wait(); err != nil {
		logrus.Errorf("fifo sim: %v", err)
		return subcommands.ExitFailure
	}
	logrus.Infof("fifo sim: %d channel cycles, %d faults injected, %d engine resets",
		atomic.LoadInt64(&cycles), atomic.LoadInt64(&faults), atomic.LoadInt64(&resetter.resets))
	return subcommands.ExitSuccess
}
