// Copyright 2026 The gpuvm Authors.
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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gpuvm.dev/gpuvm/pkg/device"
	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/gpuvm"
	"gpuvm.dev/gpuvm/pkg/pte"
	"gpuvm.dev/gpuvm/pkg/vmid"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	configPath string
	vms        int
	iters      int
	seed       int64
	verbose    bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run a concurrent map/unmap/flush workload against an in-process device"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags]

Creates one device and drives concurrent address spaces through mapping,
flushing and VMID acquisition, reporting totals at the end.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "", "TOML device configuration; defaults apply if empty")
	f.IntVar(&s.vms, "vms", 4, "number of concurrent address spaces")
	f.IntVar(&s.iters, "iters", 100, "map/flush iterations per address space")
	f.Int64Var(&s.seed, "seed", time.Now().UnixNano(), "workload randomization seed")
	f.BoolVar(&s.verbose, "v", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	logger := logrus.New()
	if s.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg := device.DefaultConfig()
	if s.configPath != "" {
		var err error
		if cfg, err = device.LoadConfig(s.configPath); err != nil {
			logger.WithError(err).Error("bad configuration")
			return subcommands.ExitUsageError
		}
	}
	dev, err := device.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("creating device")
		return subcommands.ExitFailure
	}
	defer dev.Close()

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < s.vms; i++ {
		rng := rand.New(rand.NewSource(s.seed + int64(i)))
		g.Go(func() error {
			return s.runVM(dev, cfg, rng)
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("workload failed")
		return subcommands.ExitFailure
	}
	fmt.Printf("simulated %d address spaces x %d iterations\n", s.vms, s.iters)
	return subcommands.ExitSuccess
}

func (s *Simulate) runVM(dev *device.Device, cfg device.Config, rng *rand.Rand) error {
	vm, err := dev.NewVM()
	if err != nil {
		return err
	}
	defer vm.Destroy()
	fctx := dev.NewFenceContext()

	for i := 0; i < s.iters; i++ {
		pages := uint64(1 + rng.Intn(64))
		first := uint64(rng.Int63n(int64(cfg.MaxPages - pages)))
		src, _, err := dev.Allocator().Allocate(pages)
		if err != nil {
			// Aperture pressure from sibling workers; skip this
			// iteration.
			continue
		}
		if err := vm.Map(first, first+pages-1, src, 0, pte.Valid|pte.Readable|pte.Writable); err != nil {
			if errors.Is(err, gpuverr.ErrOverlap) {
				dev.Allocator().Free(src)
				continue
			}
			return err
		}

		if err := flushWithRetry(vm); err != nil {
			return err
		}

		// Bind a slot for a nominal piece of work and retire it.
		work := fctx.NewFence()
		grant, err := acquireWithRetry(dev, vm, work)
		if err != nil {
			return err
		}
		if grant.NeedFlush {
			if err := flushTLBWithRetry(dev, grant); err != nil {
				return err
			}
		}
		work.Signal()

		if rng.Intn(4) == 0 {
			if err := vm.Unmap(first); err != nil {
				return err
			}
			if err := flushWithRetry(vm); err != nil {
				return err
			}
			dev.Allocator().Free(src)
		}
	}
	return nil
}

// flushTLBWithRetry retries the TLB invalidate while the ring is out of
// space.
func flushTLBWithRetry(dev *device.Device, grant *vmid.Grant) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		_, err := dev.FlushTLB(grant)
		if err != nil && !errors.Is(err, gpuverr.ErrRingFull) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// flushWithRetry retries FlushPending while the ring is out of space.
func flushWithRetry(vm *gpuvm.AddressSpace) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		_, err := vm.FlushPending()
		if err != nil && !errors.Is(err, gpuverr.ErrRingFull) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// acquireWithRetry waits out busy slot pools, blocking on the combined
// fence each BusyError carries.
func acquireWithRetry(dev *device.Device, vm *gpuvm.AddressSpace, work *fence.Fence) (*vmid.Grant, error) {
	for {
		grant, err := dev.AcquireVMID(vm, work)
		if err == nil {
			return grant, nil
		}
		var busy *vmid.BusyError
		if !errors.As(err, &busy) {
			return nil, err
		}
		if werr := busy.Wait.Wait(10 * time.Second); werr != nil {
			return nil, fmt.Errorf("waiting for a vmid: %w", werr)
		}
	}
}
