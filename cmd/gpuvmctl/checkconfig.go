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
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gpuvm.dev/gpuvm/pkg/device"
)

// CheckConfig implements subcommands.Command for the "check-config" command.
type CheckConfig struct{}

// Name implements subcommands.Command.Name.
func (*CheckConfig) Name() string {
	return "check-config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CheckConfig) Synopsis() string {
	return "validate a device configuration file"
}

// Usage implements subcommands.Command.Usage.
func (*CheckConfig) Usage() string {
	return `check-config <path>

Parses and validates a TOML device configuration.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*CheckConfig) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*CheckConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := device.LoadConfig(f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("ok: %d vmids, %d pages, %d-bit blocks\n", cfg.VMIDs, cfg.MaxPages, cfg.BlockBits)
	return subcommands.ExitSuccess
}
