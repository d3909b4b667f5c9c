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

package device

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"gpuvm.dev/gpuvm/pkg/pte"
)

// Config describes one device instance.
type Config struct {
	// VMIDs is the size of the hardware address-space slot pool.
	VMIDs int `toml:"vmids"`

	// MaxPages is the size of each virtual address space, in pages.
	MaxPages uint64 `toml:"max_pages"`

	// BlockBits is the number of page-index bits resolved per page table
	// level.
	BlockBits uint `toml:"block_bits"`

	// BatchLimit caps the entries written by one hardware update op.
	BatchLimit uint32 `toml:"batch_limit"`

	// MaxFragBits is the largest fragment exponent marked on contiguous
	// runs; zero disables the fragment optimization.
	MaxFragBits uint8 `toml:"max_frag_bits"`

	// RingOps is the command ring capacity, in ops.
	RingOps int `toml:"ring_ops"`

	// AperturePages is the size of the device memory aperture.
	AperturePages uint64 `toml:"aperture_pages"`

	// ApertureBase is the device address of the aperture. Must be
	// page-aligned and nonzero so that a zero entry never aliases a real
	// table address.
	ApertureBase uint64 `toml:"aperture_base"`
}

// DefaultConfig returns a workable configuration for tests and tools.
func DefaultConfig() Config {
	return Config{
		VMIDs:         8,
		MaxPages:      1 << 27, // 512 GiB of 4 KiB pages
		BlockBits:     9,
		BatchLimit:    512,
		MaxFragBits:   5,
		RingOps:       4096,
		AperturePages: 8192,
		ApertureBase:  1 << 40,
	}
}

// LoadConfig reads a TOML configuration, applying defaults for absent keys.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects geometries the update machinery cannot express.
func (c Config) Validate() error {
	switch {
	case c.VMIDs < 1:
		return fmt.Errorf("vmids %d < 1", c.VMIDs)
	case c.MaxPages == 0:
		return fmt.Errorf("max_pages is zero")
	case c.BlockBits < 1 || c.BlockBits > 12:
		return fmt.Errorf("block_bits %d outside [1,12]", c.BlockBits)
	case c.BatchLimit == 0:
		return fmt.Errorf("batch_limit is zero")
	case c.MaxFragBits > pte.MaxFrag:
		return fmt.Errorf("max_frag_bits %d > %d", c.MaxFragBits, pte.MaxFrag)
	case c.RingOps < 1:
		return fmt.Errorf("ring_ops %d < 1", c.RingOps)
	case c.AperturePages == 0:
		return fmt.Errorf("aperture_pages is zero")
	case c.ApertureBase == 0 || c.ApertureBase%4096 != 0:
		return fmt.Errorf("aperture_base %#x not page-aligned or zero", c.ApertureBase)
	}
	return nil
}
