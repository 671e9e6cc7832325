// Copyright 2024 The Strata Authors.
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

// Package config holds the guest memory subsystem's tunable settings.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/strata-emu/strata/pkg/memmgr"
)

// Config is the guest memory configuration, loadable from a TOML file.
type Config struct {
	// AddressSpace selects the guest address space width: "32bit",
	// "32bit-no-reserved", "36bit" or "39bit".
	AddressSpace string `toml:"address_space"`

	// CarveoutFloor is the lowest host address considered for the guest
	// carve-out.
	CarveoutFloor uint64 `toml:"carveout_floor"`

	// MemoryBlockSize is the per-chunk accounting constant for system
	// resource usage, in bytes. This is a guest-ABI-defined value, not
	// something derivable by the subsystem.
	MemoryBlockSize uint64 `toml:"memory_block_size"`

	// SystemResourceSize is the guest-declared system resource budget, in
	// bytes. Normally supplied by the loaded guest program's metadata; a
	// configured value overrides it.
	SystemResourceSize uint64 `toml:"system_resource_size"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		AddressSpace:    "39bit",
		CarveoutFloor:   memmgr.CarveoutFloor,
		MemoryBlockSize: memmgr.DefaultMemoryBlockSize,
	}
}

// Load reads a configuration from the TOML file at path. Settings absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := c.AddressSpaceType(); err != nil {
		return err
	}
	if c.MemoryBlockSize == 0 {
		return fmt.Errorf("memory_block_size must be positive")
	}
	return nil
}

// AddressSpaceType returns the configured width selector.
func (c *Config) AddressSpaceType() (memmgr.AddressSpaceType, error) {
	switch c.AddressSpace {
	case "32bit":
		return memmgr.AddressSpace32Bit, nil
	case "32bit-no-reserved":
		return memmgr.AddressSpace32BitNoReserved, nil
	case "36bit":
		return memmgr.AddressSpace36Bit, nil
	case "39bit":
		return memmgr.AddressSpace39Bit, nil
	default:
		return 0, fmt.Errorf("unknown address space width %q", c.AddressSpace)
	}
}

// ManagerOpts converts the configuration into memory manager options.
func (c *Config) ManagerOpts() memmgr.Opts {
	opts := memmgr.DefaultOpts()
	opts.Floor = c.CarveoutFloor
	opts.MemoryBlockSize = c.MemoryBlockSize
	return opts
}
