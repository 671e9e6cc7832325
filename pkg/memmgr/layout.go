// Copyright 2023 The Strata Authors.
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

package memmgr

import "fmt"

// AddressSpaceType selects the guest address space width.
type AddressSpaceType uint32

// Supported address space widths. Only the 39-bit layout is implemented;
// the 32-bit and 36-bit layouts are rejected at initialization.
const (
	AddressSpace32Bit AddressSpaceType = iota
	AddressSpace32BitNoReserved
	AddressSpace36Bit
	AddressSpace39Bit
)

// String implements fmt.Stringer.String.
func (t AddressSpaceType) String() string {
	switch t {
	case AddressSpace32Bit:
		return "32-bit"
	case AddressSpace32BitNoReserved:
		return "32-bit (no reserved)"
	case AddressSpace36Bit:
		return "36-bit"
	case AddressSpace39Bit:
		return "39-bit"
	default:
		return fmt.Sprintf("AddressSpaceType(%d)", uint32(t))
	}
}

// Fixed sizes of the guest memory regions, per address space width.
const (
	// CodeRegionCap is the assumed maximum size of the code region (4 GiB).
	CodeRegionCap = 4 << 30

	// AliasRegionSize is the size of the 39-bit alias region (64 GiB).
	AliasRegionSize = 0x10_0000_0000

	// HeapRegionSize is the size of the 39-bit heap region (6 GiB).
	HeapRegionSize = 0x1_8000_0000

	// StackRegionSize is the size of the 39-bit stack region (2 GiB).
	StackRegionSize = 0x8000_0000

	// TLSIORegionSize is the size of the 39-bit TLS/IO region (64 GiB).
	TLSIORegionSize = 0x10_0000_0000

	// CarveoutFloor is the lowest host address considered for the guest
	// carve-out. The mobile GPU kernel driver allocates from below the
	// 35-bit boundary and goes out of memory if that span is reserved out
	// from under it.
	CarveoutFloor = 1 << 35
)

// BaseSize returns the total carve-out size the given width requires.
func BaseSize(t AddressSpaceType) (uint64, error) {
	lay, err := layoutFor(t)
	if err != nil {
		return 0, err
	}
	return lay.baseSize, nil
}

// AddressSpaceSize returns the full guest address space size of the given
// width.
func AddressSpaceSize(t AddressSpaceType) (uint64, error) {
	lay, err := layoutFor(t)
	if err != nil {
		return 0, err
	}
	return lay.addressSpaceSize, nil
}

// layout is the fixed per-width region layout.
type layout struct {
	// addressSpaceSize is the full guest address space size.
	addressSpaceSize uint64

	// baseSize is the total carve-out size backing the guest regions.
	baseSize uint64
}

// layoutFor returns the fixed layout for the given width. Unsupported
// widths return a ConfigError.
func layoutFor(t AddressSpaceType) (layout, error) {
	switch t {
	case AddressSpace32Bit, AddressSpace32BitNoReserved:
		return layout{}, ConfigError{Reason: "32-bit address spaces are not supported"}

	case AddressSpace36Bit:
		// The 36-bit layout forces the base at a low fixed address that
		// collides with mappings the host runtime owns.
		return layout{}, ConfigError{Reason: "36-bit address spaces are not supported"}

	case AddressSpace39Bit:
		return layout{
			addressSpaceSize: 1 << 39,
			baseSize:         CodeRegionCap + AliasRegionSize + HeapRegionSize + StackRegionSize + TLSIORegionSize,
		}, nil

	default:
		return layout{}, ConfigError{Reason: fmt.Sprintf("unknown address space type %v", t)}
	}
}
