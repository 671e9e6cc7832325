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

import (
	"fmt"

	"github.com/strata-emu/strata/pkg/hostarch"
)

// MemoryState is the semantic state of a chunk of the guest address space.
type MemoryState uint32

// Chunk states.
const (
	// StateUnmapped is address space inside the base region with no
	// current assignment.
	StateUnmapped MemoryState = iota

	// StateReserved is address space outside the base region that must
	// never be handed to the guest.
	StateReserved

	// StateFree is address space released by the guest and available for
	// reuse.
	StateFree

	// StateHeap is guest heap memory; it counts toward user memory usage.
	StateHeap

	// StateCode is immutable guest code.
	StateCode

	// StateCodeMutable is guest code that has been made writable.
	StateCodeMutable

	// StateStack is guest stack memory.
	StateStack

	// StateThreadLocal is guest TLS/IO memory.
	StateThreadLocal

	// StateSharedMemory is memory shared with a guest service or device.
	StateSharedMemory

	// StateMapped is memory mapped on behalf of the guest from another
	// range.
	StateMapped
)

// String implements fmt.Stringer.String.
func (s MemoryState) String() string {
	switch s {
	case StateUnmapped:
		return "Unmapped"
	case StateReserved:
		return "Reserved"
	case StateFree:
		return "Free"
	case StateHeap:
		return "Heap"
	case StateCode:
		return "Code"
	case StateCodeMutable:
		return "CodeMutable"
	case StateStack:
		return "Stack"
	case StateThreadLocal:
		return "ThreadLocal"
	case StateSharedMemory:
		return "SharedMemory"
	case StateMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("MemoryState(%d)", uint32(s))
	}
}

// MemoryAttributes is a bitset of chunk attributes.
type MemoryAttributes uint32

// Chunk attributes.
const (
	// AttributeBorrowed marks memory lent to a guest service.
	AttributeBorrowed MemoryAttributes = 1 << iota

	// AttributeIpcLocked marks memory pinned by an in-flight IPC request.
	AttributeIpcLocked

	// AttributeDeviceShared marks memory shared with an emulated device.
	AttributeDeviceShared

	// AttributeUncached marks memory the guest mapped uncached.
	AttributeUncached
)

// ChunkDescriptor describes a maximal contiguous range of the guest address
// space sharing one (state, permission, attributes) tuple.
type ChunkDescriptor struct {
	// Addr is the start of the chunk.
	Addr hostarch.Addr

	// Size is the chunk's length in bytes.
	Size uint64

	// State is the chunk's semantic state.
	State MemoryState

	// Permission is the guest-visible permission of the chunk.
	Permission hostarch.AccessType

	// Attributes is the chunk's attribute bitset.
	Attributes MemoryAttributes
}

// Range returns the chunk's address range.
func (c ChunkDescriptor) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: c.Addr, End: c.Addr + hostarch.Addr(c.Size)}
}

// End returns the chunk's exclusive end address.
func (c ChunkDescriptor) End() hostarch.Addr {
	return c.Addr + hostarch.Addr(c.Size)
}

// IsCompatible returns true if c and other can be merged into a single
// chunk.
func (c ChunkDescriptor) IsCompatible(other ChunkDescriptor) bool {
	return c.State == other.State && c.Permission == other.Permission && c.Attributes == other.Attributes
}

// String implements fmt.Stringer.String.
func (c ChunkDescriptor) String() string {
	return fmt.Sprintf("%v %s %v attr=%#x", c.Range(), c.State, c.Permission, uint32(c.Attributes))
}
