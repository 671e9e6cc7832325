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

//go:build linux

// Package memmgr administers a guest-sized virtual address space carved out
// of the host's own address space.
//
// The guest base region is backed by a single anonymous shared memory file,
// so additional virtual mappings (mirrors) of slices of the base alias the
// same guest-physical bytes. A chunk ledger tracks the semantic state of
// every byte of the guest address space.
package memmgr

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/strata-emu/strata/pkg/hostarch"
	"github.com/strata-emu/strata/pkg/hostmap"
	"github.com/strata-emu/strata/pkg/log"
	"github.com/strata-emu/strata/pkg/memutil"
	"github.com/strata-emu/strata/pkg/sync"
)

// DefaultMemoryBlockSize is the per-chunk accounting constant used by
// system resource usage, in bytes. The value is guest-ABI-defined and can
// be overridden through Opts.
const DefaultMemoryBlockSize = 0x40

// Opts configures a Manager.
type Opts struct {
	// FixedBase maps the guest base region at an address found by scanning
	// the host memory map, making guest addresses valid host addresses
	// inside the guest address space. When false, the kernel chooses the
	// base address; tests use this since the scan floor need not be free
	// under a test runner.
	FixedBase bool

	// Floor is the lowest host address considered for the carve-out.
	Floor uint64

	// MemoryBlockSize is the per-chunk accounting constant for system
	// resource usage.
	MemoryBlockSize uint64
}

// DefaultOpts returns the production configuration.
func DefaultOpts() Opts {
	return Opts{
		FixedBase:       true,
		Floor:           CarveoutFloor,
		MemoryBlockSize: DefaultMemoryBlockSize,
	}
}

// Manager owns the guest address space: the backing memory file, the chunk
// ledger, and the fixed region layout.
type Manager struct {
	opts Opts

	// mu guards everything below. Lookups take it for reading; ledger and
	// layout mutations take it for writing.
	mu sync.RWMutex

	chunks *ledger

	// addressSpace is the full guest address space.
	addressSpace hostarch.AddrRange

	// base is the carved, file-backed portion of addressSpace.
	base hostarch.AddrRange

	code   hostarch.AddrRange
	alias  hostarch.AddrRange
	heap   hostarch.AddrRange
	stack  hostarch.AddrRange
	tlsIo  hostarch.AddrRange
	layout layout

	// memoryFd is the backing shared memory file. The Manager exclusively
	// owns it.
	memoryFd int

	vmmInitialized     bool
	regionsInitialized bool

	mainStackSize      uint64
	systemResourceSize uint64
}

// NewManager returns a Manager with no address space. InitializeVmm must be
// called before any other operation.
func NewManager(opts Opts) *Manager {
	if opts.MemoryBlockSize == 0 {
		opts.MemoryBlockSize = DefaultMemoryBlockSize
	}
	return &Manager{
		opts:     opts,
		memoryFd: -1,
	}
}

// InitializeVmm carves the guest address space out of the host address
// space and backs it with a shared memory file. It may be called at most
// once per Manager.
func (m *Manager) InitializeVmm(t AddressSpaceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vmmInitialized {
		return ConfigError{Reason: "guest VMM is already initialized"}
	}
	lay, err := layoutFor(t)
	if err != nil {
		return err
	}

	var (
		baseStart uintptr
		flags     = unix.MAP_SHARED
	)
	if m.opts.FixedBase {
		baseStart, err = hostmap.FindSelfCarveout(lay.baseSize, hostarch.RegionAlignment, m.opts.Floor, lay.addressSpaceSize)
		if err != nil {
			return AllocationError{Op: "carve guest address space", Err: err}
		}
		flags |= unix.MAP_FIXED
	}

	fd, err := memutil.CreateMemFD("guest-as", 0)
	if err != nil {
		return AllocationError{Op: "create guest memory file", Err: err}
	}
	if err := memutil.Truncate(fd, lay.baseSize); err != nil {
		unix.Close(fd)
		return AllocationError{Op: "size guest memory file", Err: err}
	}

	// Map with write-only protection; the binding layers apply finer
	// per-page protections later.
	addr, err := memutil.MapFile(baseStart, uintptr(lay.baseSize), unix.PROT_WRITE, uintptr(flags), uintptr(fd), 0)
	if err != nil {
		unix.Close(fd)
		return AllocationError{Op: "map guest base region", Err: err}
	}

	m.layout = lay
	m.base = hostarch.AddrRange{Start: hostarch.Addr(addr), End: hostarch.Addr(addr) + hostarch.Addr(lay.baseSize)}
	m.addressSpace = hostarch.AddrRange{Start: 0, End: hostarch.Addr(lay.addressSpaceSize)}
	if m.base.End > m.addressSpace.End {
		// Kernel-chosen base outside the nominal guest span; extend the
		// ledger to cover it.
		m.addressSpace.End = m.base.End
	}

	var initial []ChunkDescriptor
	if m.base.Start > m.addressSpace.Start {
		initial = append(initial, ChunkDescriptor{
			Addr:  m.addressSpace.Start,
			Size:  uint64(m.base.Start - m.addressSpace.Start),
			State: StateReserved,
		})
	}
	initial = append(initial, ChunkDescriptor{
		Addr:  m.base.Start,
		Size:  m.base.Length(),
		State: StateUnmapped,
	})
	if m.addressSpace.End > m.base.End {
		initial = append(initial, ChunkDescriptor{
			Addr:  m.base.End,
			Size:  uint64(m.addressSpace.End - m.base.End),
			State: StateReserved,
		})
	}
	m.chunks = newLedger(m.addressSpace, initial...)

	m.memoryFd = fd
	m.vmmInitialized = true
	log.Infof("Guest address space (%v): %v, base %v", t, m.addressSpace, m.base)
	return nil
}

// InitializeRegions lays out the code, alias, heap, stack and TLS/IO
// regions for the given size of loaded guest code. If the resulting layout
// is smaller than the carved base, the unused tail is returned to the host;
// the shrink is one-time and never reversed.
func (m *Manager) InitializeRegions(codeSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.vmmInitialized {
		return ConfigError{Reason: "regions initialized without VMM initialization"}
	}
	if m.regionsInitialized {
		return ConfigError{Reason: "regions are already initialized"}
	}
	codeRange := hostarch.AddrRange{Start: m.base.Start, End: m.base.Start + hostarch.Addr(codeSize)}
	if codeSize == 0 || !hostarch.Addr(codeSize).IsRegionAligned() {
		return RangeError{Range: codeRange, Reason: "code region is not region-aligned"}
	}
	if codeSize > CodeRegionCap {
		return RangeError{Range: codeRange, Reason: "code region exceeds the pre-allocated code subrange"}
	}

	m.code = codeRange
	m.alias = hostarch.AddrRange{Start: m.code.End, End: m.code.End + AliasRegionSize}
	m.heap = hostarch.AddrRange{Start: m.alias.End, End: m.alias.End + HeapRegionSize}
	m.stack = hostarch.AddrRange{Start: m.heap.End, End: m.heap.End + StackRegionSize}
	m.tlsIo = hostarch.AddrRange{Start: m.stack.End, End: m.stack.End + TLSIORegionSize}

	newSize := codeSize + AliasRegionSize + HeapRegionSize + StackRegionSize + TLSIORegionSize
	baseSize := m.base.Length()
	if newSize > baseSize {
		return ConfigError{Reason: fmt.Sprintf("guest VMM size exceeds the host carveout: %#x > %#x", newSize, baseSize)}
	}
	if newSize < baseSize {
		tail := hostarch.AddrRange{Start: m.base.Start + hostarch.Addr(newSize), End: m.base.End}
		if err := memutil.Unmap(uintptr(tail.Start), tail.Length()); err != nil {
			return AllocationError{Op: fmt.Sprintf("release unused base tail %v", tail), Err: err}
		}
		m.base.End = tail.Start
		if err := m.chunks.insert(ChunkDescriptor{
			Addr:  tail.Start,
			Size:  tail.Length(),
			State: StateReserved,
		}); err != nil {
			return err
		}
	}

	m.regionsInitialized = true
	log.Debugf("Region map:\nVMM base: %v\nCode:   %v (%#x bytes)\nAlias:  %v\nHeap:   %v\nStack:  %v\nTLS/IO: %v",
		m.base, m.code, m.code.Length(), m.alias, m.heap, m.stack, m.tlsIo)
	return nil
}

// checkMirrorRange validates that ar is a page-aligned, non-empty range
// inside the base region, returning its offset into the backing file.
//
// Precondition: m.mu is locked.
func (m *Manager) checkMirrorRange(ar hostarch.AddrRange) (uint64, error) {
	if !m.vmmInitialized {
		return 0, ConfigError{Reason: "VMM is not initialized"}
	}
	if !ar.WellFormed() || ar.Length() == 0 {
		return 0, RangeError{Range: ar, Reason: "empty or malformed range"}
	}
	if !m.base.IsSupersetOf(ar) {
		return 0, RangeError{Range: ar, Reason: "outside the VMM base region"}
	}
	offset := uint64(ar.Start - m.base.Start)
	if !hostarch.Addr(offset).IsPageAligned() || !hostarch.Addr(ar.Length()).IsPageAligned() {
		return 0, RangeError{Range: ar, Reason: "not page-aligned"}
	}
	return offset, nil
}

// CreateMirror maps the guest range ar a second time at a host-chosen
// address, aliasing the same backing bytes, with read/write/execute
// permission. The caller owns the returned mapping and releases it with
// memutil.UnmapSlice, independent of the backing store's lifetime.
func (m *Manager) CreateMirror(ar hostarch.AddrRange) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, err := m.checkMirrorRange(ar)
	if err != nil {
		return nil, err
	}
	slice, err := memutil.MapSlice(0, uintptr(ar.Length()), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED, uintptr(m.memoryFd), uintptr(offset))
	if err != nil {
		return nil, AllocationError{Op: fmt.Sprintf("mirror %v", ar), Err: err}
	}
	return slice, nil
}

// CreateMirrors maps several guest ranges contiguously at a fresh host
// address, giving the caller one contiguous view of discontiguous guest
// storage. The ranges alias the same backing bytes as the originals.
func (m *Manager) CreateMirrors(ranges []hostarch.AddrRange) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalSize uint64
	offsets := make([]uint64, 0, len(ranges))
	for _, ar := range ranges {
		offset, err := m.checkMirrorRange(ar)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, offset)
		totalSize += ar.Length()
	}
	if totalSize == 0 {
		return nil, RangeError{Reason: "no regions to mirror"}
	}

	// Reserve one contiguous span, then map each region at its offset
	// inside it.
	reservation, err := memutil.MapSlice(0, uintptr(totalSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if err != nil {
		return nil, AllocationError{Op: fmt.Sprintf("reserve mirror base (%#x bytes)", totalSize), Err: err}
	}
	mirrorBase := memutil.SliceAddr(reservation)
	var mirrorOffset uint64
	for i, ar := range ranges {
		if _, err := memutil.MapFile(mirrorBase+uintptr(mirrorOffset), uintptr(ar.Length()), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED|unix.MAP_FIXED, uintptr(m.memoryFd), uintptr(offsets[i])); err != nil {
			memutil.UnmapSlice(reservation)
			return nil, AllocationError{Op: fmt.Sprintf("mirror %v", ar), Err: err}
		}
		mirrorOffset += ar.Length()
	}
	return reservation, nil
}

// FreeMemory reclaims the backing storage of ar by punching a hole in the
// backing file, leaving every virtual mapping of it intact; subsequent
// reads return zeroes. Virtual protection is deliberately untouched so that
// permission changes and reclamation can be sequenced independently.
func (m *Manager) FreeMemory(ar hostarch.AddrRange) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, err := m.checkMirrorRange(ar)
	if err != nil {
		return err
	}
	if err := memutil.Decommit(m.memoryFd, offset, ar.Length()); err != nil {
		return AllocationError{Op: fmt.Sprintf("free memory %v", ar), Err: err}
	}
	return nil
}

// InsertChunk merges the given state assignment into the chunk ledger.
func (m *Manager) InsertChunk(c ChunkDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.vmmInitialized {
		return ConfigError{Reason: "VMM is not initialized"}
	}
	return m.chunks.insert(c)
}

// Get returns the chunk covering addr, if any.
func (m *Manager) Get(addr hostarch.Addr) (ChunkDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.vmmInitialized {
		return ChunkDescriptor{}, false
	}
	return m.chunks.get(addr)
}

// Chunks returns a snapshot of the ledger in address order.
func (m *Manager) Chunks() []ChunkDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.vmmInitialized {
		return nil
	}
	return m.chunks.snapshot()
}

// SetMainStackSize records the guest main thread's stack size for usage
// accounting.
func (m *Manager) SetMainStackSize(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mainStackSize = size
}

// SetSystemResourceSize records the guest-declared system resource budget.
func (m *Manager) SetSystemResourceSize(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemResourceSize = size
}

// GetUserMemoryUsage returns the guest-visible memory usage: all heap
// chunks plus the code region and the main thread stack.
func (m *Manager) GetUserMemoryUsage() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var size uint64
	if m.chunks != nil {
		m.chunks.forEach(func(c ChunkDescriptor) bool {
			if c.State == StateHeap {
				size += c.Size
			}
			return true
		})
	}
	return size + m.code.Length() + m.mainStackSize
}

// GetSystemResourceUsage returns the ledger bookkeeping charge against the
// guest-declared system resource budget.
func (m *Manager) GetSystemResourceUsage() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count uint64
	if m.chunks != nil {
		count = uint64(m.chunks.count())
	}
	charge := uint64(hostarch.Addr(count * m.opts.MemoryBlockSize).MustRoundUp())
	if charge > m.systemResourceSize {
		charge = m.systemResourceSize
	}
	return charge
}

// Base returns the carved base region.
func (m *Manager) Base() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base
}

// AddressSpace returns the full guest address space.
func (m *Manager) AddressSpace() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addressSpace
}

// CodeRegion returns the code region. Valid after InitializeRegions.
func (m *Manager) CodeRegion() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

// AliasRegion returns the alias region. Valid after InitializeRegions.
func (m *Manager) AliasRegion() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alias
}

// HeapRegion returns the heap region. Valid after InitializeRegions.
func (m *Manager) HeapRegion() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heap
}

// StackRegion returns the stack region. Valid after InitializeRegions.
func (m *Manager) StackRegion() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stack
}

// TLSIORegion returns the TLS/IO region. Valid after InitializeRegions.
func (m *Manager) TLSIORegion() hostarch.AddrRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tlsIo
}

// Destroy unmaps the base region and closes the backing file. The Manager
// must not be used afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.vmmInitialized {
		return
	}
	if err := memutil.Unmap(uintptr(m.base.Start), m.base.Length()); err != nil {
		log.Warningf("Failed to unmap guest base %v: %v", m.base, err)
	}
	unix.Close(m.memoryFd)
	m.memoryFd = -1
	m.vmmInitialized = false
	m.regionsInitialized = false
	m.chunks = nil
}
