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

// Package trap lets subsystems observe guest reads and writes to chosen
// address ranges without guest cooperation, by protecting the ranges' host
// pages and converting the resulting protection faults into callbacks.
//
// Multiple registrations may cover the same pages; the protection applied
// to a page is always the union of what every registration covering it
// requires, never more.
package trap

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/strata-emu/strata/pkg/hostarch"
	"github.com/strata-emu/strata/pkg/log"
	"github.com/strata-emu/strata/pkg/memutil"
	"github.com/strata-emu/strata/pkg/sync"
)

// Protection is the level of protection a callback entry requires.
type Protection int

// Protection levels, in increasing order of restriction.
const (
	// ProtectNone requires no protection.
	ProtectNone Protection = iota

	// ProtectWriteOnly requires only write protection.
	ProtectWriteOnly

	// ProtectReadWrite requires both read and write protection.
	ProtectReadWrite
)

// String implements fmt.Stringer.String.
func (p Protection) String() string {
	switch p {
	case ProtectNone:
		return "None"
	case ProtectWriteOnly:
		return "WriteOnly"
	case ProtectReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("Protection(%d)", int(p))
	}
}

// access returns the host page access to apply for a required protection
// level.
func (p Protection) access() hostarch.AccessType {
	switch p {
	case ProtectWriteOnly:
		return hostarch.ReadExecute
	case ProtectReadWrite:
		return hostarch.NoAccess
	default:
		return hostarch.AnyAccess
	}
}

// Callback is invoked from fault resolution. It runs with the trap lock
// held and must not call back into this package.
type Callback func()

// entry is one logical trap registration: a set of page-aligned intervals
// with the protection level the registration currently requires.
type entry struct {
	ranges        []hostarch.AddrRange
	protection    Protection
	readCallback  Callback
	writeCallback Callback
}

// slot is an arena cell for an entry. The generation is bumped on free so
// stale handles are rejected.
type slot struct {
	generation uint32
	used       bool
	entry      *entry
}

// Handle is an opaque reference to one trap registration. The zero Handle
// is invalid.
type Handle struct {
	index      int
	generation uint32
}

// HandleError indicates use of an invalid or stale trap handle.
type HandleError struct {
	// Handle is the offending handle.
	Handle Handle
}

// Error implements error.Error.
func (e HandleError) Error() string {
	return fmt.Sprintf("invalid trap handle {index %d, generation %d}", e.Handle.index, e.Handle.generation)
}

// interval is a single trapped page span in the interval index.
type interval struct {
	r     hostarch.AddrRange
	index int
}

func intervalLess(a, b interval) bool {
	if a.r.Start != b.r.Start {
		return a.r.Start < b.r.Start
	}
	if a.r.End != b.r.End {
		return a.r.End < b.r.End
	}
	return a.index < b.index
}

// Protector applies host page protection. It is an interface so fault
// tests can observe protection changes without a live mapping.
type Protector interface {
	// Protect sets the protection of the page-aligned range ar.
	Protect(ar hostarch.AddrRange, access hostarch.AccessType) error
}

// HostProtector applies protections to the host's own mappings.
type HostProtector struct{}

// Protect implements Protector.Protect.
func (HostProtector) Protect(ar hostarch.AddrRange, access hostarch.AccessType) error {
	return memutil.Protect(uintptr(ar.Start), ar.Length(), access.Prot())
}

// intervalDegree is the btree degree of the interval index.
const intervalDegree = 8

// Manager is the interval trap map and fault resolver.
//
// A single lock serializes registration, protection recomputation and
// fault resolution: applied page protection is a shared property that
// every registration influences, so direction decisions and mprotect
// calls must be atomic with respect to each other.
type Manager struct {
	protector Protector

	mu        sync.Mutex
	slots     []slot
	freeList  []int
	intervals *btree.BTreeG[interval]
}

// NewManager returns a Manager applying protection through p.
func NewManager(p Protector) *Manager {
	return &Manager{
		protector: p,
		intervals: btree.NewG(intervalDegree, intervalLess),
	}
}

// TrapRegions registers one logical trap over the given guest-backed
// regions and applies protection consistent with writeOnly, combined with
// any pre-existing traps on the same pages. readCallback runs before a
// guest read of a trapped range; writeCallback runs on a guest write.
//
// The returned handle must be deleted with DeleteTrap before the trapped
// mappings are unmapped. Supplying host-only memory is undefined behavior.
func (m *Manager) TrapRegions(regions []hostarch.AddrRange, writeOnly bool, readCallback, writeCallback Callback) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{
		protection:    ProtectReadWrite,
		readCallback:  readCallback,
		writeCallback: writeCallback,
	}
	if writeOnly {
		e.protection = ProtectWriteOnly
	}
	for _, r := range regions {
		if !r.WellFormed() || r.Length() == 0 {
			return Handle{}, fmt.Errorf("trap region %v is empty or malformed", r)
		}
		// Protection is a page property; track whole pages.
		e.ranges = append(e.ranges, hostarch.AddrRange{
			Start: r.Start.RoundDown(),
			End:   r.End.MustRoundUp(),
		})
	}
	if len(e.ranges) == 0 {
		return Handle{}, fmt.Errorf("no trap regions supplied")
	}

	idx := m.allocSlot(e)
	for _, r := range e.ranges {
		m.intervals.ReplaceOrInsert(interval{r: r, index: idx})
	}
	h := Handle{index: idx, generation: m.slots[idx].generation}
	if err := m.reprotect(e.ranges); err != nil {
		for _, r := range e.ranges {
			m.intervals.Delete(interval{r: r, index: idx})
		}
		m.freeSlot(idx)
		// Ranges reprotected before the failure carry this registration's
		// protection; restore the surviving registrations' union.
		if rerr := m.reprotect(e.ranges); rerr != nil {
			log.Warningf("Failed to restore protection of %v after trap rollback: %v", e.ranges, rerr)
		}
		return Handle{}, err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Trapped %d region(s) at %s: %v", len(e.ranges), e.protection, e.ranges)
	}
	return h, nil
}

// RetrapRegions restores protection for an existing registration after it
// was relaxed, again honoring the union across overlapping traps.
func (m *Manager) RetrapRegions(h Handle, writeOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	e.protection = ProtectReadWrite
	if writeOnly {
		e.protection = ProtectWriteOnly
	}
	return m.reprotect(e.ranges)
}

// RemoveTrap lowers the registration's required protection to none without
// forgetting it; pages shared with other registrations keep whatever those
// still require.
func (m *Manager) RemoveTrap(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	e.protection = ProtectNone
	return m.reprotect(e.ranges)
}

// DeleteTrap removes the registration entirely and relaxes its pages to
// whatever other registrations still require.
func (m *Manager) DeleteTrap(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	for _, r := range e.ranges {
		m.intervals.Delete(interval{r: r, index: h.index})
	}
	m.freeSlot(h.index)
	return m.reprotect(e.ranges)
}

// lookup validates h and returns its entry.
//
// Precondition: m.mu is held.
func (m *Manager) lookup(h Handle) (*entry, error) {
	if h.index < 0 || h.index >= len(m.slots) {
		return nil, HandleError{Handle: h}
	}
	s := &m.slots[h.index]
	if !s.used || s.generation != h.generation {
		return nil, HandleError{Handle: h}
	}
	return s.entry, nil
}

// allocSlot stores e in the arena and returns its index.
//
// Precondition: m.mu is held.
func (m *Manager) allocSlot(e *entry) int {
	if n := len(m.freeList); n > 0 {
		idx := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		m.slots[idx].used = true
		m.slots[idx].entry = e
		return idx
	}
	m.slots = append(m.slots, slot{used: true, entry: e})
	return len(m.slots) - 1
}

// freeSlot releases the slot, invalidating outstanding handles to it.
//
// Precondition: m.mu is held.
func (m *Manager) freeSlot(idx int) {
	s := &m.slots[idx]
	s.used = false
	s.entry = nil
	s.generation++
	m.freeList = append(m.freeList, idx)
}

// forEachOverlapping invokes fn for each registered interval overlapping r.
//
// Precondition: m.mu is held.
func (m *Manager) forEachOverlapping(r hostarch.AddrRange, fn func(iv interval)) {
	// Intervals are ordered by start address first, so every interval
	// starting below r.End is a candidate. Trap counts are small; the
	// scan is not a bottleneck.
	m.intervals.AscendLessThan(interval{r: hostarch.AddrRange{Start: r.End}}, func(iv interval) bool {
		if iv.r.End > r.Start {
			fn(iv)
		}
		return true
	})
}

// reprotect applies, for every page of the given ranges, the least
// restrictive host protection satisfying all registrations overlapping
// that page.
//
// Precondition: m.mu is held. The ranges are page-aligned.
func (m *Manager) reprotect(ranges []hostarch.AddrRange) error {
	for _, r := range ranges {
		if err := m.reprotectRange(r); err != nil {
			return err
		}
	}
	return nil
}

// reprotectRange recomputes and applies the protection union over one
// page-aligned range.
//
// Precondition: m.mu is held.
func (m *Manager) reprotectRange(r hostarch.AddrRange) error {
	// Collect the boundaries where the set of overlapping registrations
	// changes.
	cuts := []hostarch.Addr{r.Start, r.End}
	m.forEachOverlapping(r, func(iv interval) {
		if iv.r.Start > r.Start && iv.r.Start < r.End {
			cuts = append(cuts, iv.r.Start)
		}
		if iv.r.End > r.Start && iv.r.End < r.End {
			cuts = append(cuts, iv.r.End)
		}
	})
	sortAddrs(cuts)

	// Walk each segment, computing the maximum required protection, and
	// apply runs of equal protection in single calls.
	var (
		runStart hostarch.Addr
		runProt  Protection
		haveRun  bool
	)
	flush := func(end hostarch.Addr) error {
		if !haveRun || runStart == end {
			return nil
		}
		return m.protector.Protect(hostarch.AddrRange{Start: runStart, End: end}, runProt.access())
	}
	for i := 0; i+1 < len(cuts); i++ {
		seg := hostarch.AddrRange{Start: cuts[i], End: cuts[i+1]}
		if seg.Length() == 0 {
			continue
		}
		prot := ProtectNone
		m.forEachOverlapping(seg, func(iv interval) {
			if e := m.slots[iv.index].entry; e != nil && e.protection > prot {
				prot = e.protection
			}
		})
		if haveRun && prot == runProt {
			continue
		}
		if err := flush(seg.Start); err != nil {
			return err
		}
		runStart = seg.Start
		runProt = prot
		haveRun = true
	}
	return flush(r.End)
}

func sortAddrs(addrs []hostarch.Addr) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
}
