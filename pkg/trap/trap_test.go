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

package trap

import (
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/strata-emu/strata/pkg/hostarch"
	"github.com/strata-emu/strata/pkg/sync"
)

// fakeProtector records the access applied to each page instead of calling
// mprotect. Pages never touched report full access. err fails every call;
// failOn fails only the call with that 1-based sequence number.
type fakeProtector struct {
	mu     sync.Mutex
	pages  map[hostarch.Addr]hostarch.AccessType
	err    error
	failOn int
	calls  int
}

func newFakeProtector() *fakeProtector {
	return &fakeProtector{pages: make(map[hostarch.Addr]hostarch.AccessType)}
}

// Protect implements Protector.Protect.
func (p *fakeProtector) Protect(ar hostarch.AddrRange, access hostarch.AccessType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	if p.failOn != 0 && p.calls == p.failOn {
		return errors.New("simulated protect failure")
	}
	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		p.pages[page] = access
	}
	return nil
}

func (p *fakeProtector) access(page hostarch.Addr) hostarch.AccessType {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.pages[page]; ok {
		return a
	}
	return hostarch.AnyAccess
}

func (p *fakeProtector) snapshot() map[hostarch.Addr]hostarch.AccessType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.pages)
}

func checkAccess(t *testing.T, p *fakeProtector, page hostarch.Addr, want hostarch.AccessType) {
	t.Helper()
	if got := p.access(page); got != want {
		t.Errorf("page %#x has access %v, want %v", page, got, want)
	}
}

const testBase hostarch.Addr = 0x100000

func pageRange(first, count int) hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: testBase + hostarch.Addr(first)*hostarch.PageSize,
		End:   testBase + hostarch.Addr(first+count)*hostarch.PageSize,
	}
}

func TestTrapprotection(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	h, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 2)}, true, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.ReadExecute)

	if err := m.DeleteTrap(h); err != nil {
		t.Fatalf("DeleteTrap: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.AnyAccess)
}

func TestTrapUnaligned(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	// A sub-page range protects its whole page.
	ar := hostarch.AddrRange{Start: testBase + 10, End: testBase + 20}
	if _, err := m.TrapRegions([]hostarch.AddrRange{ar}, false, nil, nil); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	checkAccess(t, p, testBase, hostarch.NoAccess)
}

func TestTrapUnion(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	// A write-only trap over pages 0-1 and a read/write trap over pages
	// 1-2: the shared page takes the stricter protection.
	hA, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 2)}, true, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	hB, err := m.TrapRegions([]hostarch.AddrRange{pageRange(1, 2)}, false, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.NoAccess)
	checkAccess(t, p, pageRange(2, 1).Start, hostarch.NoAccess)

	// Deleting the read/write trap relaxes the shared page only as far as
	// the surviving trap allows.
	if err := m.DeleteTrap(hB); err != nil {
		t.Fatalf("DeleteTrap: %v", err)
	}
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(2, 1).Start, hostarch.AnyAccess)

	if err := m.RemoveTrap(hA); err != nil {
		t.Fatalf("RemoveTrap: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.AnyAccess)
}

func TestRetrapRegions(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	h, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if !m.OnProtectionFault(pageRange(0, 1).Start, true) {
		t.Fatalf("OnProtectionFault did not claim a trapped write")
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)

	if err := m.RetrapRegions(h, true); err != nil {
		t.Fatalf("RetrapRegions: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.ReadExecute)

	// Retrapping can also raise the level beyond the original.
	if err := m.RetrapRegions(h, false); err != nil {
		t.Fatalf("RetrapRegions: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.NoAccess)
}

func TestRetrapIdempotence(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	h, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 2)}, true, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if err := m.RetrapRegions(h, true); err != nil {
		t.Fatalf("RetrapRegions: %v", err)
	}
	once := p.snapshot()
	if err := m.RetrapRegions(h, true); err != nil {
		t.Fatalf("second RetrapRegions: %v", err)
	}
	if twice := p.snapshot(); !maps.Equal(once, twice) {
		t.Errorf("retrapping twice changed page access: %v vs %v", once, twice)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.ReadExecute)
}

func TestStaleHandle(t *testing.T) {
	m := NewManager(newFakeProtector())

	var he HandleError
	if err := m.RetrapRegions(Handle{}, true); !errors.As(err, &he) {
		t.Errorf("RetrapRegions(zero handle) = %v, wanted HandleError", err)
	}

	h, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if err := m.DeleteTrap(h); err != nil {
		t.Fatalf("DeleteTrap: %v", err)
	}
	for _, op := range []struct {
		name string
		call func() error
	}{
		{"DeleteTrap", func() error { return m.DeleteTrap(h) }},
		{"RemoveTrap", func() error { return m.RemoveTrap(h) }},
		{"RetrapRegions", func() error { return m.RetrapRegions(h, true) }},
	} {
		if err := op.call(); !errors.As(err, &he) {
			t.Errorf("%s after DeleteTrap = %v, wanted HandleError", op.name, err)
		}
	}

	// The freed slot is recycled with a new generation; the old handle
	// stays dead.
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil, nil); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if err := m.RemoveTrap(h); !errors.As(err, &he) {
		t.Errorf("RemoveTrap with a recycled slot = %v, wanted HandleError", err)
	}
}

func TestTrapRegionsErrors(t *testing.T) {
	m := NewManager(newFakeProtector())
	if _, err := m.TrapRegions(nil, true, nil, nil); err == nil {
		t.Errorf("TrapRegions(nil) succeeded")
	}
	if _, err := m.TrapRegions([]hostarch.AddrRange{{Start: testBase, End: testBase}}, true, nil, nil); err == nil {
		t.Errorf("TrapRegions with an empty range succeeded")
	}
	if _, err := m.TrapRegions([]hostarch.AddrRange{{Start: testBase, End: testBase - 1}}, true, nil, nil); err == nil {
		t.Errorf("TrapRegions with a malformed range succeeded")
	}
}

func TestTrapRegionsProtectFailure(t *testing.T) {
	p := newFakeProtector()
	p.err = errors.New("protect failed")
	m := NewManager(p)

	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil, nil); err == nil {
		t.Fatalf("TrapRegions succeeded with a failing protector")
	}
	// The failed registration left nothing behind.
	p.err = nil
	if m.OnProtectionFault(pageRange(0, 1).Start, true) {
		t.Errorf("OnProtectionFault claimed a fault after a failed registration")
	}
}

func TestTrapRegionsPartialFailure(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil, nil); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}

	// The second range of the new registration fails to protect after the
	// first was already applied. The rollback must leave the first range
	// at the surviving registration's union, not at the failed one's.
	p.failOn = 3
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 2), pageRange(2, 2)}, false, nil, nil); err == nil {
		t.Fatalf("TrapRegions succeeded past a protect failure")
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(2, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(3, 1).Start, hostarch.AnyAccess)

	// The survivor still resolves faults; the rolled-back pages are not
	// ours.
	if !m.OnProtectionFault(pageRange(0, 1).Start, true) {
		t.Errorf("surviving trap did not claim its fault")
	}
	if m.OnProtectionFault(pageRange(2, 1).Start, true) {
		t.Errorf("rolled-back registration claimed a fault")
	}
}

func TestSameStartRanges(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	// Two ranges of one registration whose page-rounded starts coincide:
	// the longer one must not drop out of the union.
	long := pageRange(0, 3)
	short := hostarch.AddrRange{Start: pageRange(0, 1).Start + 10, End: pageRange(0, 1).Start + 20}
	h, err := m.TrapRegions([]hostarch.AddrRange{long, short}, false, nil, nil)
	if err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.NoAccess)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.NoAccess)
	checkAccess(t, p, pageRange(2, 1).Start, hostarch.NoAccess)

	if err := m.DeleteTrap(h); err != nil {
		t.Fatalf("DeleteTrap: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(2, 1).Start, hostarch.AnyAccess)
}

func TestWriteFault(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)
	var reads, writes int
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, false,
		func() { reads++ }, func() { writes++ }); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}

	// Fault in the middle of the page, not on its boundary.
	addr := pageRange(0, 1).Start + 123
	if !m.OnProtectionFault(addr, true) {
		t.Fatalf("OnProtectionFault did not claim a trapped write")
	}
	if reads != 0 || writes != 1 {
		t.Errorf("callbacks ran %d/%d (read/write), want 0/1", reads, writes)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)

	// A second fault on the same page is stale but still ours; the
	// callback does not run again.
	if !m.OnProtectionFault(addr, true) {
		t.Errorf("OnProtectionFault did not claim a stale fault")
	}
	if writes != 1 {
		t.Errorf("write callback ran %d times, want 1", writes)
	}
}

func TestReadFault(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)
	var reads, writes int
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, false,
		func() { reads++ }, func() { writes++ }); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}

	// A read fault drops the registration to write-only: reads proceed,
	// writes still trap.
	addr := pageRange(0, 1).Start
	if !m.OnProtectionFault(addr, false) {
		t.Fatalf("OnProtectionFault did not claim a trapped read")
	}
	if reads != 1 || writes != 0 {
		t.Errorf("callbacks ran %d/%d (read/write), want 1/0", reads, writes)
	}
	checkAccess(t, p, addr, hostarch.ReadExecute)

	if !m.OnProtectionFault(addr, true) {
		t.Fatalf("OnProtectionFault did not claim the subsequent write")
	}
	if reads != 1 || writes != 1 {
		t.Errorf("callbacks ran %d/%d (read/write), want 1/1", reads, writes)
	}
	checkAccess(t, p, addr, hostarch.AnyAccess)
}

func TestWriteFaultSkipsReadCallback(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)
	var reads, writes int
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, false,
		func() { reads++ }, func() { writes++ }); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}

	// A direct write fault skips the read side entirely and releases the
	// registration in one step.
	if !m.OnProtectionFault(pageRange(0, 1).Start, true) {
		t.Fatalf("OnProtectionFault did not claim a trapped write")
	}
	if reads != 0 || writes != 1 {
		t.Errorf("callbacks ran %d/%d (read/write), want 0/1", reads, writes)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)
}

func TestUnknownFault(t *testing.T) {
	m := NewManager(newFakeProtector())
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil, nil); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if m.OnProtectionFault(pageRange(5, 1).Start, true) {
		t.Errorf("OnProtectionFault claimed an untrapped address")
	}
}

func TestMultiRangeGroup(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)
	var writes int
	regions := []hostarch.AddrRange{pageRange(0, 1), pageRange(4, 2)}
	if _, err := m.TrapRegions(regions, true, nil, func() { writes++ }); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(4, 1).Start, hostarch.ReadExecute)
	checkAccess(t, p, pageRange(5, 1).Start, hostarch.ReadExecute)

	// One write anywhere in the group releases every range: the
	// registration is a single logical trap.
	if !m.OnProtectionFault(pageRange(4, 1).Start, true) {
		t.Fatalf("OnProtectionFault did not claim a trapped write")
	}
	if writes != 1 {
		t.Errorf("write callback ran %d times, want 1", writes)
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(4, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(5, 1).Start, hostarch.AnyAccess)
}

func TestOverlappingFault(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)
	var a, b atomic.Int32
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 1)}, true, nil,
		func() { a.Add(1) }); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}
	if _, err := m.TrapRegions([]hostarch.AddrRange{pageRange(0, 2)}, true, nil,
		func() { b.Add(1) }); err != nil {
		t.Fatalf("TrapRegions: %v", err)
	}

	// A write to the shared page notifies both registrations; the second
	// registration's other page relaxes with it.
	if !m.OnProtectionFault(pageRange(0, 1).Start, true) {
		t.Fatalf("OnProtectionFault did not claim a trapped write")
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("callbacks ran %d/%d, want 1/1", a.Load(), b.Load())
	}
	checkAccess(t, p, pageRange(0, 1).Start, hostarch.AnyAccess)
	checkAccess(t, p, pageRange(1, 1).Start, hostarch.AnyAccess)
}

func TestConcurrentTraps(t *testing.T) {
	p := newFakeProtector()
	m := NewManager(p)

	// Goroutines exercise disjoint page groups through the whole
	// registration life cycle.
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		first := i * 4
		g.Go(func() error {
			for iter := 0; iter < 50; iter++ {
				var writes atomic.Int32
				h, err := m.TrapRegions([]hostarch.AddrRange{pageRange(first, 2)}, true, nil,
					func() { writes.Add(1) })
				if err != nil {
					return err
				}
				if !m.OnProtectionFault(pageRange(first, 1).Start+7, true) {
					return fmt.Errorf("fault at group %d not claimed", first)
				}
				if got := writes.Load(); got != 1 {
					return fmt.Errorf("group %d: write callback ran %d times, want 1", first, got)
				}
				if err := m.RetrapRegions(h, true); err != nil {
					return err
				}
				if err := m.DeleteTrap(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 64; i++ {
		checkAccess(t, p, pageRange(i, 1).Start, hostarch.AnyAccess)
	}
}
