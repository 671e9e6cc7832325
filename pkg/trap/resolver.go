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
	"github.com/strata-emu/strata/pkg/hostarch"
	"github.com/strata-emu/strata/pkg/log"
)

// OnProtectionFault resolves a host memory-protection fault at addr. It
// returns true if the fault belonged to a registered trap and the faulting
// access can now be retried, and false if the fault is not ours, in which
// case the caller must escalate to default fault handling.
//
// For a write fault, the write callback of every registration covering the
// faulting page that still requires any protection is invoked and that
// registration stops requiring protection; the resource is now known
// dirty, so further accesses need no observation until it is re-trapped.
// For a read fault, the read callback of every registration requiring
// read/write protection is invoked and that registration drops to
// write-only; the resource is now in sync, but future writes must still be
// seen. Page protection is then relaxed to the recomputed union, which
// guarantees the retried access cannot fault again for the same reason.
//
// OnProtectionFault runs on whichever thread faulted, called from the
// platform fault adapter. Callbacks run with the trap lock held.
func (m *Manager) OnProtectionFault(addr hostarch.Addr, isWrite bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := addr.RoundDown()
	faultRange := hostarch.AddrRange{Start: page, End: page + hostarch.PageSize}

	// Dedup by slot: a registration may contribute several intervals to
	// the same page.
	hit := make(map[int]*entry)
	m.forEachOverlapping(faultRange, func(iv interval) {
		if e := m.slots[iv.index].entry; e != nil {
			hit[iv.index] = e
		}
	})
	if len(hit) == 0 {
		return false
	}

	affected := faultRange
	for _, e := range hit {
		var cb Callback
		switch {
		case isWrite && e.protection >= ProtectWriteOnly:
			cb = e.writeCallback
			e.protection = ProtectNone
		case !isWrite && e.protection == ProtectReadWrite:
			cb = e.readCallback
			e.protection = ProtectWriteOnly
		default:
			// Already relaxed; the page protection was stale.
			continue
		}
		if cb != nil {
			cb()
		}
		// The whole registration changed level, so all of its pages need
		// their unions recomputed, not just the faulting one.
		for _, r := range e.ranges {
			if err := m.reprotectRange(r); err != nil {
				log.Warningf("Failed to relax protection of %v after fault at %#x: %v", r, uint64(addr), err)
			}
		}
	}
	// Reapply the faulting page's union even if every entry was already
	// relaxed, so a stale protection cannot refault forever.
	if err := m.reprotectRange(affected); err != nil {
		log.Warningf("Failed to relax protection of %v after fault at %#x: %v", affected, uint64(addr), err)
	}
	return true
}
