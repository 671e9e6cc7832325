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

// Package guard is the platform adapter between host memory-protection
// faults and the trap subsystem's fault resolver.
//
// Host code touches trapped guest memory through guarded accesses. A
// guarded access runs with the runtime's panic-on-fault mode enabled, so a
// protection fault surfaces as a runtime panic carrying the faulting
// address instead of killing the process. The adapter hands the address to
// the registered Resolver and, if the fault was resolved, re-executes the
// access, giving it the same retry semantics a faulting instruction has
// under a signal handler. This keeps the non-portable fault-to-callback
// translation in one place; the interval and ledger logic stays portable.
//
// Faults that no registration covers are not ours: the access panics with
// an UnhandledFaultError, preserving the process-fatal semantics of an
// unexpected fault.
package guard

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/strata-emu/strata/pkg/hostarch"
)

// Resolver resolves protection faults. It is implemented by
// trap.Manager.
type Resolver interface {
	// OnProtectionFault resolves a fault at addr. It returns true if the
	// access may be retried.
	OnProtectionFault(addr hostarch.Addr, isWrite bool) bool
}

// resolver is the registered Resolver, if any.
var resolver atomic.Pointer[Resolver]

// SetResolver registers r as the fault resolver for all guarded accesses.
func SetResolver(r Resolver) {
	resolver.Store(&r)
}

// UnhandledFaultError is the panic value for a fault at an address with no
// registered trap. It is a genuine unexpected process fault and is not
// recoverable by this subsystem.
type UnhandledFaultError struct {
	// Addr is the faulting address.
	Addr uintptr

	// Write is true if the faulting access was a write.
	Write bool
}

// Error implements error.Error.
func (e UnhandledFaultError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	return fmt.Sprintf("unhandled %s fault at %#x", kind, e.Addr)
}

// Read runs fn as a guarded read access. If fn faults on a trapped page,
// the fault is resolved and fn is re-executed, so fn must be repeatable:
// it may run several times, each attempt cut short at the fault.
func Read(fn func()) {
	access(false, fn)
}

// Write runs fn as a guarded write access, with the same retry semantics
// as Read.
func Write(fn func()) {
	access(true, fn)
}

func access(isWrite bool, fn func()) {
	for {
		addr, faulted := attempt(fn)
		if !faulted {
			return
		}
		r := resolver.Load()
		if r == nil || !(*r).OnProtectionFault(hostarch.Addr(addr), isWrite) {
			panic(UnhandledFaultError{Addr: addr, Write: isWrite})
		}
	}
}

// attempt runs fn once, converting a memory fault into its address.
func attempt(fn func()) (faultAddr uintptr, faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			// Runtime fault panics carry the faulting address.
			if fe, ok := r.(interface{ Addr() uintptr }); ok {
				faultAddr = fe.Addr()
				faulted = true
				return
			}
			panic(r)
		}
	}()
	fn()
	return 0, false
}

// ReadByte is a guarded single-byte read of b[i].
func ReadByte(b []byte, i int) byte {
	var v byte
	Read(func() { v = b[i] })
	return v
}

// WriteByte is a guarded single-byte write of b[i].
func WriteByte(b []byte, i int, v byte) {
	Write(func() { b[i] = v })
}

// CopyIn is a guarded copy from the possibly-trapped src into dst. It
// returns the number of bytes copied.
func CopyIn(dst, src []byte) int {
	var n int
	Read(func() { n = copy(dst, src) })
	return n
}

// CopyOut is a guarded copy from src into the possibly-trapped dst. It
// returns the number of bytes copied.
func CopyOut(dst, src []byte) int {
	var n int
	Write(func() { n = copy(dst, src) })
	return n
}
