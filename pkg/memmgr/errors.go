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

// ConfigError indicates an unsupported or inconsistent subsystem
// configuration: an unsupported address space width, double initialization,
// or initializing regions before the VMM. It is always fatal to guest
// startup.
type ConfigError struct {
	// Reason describes the misconfiguration.
	Reason string
}

// Error implements error.Error.
func (e ConfigError) Error() string {
	return e.Reason
}

// RangeError indicates a misaligned or out-of-bounds address range passed
// by a caller. It signals a bug in the calling collaborator and is expected
// to be unreachable in a correct build.
type RangeError struct {
	// Range is the offending range.
	Range hostarch.AddrRange

	// Reason describes the violation.
	Reason string
}

// Error implements error.Error.
func (e RangeError) Error() string {
	return fmt.Sprintf("bad range %v: %s", e.Range, e.Reason)
}

// AllocationError indicates that a host allocation or mapping syscall
// failed. The emulator cannot proceed without guest memory, so these are
// fatal for the guest session.
type AllocationError struct {
	// Op is the failing operation.
	Op string

	// Err is the underlying OS error.
	Err error
}

// Error implements error.Error.
func (e AllocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/As.
func (e AllocationError) Unwrap() error {
	return e.Err
}
