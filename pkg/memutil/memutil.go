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

// Package memutil provides utilities for working with shared memory files
// and virtual mappings of them.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CreateMemFD creates a memfd file and returns the fd.
func CreateMemFD(name string, flags int) (int, error) {
	fd, err := unix.MemfdCreate(name, flags|unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	return fd, nil
}

// Truncate sets the size of the given memfd.
func Truncate(fd int, size uint64) error {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate to %#x bytes: %w", size, err)
	}
	return nil
}

// Decommit releases the backing store of [offset, offset+length) in the
// given memfd without changing the file size or any mapping of it.
// Subsequent reads of the punched range return zeroes.
//
// This is a hole punch rather than an madvise so that it succeeds regardless
// of the current protection of any mapping of the range; protection changes
// and reclamation can then be sequenced independently.
func Decommit(fd int, offset, length uint64) error {
	// "After a successful call, subsequent reads from this range will
	// return zeroes. The FALLOC_FL_PUNCH_HOLE flag must be ORed with
	// FALLOC_FL_KEEP_SIZE in mode ..." - fallocate(2)
	if err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length)); err != nil {
		return fmt.Errorf("fallocate(PUNCH_HOLE) [%#x, %#x): %w", offset, offset+length, err)
	}
	return nil
}

// Protect changes the protection of the n bytes mapped at addr.
func Protect(addr uintptr, n uint64, prot int) error {
	if n == 0 {
		return nil
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_MPROTECT, addr, uintptr(n), uintptr(prot)); errno != 0 {
		return fmt.Errorf("mprotect [%#x, %#x) to %#x: %w", addr, addr+uintptr(n), prot, errno)
	}
	return nil
}
