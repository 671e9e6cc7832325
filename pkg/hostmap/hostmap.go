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

// Package hostmap inspects the host process's own virtual memory map. It is
// used to locate a free carve-out large enough to hold a guest address
// space.
package hostmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/strata-emu/strata/pkg/hostarch"
)

// Region describes a single mapping of the host process.
type Region struct {
	// Start is the inclusive start address of the mapping.
	Start uintptr

	// End is the exclusive end address of the mapping.
	End uintptr

	// Access is the mapping's protection.
	Access hostarch.AccessType

	// Shared is true if the mapping is MAP_SHARED.
	Shared bool

	// Offset is the file offset, for file-backed mappings.
	Offset uintptr

	// Filename is the backing file's name, or a pseudo-name such as
	// "[stack]".
	Filename string
}

// mapsLine matches a single line from /proc/PID/maps.
var mapsLine = regexp.MustCompile("([0-9a-f]+)-([0-9a-f]+) ([r-][w-][x-][sp]) ([0-9a-f]+) [0-9a-f]{2,}:[0-9a-f]{2,} [0-9]+\\s*(.*)")

// ForEachRegion parses a maps listing from r, invoking fn for every
// mapping, in address order.
func ForEachRegion(r io.Reader, fn func(Region)) error {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadBytes('\n')
		if len(b) > 1 {
			m := mapsLine.FindSubmatch(b)
			if m == nil {
				// This should not happen: kernel bug?
				return fmt.Errorf("badly formed line: %v", string(b))
			}
			start, err := strconv.ParseUint(string(m[1]), 16, 64)
			if err != nil {
				return fmt.Errorf("bad start address: %v", string(b))
			}
			end, err := strconv.ParseUint(string(m[2]), 16, 64)
			if err != nil {
				return fmt.Errorf("bad end address: %v", string(b))
			}
			read := m[3][0] == 'r'
			write := m[3][1] == 'w'
			execute := m[3][2] == 'x'
			shared := m[3][3] == 's'
			offset, err := strconv.ParseUint(string(m[4]), 16, 64)
			if err != nil {
				return fmt.Errorf("bad offset: %v", string(b))
			}
			fn(Region{
				Start: uintptr(start),
				End:   uintptr(end),
				Access: hostarch.AccessType{
					Read:    read,
					Write:   write,
					Execute: execute,
				},
				Shared:   shared,
				Offset:   uintptr(offset),
				Filename: string(m[5]),
			})
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Scan parses the host process's live memory map.
//
// The result is not consistent over time: mappings may come and go between
// and even during calls.
func Scan(fn func(Region)) error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return err
	}
	defer f.Close()
	return ForEachRegion(f, fn)
}

// NoGapError is returned when no gap in the host address space can satisfy
// a carve-out request.
type NoGapError struct {
	// Size is the requested carve-out size.
	Size uint64
}

// Error implements error.Error.
func (e NoGapError) Error() string {
	return fmt.Sprintf("no host address space gap of %#x bytes available", e.Size)
}

// FindCarveout locates the first gap between mappings in the listing read
// from r that can hold size bytes at an address aligned to align, at or
// above floor, and with the gap's end no higher than ceiling. It returns
// the aligned start of the carve-out.
//
// floor exists to keep the carve-out clear of low addresses that host
// drivers allocate from; displacing those allocations starves the drivers
// rather than this process. ceiling bounds the carve-out to addresses
// representable in the guest address space, since guest pointers are host
// pointers in this layout.
func FindCarveout(r io.Reader, size, align, floor, ceiling uint64) (uintptr, error) {
	var (
		found        uintptr
		ok           bool
		alignedStart = (floor + align - 1) &^ (align - 1)
	)
	err := ForEachRegion(r, func(reg Region) {
		if ok || uint64(reg.End) <= floor {
			// Already done, or the mapping lies wholly below the floor.
			return
		}
		if alignedStart+size <= uint64(reg.Start) && alignedStart+size <= ceiling {
			found = uintptr(alignedStart)
			ok = true
			return
		}
		if end := uint64(reg.End); end > alignedStart {
			alignedStart = (end + align - 1) &^ (align - 1)
		}
	})
	if err != nil {
		return 0, err
	}
	// The gap after the last mapping counts too.
	if !ok && alignedStart+size <= ceiling {
		found = uintptr(alignedStart)
		ok = true
	}
	if !ok {
		return 0, NoGapError{Size: size}
	}
	return found, nil
}

// FindSelfCarveout is FindCarveout against the live host memory map.
func FindSelfCarveout(size, align, floor, ceiling uint64) (uintptr, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return FindCarveout(f, size, align, floor, ceiling)
}
