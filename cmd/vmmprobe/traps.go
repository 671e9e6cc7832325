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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/strata-emu/strata/pkg/config"
	"github.com/strata-emu/strata/pkg/guard"
	"github.com/strata-emu/strata/pkg/hostarch"
	"github.com/strata-emu/strata/pkg/memmgr"
	"github.com/strata-emu/strata/pkg/trap"
)

// trapsCmd implements subcommands.Command for the "traps" command.
type trapsCmd struct {
	fixed bool
}

// Name implements subcommands.Command.Name.
func (*trapsCmd) Name() string {
	return "traps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*trapsCmd) Synopsis() string {
	return "exercise the memory trap fault path end to end"
}

// Usage implements subcommands.Command.Usage.
func (*trapsCmd) Usage() string {
	return `traps - initialize a throwaway guest VMM, trap a page of it, and
drive the fault resolver with guarded accesses.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *trapsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&t.fixed, "fixed", false, "carve the base at a fixed scanned address rather than letting the kernel choose.")
}

// Execute implements subcommands.Command.Execute.
func (t *trapsCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	typ, err := conf.AddressSpaceType()
	if err != nil {
		fmt.Printf("%v\n", err)
		return subcommands.ExitUsageError
	}

	opts := conf.ManagerOpts()
	opts.FixedBase = t.fixed
	m := memmgr.NewManager(opts)
	if err := m.InitializeVmm(typ); err != nil {
		fmt.Printf("initializing VMM: %v\n", err)
		return subcommands.ExitFailure
	}
	defer m.Destroy()

	tm := trap.NewManager(trap.HostProtector{})
	guard.SetResolver(tm)

	base := m.Base()
	page := hostarch.AddrRange{Start: base.Start, End: base.Start + hostarch.PageSize}
	mem, err := m.GuestSlice(page)
	if err != nil {
		fmt.Printf("slicing guest page: %v\n", err)
		return subcommands.ExitFailure
	}
	mem[0] = 0x5a

	h, err := tm.TrapRegions([]hostarch.AddrRange{page},
		false,
		func() { fmt.Printf("read trap fired for %v\n", page) },
		func() { fmt.Printf("write trap fired for %v\n", page) })
	if err != nil {
		fmt.Printf("trapping %v: %v\n", page, err)
		return subcommands.ExitFailure
	}
	defer tm.DeleteTrap(h)

	fmt.Printf("trapped %v read/write\n", page)
	fmt.Printf("guarded read:  %#x\n", guard.ReadByte(mem, 0))
	guard.WriteByte(mem, 0, 0xa5)
	fmt.Printf("guarded write: %#x\n", mem[0])

	if err := tm.RetrapRegions(h, true); err != nil {
		fmt.Printf("retrapping %v: %v\n", page, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("retrapped %v write-only\n", page)
	fmt.Printf("untrapped read: %#x\n", guard.ReadByte(mem, 0))
	guard.WriteByte(mem, 0, 0x5a)
	fmt.Printf("guarded write:  %#x\n", mem[0])
	return subcommands.ExitSuccess
}
