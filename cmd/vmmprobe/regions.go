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
	"github.com/strata-emu/strata/pkg/hostarch"
	"github.com/strata-emu/strata/pkg/memmgr"
)

// regionsCmd implements subcommands.Command for the "regions" command.
type regionsCmd struct {
	codeSize uint64
	fixed    bool
}

// Name implements subcommands.Command.Name.
func (*regionsCmd) Name() string {
	return "regions"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*regionsCmd) Synopsis() string {
	return "initialize a guest VMM and dump its region map"
}

// Usage implements subcommands.Command.Usage.
func (*regionsCmd) Usage() string {
	return `regions - initialize a throwaway guest VMM, lay out its regions and
dump the resulting chunk ledger.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *regionsCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.codeSize, "code-size", hostarch.RegionAlignment, "size of the simulated guest code region, region-aligned.")
	f.BoolVar(&r.fixed, "fixed", true, "carve the base at a fixed scanned address rather than letting the kernel choose.")
}

// Execute implements subcommands.Command.Execute.
func (r *regionsCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	t, err := conf.AddressSpaceType()
	if err != nil {
		fmt.Printf("%v\n", err)
		return subcommands.ExitUsageError
	}

	opts := conf.ManagerOpts()
	opts.FixedBase = r.fixed
	m := memmgr.NewManager(opts)
	if err := m.InitializeVmm(t); err != nil {
		fmt.Printf("initializing VMM: %v\n", err)
		return subcommands.ExitFailure
	}
	defer m.Destroy()
	if err := m.InitializeRegions(r.codeSize); err != nil {
		fmt.Printf("initializing regions: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("base:   %v\n", m.Base())
	fmt.Printf("code:   %v\n", m.CodeRegion())
	fmt.Printf("alias:  %v\n", m.AliasRegion())
	fmt.Printf("heap:   %v\n", m.HeapRegion())
	fmt.Printf("stack:  %v\n", m.StackRegion())
	fmt.Printf("tls/io: %v\n", m.TLSIORegion())
	fmt.Println("ledger:")
	for _, c := range m.Chunks() {
		fmt.Printf("  %v\n", c)
	}
	return subcommands.ExitSuccess
}
