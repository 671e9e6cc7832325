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
	"github.com/strata-emu/strata/pkg/hostmap"
	"github.com/strata-emu/strata/pkg/memmgr"
)

// probeCmd implements subcommands.Command for the "probe" command.
type probeCmd struct{}

// Name implements subcommands.Command.Name.
func (*probeCmd) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*probeCmd) Synopsis() string {
	return "report the guest carve-out this host can provide"
}

// Usage implements subcommands.Command.Usage.
func (*probeCmd) Usage() string {
	return `probe - locate a carve-out for the configured guest address space
without reserving it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*probeCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*probeCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	t, err := conf.AddressSpaceType()
	if err != nil {
		fmt.Printf("%v\n", err)
		return subcommands.ExitUsageError
	}
	baseSize, err := memmgr.BaseSize(t)
	if err != nil {
		fmt.Printf("%v\n", err)
		return subcommands.ExitFailure
	}
	asSize, _ := memmgr.AddressSpaceSize(t)

	start, err := hostmap.FindSelfCarveout(baseSize, hostarch.RegionAlignment, conf.CarveoutFloor, asSize)
	if err != nil {
		fmt.Printf("no carve-out: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("address space: %v (%#x bytes)\n", t, asSize)
	fmt.Printf("carve-out:     %#x-%#x (%#x bytes)\n", uint64(start), uint64(start)+baseSize, baseSize)
	return subcommands.ExitSuccess
}
