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

	"github.com/strata-emu/strata/pkg/hostmap"
)

// mapsCmd implements subcommands.Command for the "maps" command.
type mapsCmd struct{}

// Name implements subcommands.Command.Name.
func (*mapsCmd) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*mapsCmd) Synopsis() string {
	return "print the parsed host memory map"
}

// Usage implements subcommands.Command.Usage.
func (*mapsCmd) Usage() string {
	return `maps - print the parsed host memory map.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*mapsCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*mapsCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	err := hostmap.Scan(func(r hostmap.Region) {
		fmt.Printf("%#x-%#x %v shared=%-5v %s\n", uint64(r.Start), uint64(r.End), r.Access, r.Shared, r.Filename)
	})
	if err != nil {
		fmt.Printf("scanning host maps: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
