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

// Binary vmmprobe inspects the host address space and reports how a guest
// VMM would be laid out on this machine. It is a diagnostic for the guest
// memory subsystem, not part of the emulator proper.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/strata-emu/strata/pkg/config"
	"github.com/strata-emu/strata/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(mapsCmd), "")
	subcommands.Register(new(probeCmd), "")
	subcommands.Register(new(regionsCmd), "")
	subcommands.Register(new(trapsCmd), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			log.Warningf("%v", err)
			os.Exit(1)
		}
	}
	if *debug || conf.Debug {
		log.SetLevel(log.Debug)
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
