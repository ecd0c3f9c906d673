// Copyright 2018 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/sim"
)

// Verify implements subcommands.Command for the "verify" command.
type Verify struct {
	variants variantsFlag
	disable  string
}

// Name implements subcommands.Command.Name.
func (*Verify) Name() string {
	return "verify"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Verify) Synopsis() string {
	return "boot images on a simulated processor and check the handoff state"
}

// Usage implements subcommands.Command.Usage.
func (*Verify) Usage() string {
	return `verify [flags] - build and boot images on a processor model that enforces
the architectural rules of each transition, then check the state the kernel
receives.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Verify) SetFlags(f *flag.FlagSet) {
	f.Var(&v.variants, "variants", "comma separated variants to verify, or \"all\". Defaults to the configured variant.")
	f.StringVar(&v.disable, "disable", "", "comma separated processor features to remove: pse, pae, long-mode, giant-pages, xsave.")
}

// features returns the simulated feature set.
func (v *Verify) features() (sim.Features, error) {
	f := sim.AllFeatures
	if v.disable == "" {
		return f, nil
	}
	for _, name := range strings.Split(v.disable, ",") {
		switch strings.TrimSpace(name) {
		case "pse":
			f.PSE = false
		case "pae":
			f.PAE = false
		case "long-mode":
			f.LongMode = false
		case "giant-pages":
			f.GiantPages = false
		case "xsave":
			f.XSave = false
		default:
			return f, fmt.Errorf("unknown feature %q", name)
		}
	}
	return f, nil
}

// Execute implements subcommands.Command.Execute.
func (v *Verify) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	features, err := v.features()
	if err != nil {
		return util.Errorf("%v", err)
	}
	variants := v.variants
	if len(variants) == 0 {
		variants = variantsFlag{conf.Variant}
	}

	var (
		mu      sync.Mutex
		results = make(map[pagetables.Variant]error)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, variant := range variants {
		variant := variant
		c := conf.Copy()
		c.Variant = variant
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := verifyOne(c, features)
			mu.Lock()
			results[variant] = err
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("%v", err)
	}

	failed := 0
	for _, variant := range variants {
		if err := results[variant]; err != nil {
			failed++
			util.Infof("%v: FAIL: %v", variant, err)
			continue
		}
		util.Infof("%v: ok", variant)
	}
	if failed > 0 {
		return util.Errorf("%d of %d variants failed", failed, len(variants))
	}
	return subcommands.ExitSuccess
}

func verifyOne(conf *config.Config, features sim.Features) error {
	// The simulated call reads the entry point, so something must be
	// there.
	conf.KernelStub = true
	img, err := buildImage(conf)
	if err != nil {
		return err
	}
	cpu, err := sim.Boot(img, features)
	if err != nil {
		if cpu != nil {
			s := cpu.State()
			log.Debugf("%v: state at fault: %s", conf.Variant, &s)
		}
		return err
	}
	return sim.Verify(cpu, img)
}
