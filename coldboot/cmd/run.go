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
	"os"

	"github.com/google/subcommands"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/kvm"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	state bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the image in a KVM virtual machine"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - boot the image on a KVM vCPU until the kernel stub halts, then
check the state the kernel received.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.state, "state", false, "print the vCPU state at the halt.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if !conf.KernelStub {
		return util.Errorf("run requires --kernel-stub")
	}
	if !kvm.Available() {
		return util.Errorf("KVM is not available")
	}
	img, err := buildImage(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	res, err := kvm.Boot(ctx, img, kvm.Options{MaxExits: conf.MaxExits, Timeout: conf.Timeout})
	if err != nil {
		return util.Errorf("running %v image: %v", conf.Variant, err)
	}
	if r.state {
		if err := writeYAML(os.Stdout, &res.State); err != nil {
			return util.Errorf("writing state: %v", err)
		}
	}
	if err := res.Verify(img); err != nil {
		return util.Errorf("%v: %v", conf.Variant, err)
	}
	util.Infof("%v: kernel entered at %#x with state %s", conf.Variant, res.Handoff.Entry, &res.State)
	return subcommands.ExitSuccess
}
