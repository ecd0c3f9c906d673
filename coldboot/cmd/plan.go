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
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/sequencer"
	"coldboot.dev/coldboot/pkg/x86"
)

// Plan implements subcommands.Command for the "plan" command.
type Plan struct {
	calls bool
}

// Name implements subcommands.Command.Name.
func (*Plan) Name() string {
	return "plan"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Plan) Synopsis() string {
	return "print the mode transition steps and their encoding"
}

// Usage implements subcommands.Command.Usage.
func (*Plan) Usage() string {
	return `plan [flags] - print the transition program for the configured variant as YAML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Plan) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.calls, "calls", false, "include the processor primitives each step invokes.")
}

type stepView struct {
	ID       sequencer.ID `yaml:"id"`
	Name     string       `yaml:"name"`
	Requires sequencer.ID `yaml:"requires,omitempty"`
	Pre      string       `yaml:"pre"`
	Post     string       `yaml:"post"`
	Address  string       `yaml:"address"`
	Code     string       `yaml:"code"`
	Calls    []string     `yaml:"calls,omitempty"`
}

type planView struct {
	Variant       string     `yaml:"variant"`
	GDTPointer    string     `yaml:"gdt-pointer"`
	CodeSelector  string     `yaml:"code-selector"`
	DataSelector  string     `yaml:"data-selector"`
	StackTop      string     `yaml:"stack-top"`
	PageTableRoot string     `yaml:"page-table-root"`
	Entry         string     `yaml:"entry"`
	XSave         bool       `yaml:"xsave"`
	Steps         []stepView `yaml:"steps"`
}

// Execute implements subcommands.Command.Execute.
func (p *Plan) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	img, err := buildImage(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	v, err := describePlan(img, p.calls)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := writeYAML(os.Stdout, v); err != nil {
		return util.Errorf("writing plan: %v", err)
	}
	return subcommands.ExitSuccess
}

// describePlan encodes each step of img's program separately, at the
// address it occupies in the image.
func describePlan(img *image.Image, calls bool) (*planView, error) {
	plan := img.Plan
	v := &planView{
		Variant:       plan.Variant.String(),
		GDTPointer:    fmt.Sprintf("%#x", plan.GDTPointer),
		CodeSelector:  plan.Selectors.Code.String(),
		DataSelector:  plan.Selectors.Data.String(),
		StackTop:      fmt.Sprintf("%#x", plan.StackTop),
		PageTableRoot: fmt.Sprintf("%#x", plan.PageTableRoot),
		Entry:         fmt.Sprintf("%#x", plan.Entry),
		XSave:         plan.XSave,
	}
	enc := x86.NewEncoder(img.Entry())
	for _, s := range img.Program.Steps {
		start, pc := enc.Len(), enc.PC()
		if err := s.Apply(enc, &plan); err != nil {
			return nil, fmt.Errorf("step %s (%s): %w", s.ID, s.Name, err)
		}
		sv := stepView{
			ID:       s.ID,
			Name:     s.Name,
			Requires: s.Requires,
			Pre:      s.Pre,
			Post:     s.Post,
			Address:  fmt.Sprintf("%#x", pc),
			Code:     hex.EncodeToString(enc.Bytes()[start:]),
		}
		if calls {
			var r sequencer.Recorder
			if err := s.Apply(&r, &plan); err != nil {
				return nil, err
			}
			for _, c := range r.Calls {
				sv.Calls = append(sv.Calls, c.String())
			}
		}
		v.Steps = append(v.Steps, sv)
	}
	return v, nil
}
