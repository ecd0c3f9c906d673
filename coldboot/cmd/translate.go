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
	"os"
	"strconv"

	"github.com/google/subcommands"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/pagetables"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct{}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "walk the built page tables for virtual addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] <address>... - translate each address through the image's page tables.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Translate) SetFlags(*flag.FlagSet) {}

type visitView struct {
	Level string `yaml:"level"`
	Table string `yaml:"table"`
	Index int    `yaml:"index"`
	Entry string `yaml:"entry"`
}

type translationView struct {
	Virtual  string      `yaml:"virtual"`
	Physical string      `yaml:"physical,omitempty"`
	PageSize string      `yaml:"page-size,omitempty"`
	Writable bool        `yaml:"writable"`
	User     bool        `yaml:"user"`
	Error    string      `yaml:"error,omitempty"`
	Walk     []visitView `yaml:"walk"`
}

// Execute implements subcommands.Command.Execute.
func (*Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	img, err := buildImage(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	var vs []translationView
	for _, arg := range f.Args() {
		va, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return util.Errorf("invalid address %q: %v", arg, err)
		}
		vs = append(vs, translate(img, va))
	}
	if err := writeYAML(os.Stdout, vs); err != nil {
		return util.Errorf("writing translations: %v", err)
	}
	return subcommands.ExitSuccess
}

// translate walks img's tables for va. Unmapped addresses are reported in
// the result rather than failing.
func translate(img *image.Image, va uint64) translationView {
	tr, err := pagetables.Walk(img.Memory(), img.Config.Variant, img.Tree.Root(), va)
	v := translationView{Virtual: fmt.Sprintf("%#x", va)}
	for _, visit := range tr.Visits {
		v.Walk = append(v.Walk, visitView{
			Level: visit.Level,
			Table: fmt.Sprintf("%#x", visit.Table),
			Index: visit.Index,
			Entry: fmt.Sprintf("%#x", visit.Entry),
		})
	}
	if err != nil {
		v.Error = err.Error()
		return v
	}
	v.Physical = fmt.Sprintf("%#x", tr.Physical)
	v.PageSize = fmt.Sprintf("%#x", tr.PageSize)
	v.Writable = tr.Opts.Writable
	v.User = tr.Opts.User
	return v
}
