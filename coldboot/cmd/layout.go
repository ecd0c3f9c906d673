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

	"github.com/google/subcommands"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/image"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	mappings bool
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print where each boot structure is placed"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags] - print the image regions and page table geometry as YAML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.mappings, "mappings", false, "list every terminal mapping of the page tables.")
}

type regionView struct {
	Name    string        `yaml:"name"`
	Section image.Section `yaml:"section"`
	Start   string        `yaml:"start"`
	End     string        `yaml:"end"`
	Size    uint64        `yaml:"size"`
	Align   string        `yaml:"align"`
}

type levelView struct {
	Name    string `yaml:"name"`
	Base    string `yaml:"base"`
	Tables  int    `yaml:"tables"`
	Entries int    `yaml:"entries"`
	Size    uint64 `yaml:"size"`
}

type mappingView struct {
	Start    string `yaml:"start"`
	Length   string `yaml:"length"`
	Physical string `yaml:"physical"`
	Writable bool   `yaml:"writable"`
	User     bool   `yaml:"user"`
}

type layoutView struct {
	Variant   string        `yaml:"variant"`
	Base      string        `yaml:"base"`
	FileEnd   string        `yaml:"file-end"`
	End       string        `yaml:"end"`
	Regions   []regionView  `yaml:"regions"`
	PageSize  string        `yaml:"page-size"`
	Levels    []levelView   `yaml:"levels"`
	Mappings  []mappingView `yaml:"mappings,omitempty"`
	TableSize uint64        `yaml:"table-bytes"`
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	img, err := buildImage(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	v, err := describeLayout(img, l.mappings)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := writeYAML(os.Stdout, v); err != nil {
		return util.Errorf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func describeLayout(img *image.Image, mappings bool) (*layoutView, error) {
	lay := img.Layout
	t := img.Tree
	v := &layoutView{
		Variant:  img.Config.Variant.String(),
		Base:     fmt.Sprintf("%#x", lay.Base()),
		FileEnd:  fmt.Sprintf("%#x", lay.FileEnd()),
		End:      fmt.Sprintf("%#x", lay.End()),
		PageSize: fmt.Sprintf("%#x", t.Scheme().PageSize()),
	}
	for _, r := range lay.Regions() {
		v.Regions = append(v.Regions, regionView{
			Name:    r.Name,
			Section: r.Section,
			Start:   fmt.Sprintf("%#x", r.Addr),
			End:     fmt.Sprintf("%#x", r.End()),
			Size:    r.Size,
			Align:   fmt.Sprintf("%#x", r.Align),
		})
	}
	for i, level := range t.Scheme().Built() {
		v.Levels = append(v.Levels, levelView{
			Name:    level.Name,
			Base:    fmt.Sprintf("%#x", t.Bases[i]),
			Tables:  t.Tables[i],
			Entries: t.Entries[i],
			Size:    t.LevelSize(i),
		})
		v.TableSize += t.LevelSize(i)
	}
	if mappings {
		ms, err := t.Mappings(img.Memory())
		if err != nil {
			return nil, fmt.Errorf("reading mappings: %w", err)
		}
		for _, m := range ms {
			v.Mappings = append(v.Mappings, mappingView{
				Start:    fmt.Sprintf("%#x", m.Start),
				Length:   fmt.Sprintf("%#x", m.Length),
				Physical: fmt.Sprintf("%#x", m.Physical),
				Writable: m.Opts.Writable,
				User:     m.Opts.User,
			})
		}
	}
	return v, nil
}
