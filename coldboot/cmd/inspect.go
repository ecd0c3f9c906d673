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
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/multiboot"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct{}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "decode the multiboot2 header of an image file"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <image> - print the image's multiboot2 header and whether
the file matches the image the current configuration builds.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Inspect) SetFlags(*flag.FlagSet) {}

type headerView struct {
	Offset      int    `yaml:"offset"`
	HeaderAddr  string `yaml:"header-addr"`
	LoadAddr    string `yaml:"load-addr"`
	LoadEndAddr string `yaml:"load-end-addr"`
	BSSEndAddr  string `yaml:"bss-end-addr"`
	Entry       string `yaml:"entry"`
	Size        int    `yaml:"file-size"`
	Matches     bool   `yaml:"matches-config"`
}

// Execute implements subcommands.Command.Execute.
func (*Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		return util.Errorf("reading image: %v", err)
	}
	h, off, err := multiboot.Find(data)
	if err != nil {
		return util.Errorf("%s: %v", f.Arg(0), err)
	}
	v := headerView{
		Offset:      off,
		HeaderAddr:  fmt.Sprintf("%#x", h.HeaderAddr),
		LoadAddr:    fmt.Sprintf("%#x", h.LoadAddr),
		LoadEndAddr: fmt.Sprintf("%#x", h.LoadEndAddr),
		BSSEndAddr:  fmt.Sprintf("%#x", h.BSSEndAddr),
		Entry:       fmt.Sprintf("%#x", h.Entry),
		Size:        len(data),
	}
	if img, err := buildImage(conf); err == nil {
		v.Matches = bytes.Equal(img.Bytes(), data)
	}
	if int(h.LoadEndAddr-h.LoadAddr) != len(data) {
		return util.Errorf("header load range %#x-%#x does not match file size %#x", h.LoadAddr, h.LoadEndAddr, len(data))
	}
	if err := writeYAML(os.Stdout, v); err != nil {
		return util.Errorf("writing header: %v", err)
	}
	return subcommands.ExitSuccess
}
