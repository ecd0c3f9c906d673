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
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"

	"coldboot.dev/coldboot/coldboot/cmd/util"
	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/log"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	output string
	wait   bool
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build a bootable flat image"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build [flags] - assemble the boot image for the configured variant.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "output", "coldboot.img", "path of the image file to write.")
	f.BoolVar(&b.wait, "wait", false, "wait for a concurrent build of the same output instead of failing.")
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	img, err := buildImage(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := writeImage(b.output, b.wait, img.Bytes()); err != nil {
		return util.Errorf("writing image: %v", err)
	}
	util.Infof("Wrote %v image to %s: %d bytes, entry %#x, load address %#x", conf.Variant, b.output, len(img.Bytes()), img.Entry(), img.Layout.Base())
	return subcommands.ExitSuccess
}

// writeImage replaces path with data. A lock file serializes concurrent
// builds of the same path and the rename keeps readers from seeing a partial
// image.
func writeImage(path string, wait bool, data []byte) error {
	lock := flock.New(path + ".lock")
	if wait {
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("locking %q: %w", lock.Path(), err)
		}
	} else {
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("locking %q: %w", lock.Path(), err)
		}
		if !ok {
			return fmt.Errorf("%q is locked by another build", lock.Path())
		}
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.Debugf("Renamed %s to %s", tmp.Name(), path)
	return nil
}
