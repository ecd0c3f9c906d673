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

// Package config provides basic infrastructure to set configuration settings
// for coldboot. Each setting that can be changed from outside (flags, config
// file) has a corresponding field in Config.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohae/deepcopy"

	"coldboot.dev/coldboot/pkg/bits"
	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/pagetables"
)

// Config holds configuration that is not part of a command's own flags.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag for config files.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
//  5. If adding an enum, follow the same pattern as Variant.
type Config struct {
	// ConfigFile is a TOML file read before flags are applied.
	ConfigFile string `flag:"config" toml:"-"`

	// Variant selects the paging scheme and target mode.
	Variant pagetables.Variant `flag:"variant" toml:"variant"`

	// LoadAddress is the physical load address of the image.
	LoadAddress Size `flag:"load-address" toml:"load-address"`

	// RangeSize is the size of the identity mapped range.
	RangeSize Size `flag:"range" toml:"range"`

	// StackSize is the size of the boot stack.
	StackSize Size `flag:"stack-size" toml:"stack-size"`

	// User makes the identity mapping user accessible.
	User bool `flag:"user" toml:"user"`

	// XSave enables the extended state save area.
	XSave bool `flag:"xsave" toml:"xsave"`

	// KernelEntry is the kernel entry point called at handoff.
	KernelEntry Size `flag:"kernel-entry" toml:"kernel-entry"`

	// KernelStub places a halting stub at the kernel entry when the image is
	// run.
	KernelStub bool `flag:"kernel-stub" toml:"kernel-stub"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// DebugLog is a file pattern for debug logs. %COMMAND%, %VARIANT% and
	// %TIMESTAMP% are expanded.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// Timeout bounds guest runs.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`

	// MaxExits is the number of unexpected guest exits tolerated.
	MaxExits int `flag:"max-exits" toml:"max-exits"`
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// ImageConfig returns the image configuration.
func (c *Config) ImageConfig() image.Config {
	return image.Config{
		Variant:     c.Variant,
		LoadAddress: uint64(c.LoadAddress),
		RangeSize:   uint64(c.RangeSize),
		StackSize:   uint64(c.StackSize),
		User:        c.User,
		XSave:       c.XSave,
		KernelEntry: uint64(c.KernelEntry),
		KernelStub:  c.KernelStub,
	}
}

func (c *Config) validate() error {
	if !bits.IsAligned(uint64(c.LoadAddress), hostarch.PageSize) {
		return fmt.Errorf("load-address %v must be page aligned", c.LoadAddress)
	}
	if c.RangeSize == 0 {
		return errors.New("range must be positive")
	}
	if ps := c.Variant.PageSize(); !bits.IsAligned(uint64(c.RangeSize), ps) {
		return fmt.Errorf("range %v must be a multiple of the %v page size %v", c.RangeSize, c.Variant, Size(ps))
	}
	if c.StackSize < image.MinStackSize {
		return fmt.Errorf("stack-size %v is below the minimum %v", c.StackSize, Size(image.MinStackSize))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MaxExits < 0 {
		return fmt.Errorf("max-exits %d must not be negative", c.MaxExits)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Variant: %v", c.Variant)
	log.Infof("Config.LoadAddress: %v", c.LoadAddress)
	log.Infof("Config.RangeSize: %v", c.RangeSize)
	log.Infof("Config.StackSize: %v", c.StackSize)
	log.Infof("Config.KernelEntry: %v", c.KernelEntry)
	log.Infof("Config.User: %t, XSave: %t, KernelStub: %t", c.User, c.XSave, c.KernelStub)
	log.Infof("Config.Debug: %t", c.Debug)
}

// Size is a byte count or address. It parses integers in any base, with an
// optional K, M or G binary suffix.
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ParseSize parses s.
func ParseSize(s string) (Size, error) {
	str := strings.ToLower(s)
	var shift uint
outer:
	for _, x := range sizeSuffixes {
		for _, unit := range []string{"ib", "b", ""} {
			if u := strings.ToLower(x.suffix) + unit; strings.HasSuffix(str, u) {
				str = strings.TrimSuffix(str, u)
				shift = x.shift
				break outer
			}
		}
	}
	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

// Set implements flag.Value. Set(String()) is idempotent.
func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// Get implements flag.Getter.
func (s *Size) Get() any {
	return *s
}

// String implements flag.Value and fmt.Stringer.
func (s Size) String() string {
	v := uint64(s)
	for _, x := range sizeSuffixes {
		if v != 0 && bits.IsAligned(v, uint64(1)<<x.shift) && v>>x.shift < 1024 {
			return fmt.Sprintf("%d%s", v>>x.shift, x.suffix)
		}
	}
	return fmt.Sprintf("%#x", v)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
