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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"coldboot.dev/coldboot/pkg/pagetables"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with configuration settings. Flags given on the command line take precedence.")

	// Image flags.
	flagSet.Var(variantPtr(pagetables.Long2M), "variant", "paging variant: legacy32, pae32, long2m (default), long1g.")
	flagSet.Var(sizePtr(0x100000), "load-address", "physical load address of the image.")
	flagSet.Var(sizePtr(1<<30), "range", "size of the identity mapped range starting at zero.")
	flagSet.Var(sizePtr(16<<10), "stack-size", "size of the boot stack.")
	flagSet.Bool("user", false, "make the identity mapping user accessible.")
	flagSet.Bool("xsave", false, "enable the extended state save area (CR4.OSXSAVE).")
	flagSet.Var(sizePtr(0x200000), "kernel-entry", "physical address of the kernel entry point.")
	flagSet.Bool("kernel-stub", true, "place a halting stub at the kernel entry point when running the image.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%, %VARIANT%.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Run flags.
	flagSet.Duration("timeout", 10*time.Second, "bounds each guest run.")
	flagSet.Int("max-exits", 64, "number of unexpected guest exits tolerated before a run fails.")
}

func variantPtr(v pagetables.Variant) *pagetables.Variant {
	return &v
}

func sizePtr(v Size) *Size {
	return &v
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If a config file is named, it is read first and only flags set
// explicitly override it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFromFlags(conf, flagSet, nil)
	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("config file %q: unknown settings %v", conf.ConfigFile, keys)
		}
		explicit := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})
		setFromFlags(conf, flagSet, explicit)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies flag values into conf. If only is not nil, only the
// named flags are copied.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, only map[string]bool) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if only != nil && !only[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
