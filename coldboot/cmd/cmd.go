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

// Package cmd holds implementations of the coldboot commands.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"coldboot.dev/coldboot/coldboot/config"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/pagetables"
)

// buildImage builds the image described by conf.
func buildImage(conf *config.Config) (*image.Image, error) {
	img, err := image.Build(conf.ImageConfig())
	if err != nil {
		return nil, fmt.Errorf("building %v image: %w", conf.Variant, err)
	}
	return img, nil
}

// writeYAML writes v to w as a YAML document.
func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// variantsFlag is a comma separated list of variants.
type variantsFlag []pagetables.Variant

// String implements flag.Value.
func (v *variantsFlag) String() string {
	names := make([]string, 0, len(*v))
	for _, x := range *v {
		names = append(names, x.String())
	}
	return strings.Join(names, ",")
}

// Get implements flag.Getter.
func (v *variantsFlag) Get() any {
	return *v
}

// Set implements flag.Value.
func (v *variantsFlag) Set(s string) error {
	*v = nil
	for _, name := range strings.Split(s, ",") {
		if name == "all" {
			*v = append((*v)[:0], pagetables.Variants...)
			continue
		}
		x, err := pagetables.ParseVariant(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		*v = append(*v, x)
	}
	log.Debugf("Selected variants: %s", v)
	return nil
}
