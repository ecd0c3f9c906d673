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

package sim

import (
	"coldboot.dev/coldboot/pkg/bits"
	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/multiboot"
	"coldboot.dev/coldboot/pkg/sequencer"
)

// Load starts a processor on guest memory prepared for img.
func Load(img *image.Image, f Features) (*CPU, error) {
	size := max(img.Memory().Size(), img.GuestSize())
	mem := image.NewMemory(bits.AlignUp(size, hostarch.PageSize))
	if err := img.LoadGuest(mem); err != nil {
		return nil, err
	}
	text, _ := img.Layout.Lookup(image.RegionText)
	return New(mem, Config{
		Features:  f,
		Code:      text.Range(),
		BootMagic: multiboot.BootMagic,
		BootInfo:  image.InfoAddr,
	}), nil
}

// Boot loads img and runs its transition program to the kernel handoff.
func Boot(img *image.Image, f Features) (*CPU, error) {
	c, err := Load(img, f)
	if err != nil {
		return nil, err
	}
	plan := img.Plan
	return c, sequencer.Run(c, img.Program, &plan)
}

// Verify checks the state of c after Boot.
func Verify(c *CPU, img *image.Image) error {
	var h *image.Handoff
	if r := c.Result(); r != nil {
		h = &image.Handoff{Entry: r.Entry, Args: r.Args, Long: r.Long}
	}
	return img.Verify(c.State(), h)
}
