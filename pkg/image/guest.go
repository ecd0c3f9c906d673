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

package image

import (
	"errors"
	"fmt"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/multiboot"
	"coldboot.dev/coldboot/pkg/pagetables"
)

// InfoAddr is where LoadGuest places the loader's boot information.
const InfoAddr = 0x9000

// LoaderName is the loader name reported in the boot information.
const LoaderName = "coldboot"

// GuestSize returns the memory needed by LoadGuest.
func (img *Image) GuestSize() uint64 {
	return max(img.Layout.Limit(), InfoAddr+uint64(len(img.info())))
}

func (img *Image) info() []byte {
	return multiboot.LoaderName(LoaderName).Encode()
}

// LoadGuest prepares mem the way a multiboot2 loader leaves it before
// jumping to the image: image loaded, BSS zeroed, boot information at
// InfoAddr.
func (img *Image) LoadGuest(mem pagetables.Memory) error {
	info := img.info()
	r := hostarch.AddrRange{Start: InfoAddr, End: hostarch.Addr(InfoAddr + len(info))}
	for _, o := range img.Layout.Regions() {
		if o.Range().Overlaps(r) {
			return fmt.Errorf("%w: boot information %v and %v", ErrOverlap, r, o)
		}
	}
	if err := img.Load(mem); err != nil {
		return err
	}
	if _, err := mem.WriteAt(info, InfoAddr); err != nil {
		return fmt.Errorf("writing boot information: %w", err)
	}
	return nil
}

// Handoff is an observed call to the kernel entry point.
type Handoff struct {
	// Entry is the called address.
	Entry uint64

	// Args are the two boot words as received by the kernel.
	Args [2]uint64

	// Long is true if the call was made from 64-bit code.
	Long bool
}

// ErrHandoffState is returned by Verify for an unexpected handoff state.
var ErrHandoffState = errors.New("unexpected handoff state")

// Verify checks processor state at the kernel handoff against what the
// kernel expects from img, assuming the guest was prepared by LoadGuest.
func (img *Image) Verify(s cpu.State, h *Handoff) error {
	var errs []error
	check := func(ok bool, format string, v ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrHandoffState, fmt.Sprintf(format, v...)))
		}
	}
	long := img.Config.Variant.LongMode()
	check(h != nil, "no handoff")
	if h != nil {
		check(h.Entry == img.Config.KernelEntry, "entry %#x, want %#x", h.Entry, img.Config.KernelEntry)
		check(h.Args == [2]uint64{multiboot.BootMagic, InfoAddr}, "arguments %#x, want [%#x %#x]", h.Args, multiboot.BootMagic, InfoAddr)
		check(h.Long == long, "64-bit call %t, want %t", h.Long, long)
	}
	check(!s.InterruptsEnabled(), "interrupts enabled")
	check(s.Paging(), "paging disabled")
	check(s.CR3 == img.Plan.PageTableRoot, "root %#x, want %#x", s.CR3, img.Plan.PageTableRoot)
	check(s.LongMode() == long, "long mode %t, want %t", s.LongMode(), long)
	check(s.FPUUsable(), "floating point unusable: %s", &s)
	xsave := s.CR4&cpu.CR4OSXSAVE != 0
	check(xsave == img.Config.XSave, "CR4.OSXSAVE %t, want %t", xsave, img.Config.XSave)
	sel := img.Plan.Selectors
	check(s.CS == sel.Code, "code selector %v, want %v", s.CS, sel.Code)
	check(s.DS == sel.Data && s.SS == sel.Data, "data selectors %v/%v, want %v", s.DS, s.SS, sel.Data)
	gdt, _ := img.Layout.Lookup(RegionGDT)
	check(s.GDT == img.Table.Pointer(gdt.Addr), "descriptor table register %+v, want %+v", s.GDT, img.Table.Pointer(gdt.Addr))
	return errors.Join(errs...)
}
