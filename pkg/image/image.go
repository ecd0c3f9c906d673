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
	"io"

	"coldboot.dev/coldboot/pkg/bits"
	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/multiboot"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/segment"
	"coldboot.dev/coldboot/pkg/sequencer"
	"coldboot.dev/coldboot/pkg/x86"
)

// Region names.
const (
	RegionMultiboot  = "multiboot"
	RegionGDT        = "gdt"
	RegionGDTPointer = "gdt-pointer"
	RegionText       = "text"
	RegionStack      = "stack"
	RegionKernelStub = "kernel-stub"

	// regionTablesPrefix is followed by the level name.
	regionTablesPrefix = "pagetables/"
)

// ErrConfig is returned for invalid image configurations.
var ErrConfig = errors.New("invalid image configuration")

// MinStackSize is the smallest accepted stack.
const MinStackSize = hostarch.PageSize

// haltStub halts forever; it stands in for a kernel in test runs.
var haltStub = []byte{0xf4, 0xeb, 0xfd} // hlt; jmp .-1

// Config configures an image.
type Config struct {
	// Variant selects the paging scheme and target mode.
	Variant pagetables.Variant

	// LoadAddress is the physical load address of the image.
	LoadAddress uint64

	// RangeSize is the size of the identity mapped range.
	RangeSize uint64

	// StackSize is the size of the boot stack.
	StackSize uint64

	// User makes the mappings user accessible.
	User bool

	// XSave enables the extended state save area.
	XSave bool

	// KernelEntry is the kernel entry point.
	KernelEntry uint64

	// Kernel is the kernel image range, if known.
	Kernel hostarch.AddrRange

	// KernelStub places a halting stub at KernelEntry in guest memory.
	KernelStub bool
}

func (c *Config) validate() error {
	if !bits.IsAligned(c.LoadAddress, hostarch.PageSize) || c.LoadAddress == 0 {
		return fmt.Errorf("%w: load address %#x is not a non-zero page multiple", ErrConfig, c.LoadAddress)
	}
	if c.StackSize < MinStackSize || !bits.IsAligned(c.StackSize, cpu.StackAlign) {
		return fmt.Errorf("%w: stack size %#x must be at least %#x and %d-byte aligned", ErrConfig, c.StackSize, MinStackSize, cpu.StackAlign)
	}
	if c.KernelEntry == 0 {
		return fmt.Errorf("%w: no kernel entry point", ErrConfig)
	}
	if c.KernelEntry >= c.RangeSize {
		return fmt.Errorf("%w: kernel entry %#x outside the mapped range [0, %#x)", ErrConfig, c.KernelEntry, c.RangeSize)
	}
	if c.Kernel.Length() != 0 {
		if !c.Kernel.WellFormed() || uint64(c.Kernel.End) > c.RangeSize {
			return fmt.Errorf("%w: kernel %v outside the mapped range [0, %#x)", ErrConfig, c.Kernel, c.RangeSize)
		}
		if !c.Kernel.Contains(hostarch.Addr(c.KernelEntry)) {
			return fmt.Errorf("%w: kernel entry %#x outside kernel %v", ErrConfig, c.KernelEntry, c.Kernel)
		}
	}
	return nil
}

// Image is an assembled boot image.
type Image struct {
	Config Config

	// Layout holds every placed region.
	Layout *Layout

	// Table is the descriptor table.
	Table segment.Table

	// Tree is the page table tree.
	Tree *pagetables.Tree

	// Plan and Program are the transition sequence encoded in the text
	// region.
	Plan    sequencer.Plan
	Program sequencer.Program

	// Header is the multiboot2 header.
	Header multiboot.Header

	// mem holds the image at its load address.
	mem *Memory
}

// Build assembles an image.
func Build(cfg Config) (*Image, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g, err := pagetables.NewGeometry(cfg.Variant, pagetables.Options{Size: cfg.RangeSize, User: cfg.User})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	img := &Image{
		Config:  cfg,
		Layout:  NewLayout(cfg.LoadAddress),
		Program: sequencer.ProgramFor(cfg.Variant),
	}
	l := img.Layout
	if _, err := l.Place(RegionMultiboot, Data, multiboot.HeaderSize, multiboot.HeaderAlign); err != nil {
		return nil, err
	}

	img.Plan = sequencer.Plan{
		Variant: cfg.Variant,
		Entry:   cfg.KernelEntry,
		XSave:   cfg.XSave,
	}
	img.Table = segment.Build(img.Plan.Mode())
	img.Plan.Selectors = img.Table.Selectors()
	gdt, err := l.Place(RegionGDT, Data, img.Table.Size(), segment.TableAlign)
	if err != nil {
		return nil, err
	}
	gdt.Contents = img.Table.Encode()
	ptr, err := l.Place(RegionGDTPointer, Data, segment.PointerSize32, segment.PointerAlign)
	if err != nil {
		return nil, err
	}
	ptr.Contents = img.Table.Pointer(gdt.Addr).Encode(false)
	img.Plan.GDTPointer = ptr.Addr

	built := g.Scheme().Built()
	bases := make([]uint64, len(built))
	for i, level := range built {
		r, err := l.Place(regionTablesPrefix+level.Name, Data, g.LevelSize(i), level.Align)
		if err != nil {
			return nil, err
		}
		bases[i] = r.Addr
	}
	img.Plan.PageTableRoot = bases[0]

	// Instruction sizes do not depend on operand values, so a trial
	// encoding sizes the text region before the stack is placed after it.
	trial := img.Plan
	trial.StackTop = cpu.StackAlign
	sized, err := encode(0, img.Program, &trial)
	if err != nil {
		return nil, err
	}
	text, err := l.Place(RegionText, Text, uint64(len(sized)), 16)
	if err != nil {
		return nil, err
	}
	stack, err := l.Place(RegionStack, BSS, cfg.StackSize, hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	img.Plan.StackTop = stack.End()

	code, err := encode(text.Addr, img.Program, &img.Plan)
	if err != nil {
		return nil, err
	}
	if len(code) != len(sized) {
		panic(fmt.Sprintf("code size changed from %d to %d bytes", len(sized), len(code)))
	}
	text.Contents = code

	if cfg.KernelStub {
		if _, err := l.PlaceAt(RegionKernelStub, Guest, cfg.KernelEntry, uint64(len(haltStub)), 1); err != nil {
			return nil, fmt.Errorf("%w: kernel stub: %w", ErrConfig, err)
		}
		r, _ := l.Lookup(RegionKernelStub)
		r.Contents = haltStub
	}
	if k := cfg.Kernel; k.Length() != 0 {
		boot := hostarch.AddrRange{Start: hostarch.Addr(l.Base()), End: hostarch.Addr(l.End())}
		if k.Overlaps(boot) {
			return nil, fmt.Errorf("%w: kernel %v overlaps boot image %v", ErrOverlap, k, boot)
		}
	}
	if l.End() > 1<<32 {
		return nil, fmt.Errorf("%w: image end %#x above 4GiB", ErrConfig, l.End())
	}
	if l.End() > cfg.RangeSize {
		return nil, fmt.Errorf("%w: image end %#x outside the mapped range [0, %#x)", ErrConfig, l.End(), cfg.RangeSize)
	}

	img.Header = multiboot.Header{
		HeaderAddr:  uint32(cfg.LoadAddress),
		LoadAddr:    uint32(cfg.LoadAddress),
		LoadEndAddr: uint32(l.FileEnd()),
		BSSEndAddr:  uint32(l.End()),
		Entry:       uint32(text.Addr),
	}
	mb, _ := l.Lookup(RegionMultiboot)
	mb.Contents = img.Header.Encode()
	if mb.Addr-l.Base()+multiboot.HeaderSize > multiboot.HeaderSearch {
		panic("multiboot header outside the search window")
	}

	img.mem = NewMemory(bits.AlignUp(l.Limit(), hostarch.PageSize))
	if err := img.Load(img.mem); err != nil {
		return nil, err
	}
	img.Tree, err = pagetables.BuildAt(img.mem, g, bases)
	if err != nil {
		return nil, err
	}
	log.Debugf("Built %v image: %d regions, text %v, stack top %#x, root %#x", cfg.Variant, len(l.Regions()), text.Range(), img.Plan.StackTop, img.Plan.PageTableRoot)
	return img, nil
}

func encode(origin uint64, prog sequencer.Program, p *sequencer.Plan) ([]byte, error) {
	e := x86.NewEncoder(origin)
	if err := sequencer.Run(e, prog, p); err != nil {
		return nil, fmt.Errorf("encoding boot code: %w", err)
	}
	return e.Bytes(), nil
}

// Entry returns the address of the first boot instruction.
func (img *Image) Entry() uint64 {
	r, _ := img.Layout.Lookup(RegionText)
	return r.Addr
}

// Memory returns memory holding the loaded image, sized to its regions.
func (img *Image) Memory() *Memory {
	return img.mem
}

// Bytes returns the stored part of the image, as loaded at LoadAddress.
func (img *Image) Bytes() []byte {
	return img.mem.Bytes()[img.Layout.Base():img.Layout.FileEnd()]
}

// WriteTo implements io.WriterTo.WriteTo.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(img.Bytes())
	return int64(n), err
}

// Load writes every region, including page tables once built, to mem as a
// loader would. BSS regions are zeroed.
func (img *Image) Load(mem pagetables.Memory) error {
	if img.mem != nil && img.Tree != nil {
		// Copy the stored bytes, which include the built tables.
		if _, err := mem.WriteAt(img.Bytes(), int64(img.Layout.Base())); err != nil {
			return fmt.Errorf("loading image at %#x: %w", img.Layout.Base(), err)
		}
	}
	for _, r := range img.Layout.Regions() {
		var b []byte
		switch {
		case r.Section == BSS:
			b = make([]byte, r.Size)
		case r.Contents != nil:
			b = make([]byte, r.Size)
			copy(b, r.Contents)
		default:
			continue
		}
		if _, err := mem.WriteAt(b, int64(r.Addr)); err != nil {
			return fmt.Errorf("loading region %v: %w", r, err)
		}
	}
	return nil
}

// AddGuest places contents at a fixed address in guest memory. The region
// is not part of the image file.
func (img *Image) AddGuest(name string, addr uint64, contents []byte) error {
	r, err := img.Layout.PlaceAt(name, Guest, addr, uint64(len(contents)), 1)
	if err != nil {
		return err
	}
	r.Contents = contents
	if addr+uint64(len(contents)) > img.mem.Size() {
		grown := NewMemory(bits.AlignUp(addr+uint64(len(contents)), hostarch.PageSize))
		copy(grown.b, img.mem.b)
		img.mem = grown
	}
	_, err = img.mem.WriteAt(contents, int64(addr))
	return err
}

// TablesRegion returns the region holding the tables of the named level.
func (img *Image) TablesRegion(level string) (*Region, bool) {
	return img.Layout.Lookup(regionTablesPrefix + level)
}
