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

// Package sequencer drives the processor from the loader's 32-bit protected
// mode into the mode the kernel entry point expects.
//
// The sequence is a fixed list of steps. Each step's precondition is the
// postcondition of the step it requires, and Run refuses any order in which
// a requirement has not completed.
package sequencer

import (
	"errors"
	"fmt"

	"coldboot.dev/coldboot/pkg/bits"
	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/segment"
)

// ErrInvalidPlan is returned for plans that cannot be executed.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan holds the link-time addresses the steps operate on.
type Plan struct {
	// Variant is the paging variant.
	Variant pagetables.Variant `yaml:"variant"`

	// GDTPointer is the address of the descriptor table pointer record.
	GDTPointer uint64 `yaml:"gdt-pointer"`

	// Selectors are the descriptor table's selectors.
	Selectors segment.Selectors `yaml:"selectors"`

	// StackTop is the initial stack pointer.
	StackTop uint64 `yaml:"stack-top"`

	// PageTableRoot is the physical address of the root table.
	PageTableRoot uint64 `yaml:"page-table-root"`

	// Entry is the kernel entry point.
	Entry uint64 `yaml:"entry"`

	// XSave enables CR4.OSXSAVE.
	XSave bool `yaml:"xsave"`
}

// Mode returns the descriptor table mode the plan's variant needs.
func (p *Plan) Mode() segment.Mode {
	if p.Variant.LongMode() {
		return segment.Long64
	}
	return segment.Protected32
}

// Validate checks the plan's addresses against the variant.
func (p *Plan) Validate() error {
	s := p.Variant.Scheme()
	if !bits.IsAligned(p.StackTop, cpu.StackAlign) || p.StackTop == 0 {
		return fmt.Errorf("%w: stack top %#x is not %d-byte aligned", ErrInvalidPlan, p.StackTop, cpu.StackAlign)
	}
	if !bits.IsAligned(p.PageTableRoot, s.Root().Align) {
		return fmt.Errorf("%w: page table root %#x is not aligned to %#x", ErrInvalidPlan, p.PageTableRoot, s.Root().Align)
	}
	limit := uint64(1) << 32
	for name, addr := range map[string]uint64{
		"descriptor table pointer": p.GDTPointer,
		"stack top":                p.StackTop,
		"page table root":          p.PageTableRoot,
	} {
		// These are loaded before long mode, from 32-bit registers.
		if addr >= limit {
			return fmt.Errorf("%w: %s %#x is above 4GiB", ErrInvalidPlan, name, addr)
		}
	}
	if !s.LongMode && p.Entry >= limit {
		return fmt.Errorf("%w: entry %#x is not reachable from 32-bit code", ErrInvalidPlan, p.Entry)
	}
	if p.Selectors.Data == 0 || p.Selectors.Code == 0 || p.Selectors.Transition == 0 {
		return fmt.Errorf("%w: null selector in %+v", ErrInvalidPlan, p.Selectors)
	}
	return nil
}

// ExtendedAddressing returns the CR4 bit that makes the variant's entries
// interpretable.
func ExtendedAddressing(v pagetables.Variant) uint64 {
	if v.PAE() {
		return cpu.CR4PAE
	}
	return cpu.CR4PSE
}

// FloatingPoint returns the CR0 bits cleared and set, and the CR4 bits set,
// to make floating point and vector instructions usable.
func FloatingPoint(xsave bool) (cr0Clear, cr0Set, cr4Set uint64) {
	cr0Clear = cpu.CR0EM | cpu.CR0TS
	cr0Set = cpu.CR0MP | cpu.CR0NE
	cr4Set = cpu.CR4OSFXSR | cpu.CR4OSXMMEXCPT
	if xsave {
		cr4Set |= cpu.CR4OSXSAVE
	}
	return
}
