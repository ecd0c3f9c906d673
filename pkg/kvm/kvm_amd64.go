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

//go:build linux && amd64
// +build linux,amd64

package kvm

import (
	"fmt"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/segment"
)

// userRegs represents KVM user registers.
//
// This mirrors kvm_regs.
type userRegs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// systemRegs represents KVM system registers.
//
// This mirrors kvm_sregs.
type systemRegs struct {
	CS              kvmSegment
	DS              kvmSegment
	ES              kvmSegment
	FS              kvmSegment
	GS              kvmSegment
	SS              kvmSegment
	TR              kvmSegment
	LDT             kvmSegment
	GDT             descriptor
	IDT             descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	apicBase        uint64
	interruptBitmap [(_KVM_NR_INTERRUPTS + 63) / 64]uint64
}

// kvmSegment is the expanded form of a segment register.
//
// This mirrors kvm_segment.
type kvmSegment struct {
	base     uint64
	limit    uint32
	selector uint16
	typ      uint8
	present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	unusable uint8
	_        uint8
}

// descriptor describes a region of physical memory.
//
// It corresponds to the pseudo-descriptor used in the x86 LGDT and LIDT
// instructions, and mirrors kvm_dtable.
type descriptor struct {
	base  uint64
	limit uint16
	_     [3]uint16
}

// memoryRegion mirrors kvm_userspace_memory_region.
type memoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// cpuidEntry mirrors kvm_cpuid_entry2.
type cpuidEntry struct {
	function uint32
	index    uint32
	flags    uint32
	eax      uint32
	ebx      uint32
	ecx      uint32
	edx      uint32
	_        [3]uint32
}

// cpuidEntries mirrors kvm_cpuid2.
type cpuidEntries struct {
	nr      uint32
	_       uint32
	entries [_KVM_NR_CPUID_ENTRIES]cpuidEntry
}

// Loader segment selectors. Only the descriptor caches matter; the loader's
// table is never consulted once the image loads its own.
const (
	loaderCode segment.Selector = 0x10
	loaderData segment.Selector = 0x18
)

// flat returns a 4GiB flat 32-bit segment.
func flat(sel segment.Selector, code bool) kvmSegment {
	s := kvmSegment{
		base:     0,
		limit:    0xffffffff,
		selector: uint16(sel),
		typ:      0x3, // read/write, accessed.
		present:  1,
		DB:       1,
		S:        1,
		G:        1,
	}
	if code {
		s.typ = 0xb // execute/read, accessed.
	}
	return s
}

// loaderState sets sregs to the state a multiboot2 loader leaves: flat
// 32-bit protected mode, paging disabled.
func (s *systemRegs) loaderState() {
	s.CS = flat(loaderCode, true)
	for _, seg := range []*kvmSegment{&s.DS, &s.ES, &s.FS, &s.GS, &s.SS} {
		*seg = flat(loaderData, false)
	}
	s.TR = kvmSegment{limit: 0x67, typ: 0xb, present: 1}
	s.LDT = kvmSegment{unusable: 1}
	s.CR0 = cpu.ResetCR0
	s.CR3 = 0
	s.CR4 = 0
	s.EFER = 0
}

// state returns the architectural state held in the registers.
func state(r *userRegs, s *systemRegs) cpu.State {
	return cpu.State{
		CR0:    s.CR0,
		CR3:    s.CR3,
		CR4:    s.CR4,
		EFER:   s.EFER,
		RFLAGS: r.RFLAGS,
		RIP:    r.RIP,
		RSP:    r.RSP,
		RDI:    r.RDI,
		RSI:    r.RSI,
		CS:     segment.Selector(s.CS.selector),
		DS:     segment.Selector(s.DS.selector),
		SS:     segment.Selector(s.SS.selector),
		GDT:    segment.Pointer{Limit: s.GDT.limit, Base: s.GDT.base},
	}
}

// CPUID feature bits the boot program depends on beyond the long mode
// baseline.
const (
	cpuidXSave      = 1 << 26 // leaf 1, ECX.
	cpuidGiantPages = 1 << 26 // leaf 0x80000001, EDX.
)

// lookup returns the entry for function, index 0.
func (c *cpuidEntries) lookup(function uint32) (cpuidEntry, bool) {
	for _, e := range c.entries[:min(int(c.nr), len(c.entries))] {
		if e.function == function && e.index == 0 {
			return e, true
		}
	}
	return cpuidEntry{}, false
}

// check returns ErrFeature if c lacks a feature cfg's boot program uses.
// Without 1GiB pages the PDPTE PS bit is reserved and the first fetch after
// paging is enabled faults.
func (c *cpuidEntries) check(cfg image.Config) error {
	if cfg.Variant == pagetables.Long1G {
		if e, ok := c.lookup(0x80000001); !ok || e.edx&cpuidGiantPages == 0 {
			return fmt.Errorf("%w: 1GiB pages (CPUID 0x80000001 EDX.Page1GB)", ErrFeature)
		}
	}
	if cfg.XSave {
		if e, ok := c.lookup(1); !ok || e.ecx&cpuidXSave == 0 {
			return fmt.Errorf("%w: XSAVE (CPUID 1 ECX.XSAVE)", ErrFeature)
		}
	}
	return nil
}
