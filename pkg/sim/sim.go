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

// Package sim is a software model of the processor state changed during
// boot. It applies the boot primitives directly to a cpu.State, enforcing
// the architectural rules that make a wrong sequence fault on hardware.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/segment"
)

// Features are the processor features the model advertises.
type Features struct {
	PSE        bool
	PAE        bool
	LongMode   bool
	GiantPages bool
	XSave      bool
}

// AllFeatures advertises every feature.
var AllFeatures = Features{PSE: true, PAE: true, LongMode: true, GiantPages: true, XSave: true}

// Config configures a CPU.
type Config struct {
	// Features are the supported features.
	Features Features

	// Code is the range holding the boot code. It is fetched after paging
	// is enabled and so must be mapped.
	Code hostarch.AddrRange

	// BootMagic and BootInfo are the loader's EAX and EBX.
	BootMagic uint32
	BootInfo  uint32
}

// Handoff records the call into the kernel entry point.
type Handoff struct {
	Entry uint64
	Args  [2]uint64

	// Long is true if the call was made from 64-bit code.
	Long bool
}

// CPU is a software processor. It implements cpu.Machine.
type CPU struct {
	state cpu.State
	mem   pagetables.Memory
	cfg   Config

	// gdt is the loaded descriptor table, nil until LoadGDT.
	gdt []segment.Descriptor

	// rax and rbx hold the loader's boot words.
	rax uint64
	rbx uint64

	// long is set while executing 64-bit code.
	long bool

	handoff *Handoff
}

var _ cpu.Machine = (*CPU)(nil)

// New returns a CPU in the state a multiboot2 loader leaves it in.
func New(mem pagetables.Memory, cfg Config) *CPU {
	return &CPU{
		mem: mem,
		cfg: cfg,
		rax: uint64(cfg.BootMagic),
		rbx: uint64(cfg.BootInfo),
		state: cpu.State{
			CR0:    cpu.ResetCR0,
			RFLAGS: cpu.RFLAGSReserved | cpu.RFLAGSIF,
			RIP:    uint64(cfg.Code.Start),
		},
	}
}

// State returns the current processor state.
func (c *CPU) State() cpu.State {
	return c.state
}

// Result returns the recorded call into the kernel, or nil if the program
// has not handed off.
func (c *CPU) Result() *Handoff {
	return c.handoff
}

// variant returns the paging variant selected by the control registers.
func (c *CPU) variant() pagetables.Variant {
	switch {
	case c.state.LongMode():
		return pagetables.Long2M
	case c.state.CR4&cpu.CR4PAE != 0:
		return pagetables.PAE32
	default:
		return pagetables.Legacy32
	}
}

// translate translates va as the hardware would for an access by op.
func (c *CPU) translate(op string, va uint64, write bool) (uint64, error) {
	if !c.state.Paging() {
		return va & 0xffffffff, nil
	}
	v := c.variant()
	if v.LongMode() && !pagetables.Canonical(va) {
		return 0, gp(op, "non-canonical address %#x", va)
	}
	tr, err := pagetables.Walk(c.mem, v, c.state.CR3, va)
	if errors.Is(err, pagetables.ErrNotMapped) {
		return 0, pf(op, va, "not present")
	}
	if err != nil {
		return 0, pf(op, va, "walk failed: %v", err)
	}
	switch {
	case v == pagetables.Legacy32 && tr.PageSize == hostarch.LegacyHugePageSize && c.state.CR4&cpu.CR4PSE == 0:
		return 0, pf(op, va, "large page without CR4.PSE: directory entry read as a page table")
	case tr.PageSize == hostarch.GiantPageSize && !c.cfg.Features.GiantPages:
		return 0, pf(op, va, "1GiB page not supported: reserved bit set")
	case write && !tr.Opts.Writable && c.state.CR0&cpu.CR0WP != 0:
		return 0, pf(op, va, "write to read-only page")
	}
	return tr.Physical, nil
}

func (c *CPU) read(op string, va uint64, b []byte) error {
	pa, err := c.translate(op, va, false)
	if err != nil {
		return err
	}
	if _, err := c.mem.ReadAt(b, int64(pa)); err != nil {
		return pf(op, va, "physical %#x: %v", pa, err)
	}
	return nil
}

func (c *CPU) write(op string, va uint64, b []byte) error {
	pa, err := c.translate(op, va, true)
	if err != nil {
		return err
	}
	if _, err := c.mem.WriteAt(b, int64(pa)); err != nil {
		return pf(op, va, "physical %#x: %v", pa, err)
	}
	return nil
}

// push pushes a value of the current stack width.
func (c *CPU) push(op string, v uint64) error {
	size := uint64(4)
	if c.long {
		size = 8
	}
	c.state.RSP -= size
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return c.write(op, c.state.RSP, b[:size])
}

// fetch checks that the boot code is still reachable at the current
// settings. The code runs at its load address, so it must stay identity
// mapped.
func (c *CPU) fetch(op string) error {
	r := c.cfg.Code
	if r.Length() == 0 {
		return nil
	}
	for _, va := range []uint64{uint64(r.Start), uint64(r.End) - 1} {
		pa, err := c.translate(op, va, false)
		if err != nil {
			return err
		}
		if pa != va {
			return &Fault{Vector: UD, Op: op, Addr: va, Reason: fmt.Sprintf("code at %#x translates to %#x: execution continues in unrelated bytes", va, pa)}
		}
	}
	return nil
}

// DisableInterrupts implements cpu.Machine.DisableInterrupts.
func (c *CPU) DisableInterrupts() error {
	c.state.RFLAGS &^= cpu.RFLAGSIF
	return nil
}

// PreserveBootWords implements cpu.Machine.PreserveBootWords.
func (c *CPU) PreserveBootWords() error {
	c.state.RDI = c.rax & 0xffffffff
	c.state.RSI = c.rbx & 0xffffffff
	return nil
}

// LoadGDT implements cpu.Machine.LoadGDT.
func (c *CPU) LoadGDT(pointer uint64) error {
	const op = "lgdt"
	var b [segment.PointerSize32]byte
	if err := c.read(op, pointer, b[:]); err != nil {
		return err
	}
	p := segment.DecodePointer(b[:])
	table := make([]byte, int(p.Limit)+1)
	if err := c.read(op, p.Base, table); err != nil {
		return err
	}
	ds, err := segment.DecodeTable(table)
	if err != nil {
		return gp(op, "%v", err)
	}
	if !ds[0].IsNull() {
		log.Warningf("Descriptor table at %#x has a non-null first entry: %v", p.Base, ds[0])
	}
	c.gdt = ds
	c.state.GDT = p
	return nil
}

func (c *CPU) lookup(op string, sel segment.Selector) (segment.Descriptor, error) {
	if c.gdt == nil {
		return segment.Descriptor{}, gp(op, "selector %v loaded before a descriptor table", sel)
	}
	if sel.Index() == 0 {
		return segment.Descriptor{}, gp(op, "null selector")
	}
	if sel.Index() >= len(c.gdt) {
		return segment.Descriptor{}, gp(op, "selector %v beyond table limit %#x", sel, c.state.GDT.Limit)
	}
	d := c.gdt[sel.Index()]
	if !d.Present() {
		return segment.Descriptor{}, &Fault{Vector: NP, Op: op, Reason: fmt.Sprintf("selector %v not present", sel)}
	}
	return d, nil
}

// LoadDataSegments implements cpu.Machine.LoadDataSegments.
func (c *CPU) LoadDataSegments(sel segment.Selector) error {
	const op = "mov sreg"
	d, err := c.lookup(op, sel)
	if err != nil {
		return err
	}
	if !d.IsData() {
		return gp(op, "selector %v is not a writable data segment: %v", sel, d)
	}
	if d.DPL() != sel.RPL() {
		return gp(op, "stack segment DPL %d does not match RPL %d", d.DPL(), sel.RPL())
	}
	c.state.DS = sel
	c.state.SS = sel
	return nil
}

// ReloadCode implements cpu.Machine.ReloadCode.
func (c *CPU) ReloadCode(sel segment.Selector, long bool) error {
	const op = "ljmp"
	d, err := c.lookup(op, sel)
	if err != nil {
		return err
	}
	if !d.IsCode() {
		return gp(op, "selector %v is not a code segment: %v", sel, d)
	}
	isLong := d.Flags()&segment.DescriptorLong != 0 && c.state.LongMode()
	switch {
	case long && !c.state.LongMode():
		return gp(op, "64-bit code requested with long mode inactive")
	case long && !isLong:
		return gp(op, "selector %v is not a 64-bit code segment: %v", sel, d)
	case !long && isLong:
		return gp(op, "selector %v switches to 64-bit code", sel)
	case !isLong && d.Flags()&segment.DescriptorDB == 0:
		return &Fault{Vector: UD, Op: op, Reason: fmt.Sprintf("selector %v is 16-bit code: the following 32-bit instructions decode incorrectly", sel)}
	}
	c.state.CS = sel
	c.long = isLong
	return c.fetch(op)
}

// SetStack implements cpu.Machine.SetStack.
func (c *CPU) SetStack(top uint64) error {
	c.state.RSP = top
	return nil
}

func (c *CPU) control(r cpu.Register) *uint64 {
	switch r {
	case cpu.CR0:
		return &c.state.CR0
	case cpu.CR4:
		return &c.state.CR4
	default:
		return nil
	}
}

// SetControl implements cpu.Machine.SetControl.
func (c *CPU) SetControl(r cpu.Register, bits uint64) error {
	reg := c.control(r)
	if reg == nil {
		return &Fault{Vector: UD, Op: "mov cr", Reason: fmt.Sprintf("no register %v", r)}
	}
	return c.writeControl(r, *reg|bits)
}

// ClearControl implements cpu.Machine.ClearControl.
func (c *CPU) ClearControl(r cpu.Register, bits uint64) error {
	reg := c.control(r)
	if reg == nil {
		return &Fault{Vector: UD, Op: "mov cr", Reason: fmt.Sprintf("no register %v", r)}
	}
	return c.writeControl(r, *reg&^bits)
}

func (c *CPU) writeControl(r cpu.Register, v uint64) error {
	op := "mov " + r.String()
	if v>>32 != 0 {
		return gp(op, "reserved bits in %#x", v)
	}
	if r == cpu.CR4 {
		return c.writeCR4(op, v)
	}
	return c.writeCR0(op, v)
}

func (c *CPU) writeCR4(op string, v uint64) error {
	f := c.cfg.Features
	switch {
	case v&cpu.CR4PSE != 0 && !f.PSE:
		return gp(op, "CR4.PSE not supported")
	case v&cpu.CR4PAE != 0 && !f.PAE:
		return gp(op, "CR4.PAE not supported")
	case v&cpu.CR4OSXSAVE != 0 && !f.XSave:
		return gp(op, "CR4.OSXSAVE not supported")
	case v&cpu.CR4PAE == 0 && c.state.LongMode():
		return gp(op, "clearing CR4.PAE in long mode")
	}
	old := c.state.CR4
	c.state.CR4 = v
	if c.state.Paging() && (old^v)&(cpu.CR4PAE|cpu.CR4PSE) != 0 {
		if err := c.loadPDPTEs(op); err != nil {
			return err
		}
		return c.fetch(op)
	}
	return nil
}

func (c *CPU) writeCR0(op string, v uint64) error {
	pg := v&cpu.CR0PG != 0
	switch {
	case pg && v&cpu.CR0PE == 0:
		return gp(op, "CR0.PG without CR0.PE")
	case !pg && c.state.LongMode():
		return gp(op, "clearing CR0.PG in long mode")
	}
	enabling := pg && !c.state.Paging()
	if enabling && c.state.EFER&cpu.EFERLME != 0 {
		if c.state.CR4&cpu.CR4PAE == 0 {
			return gp(op, "enabling long mode paging without CR4.PAE")
		}
		if c.long {
			return gp(op, "enabling long mode paging from 64-bit code")
		}
	}
	c.state.CR0 = v
	if !enabling {
		return nil
	}
	if c.state.EFER&cpu.EFERLME != 0 {
		c.state.EFER |= cpu.EFERLMA
	}
	log.Debugf("Paging enabled: %v, root %#x", c.variant(), c.state.CR3)
	if err := c.loadPDPTEs(op); err != nil {
		return err
	}
	return c.fetch(op)
}

// loadPDPTEs checks the four PAE page directory pointers, which the
// processor loads when paging is enabled in PAE mode or CR3 is written.
func (c *CPU) loadPDPTEs(op string) error {
	if !c.state.Paging() || c.state.LongMode() || c.state.CR4&cpu.CR4PAE == 0 {
		return nil
	}
	var b [32]byte
	if _, err := c.mem.ReadAt(b[:], int64(c.state.CR3&^0x1f)); err != nil {
		return gp(op, "reading page directory pointers at %#x: %v", c.state.CR3, err)
	}
	const reserved = 0x1e6 | 0xfff0000000000000
	for i := 0; i < 4; i++ {
		e := binary.LittleEndian.Uint64(b[i*8:])
		if e&1 != 0 && e&reserved != 0 {
			return gp(op, "page directory pointer %d = %#x has reserved bits set", i, e)
		}
	}
	return nil
}

// SetMSR implements cpu.Machine.SetMSR.
func (c *CPU) SetMSR(msr uint32, bits uint64) error {
	const op = "wrmsr"
	if msr != cpu.MSREFER {
		return gp(op, "unsupported MSR %#x", msr)
	}
	v := c.state.EFER | bits
	switch {
	case v&^(cpu.EFERSCE|cpu.EFERLME|cpu.EFERLMA|cpu.EFERNX) != 0:
		return gp(op, "reserved EFER bits in %#x", v)
	case v&cpu.EFERLME != 0 && !c.cfg.Features.LongMode:
		return gp(op, "long mode not supported")
	case (v^c.state.EFER)&cpu.EFERLME != 0 && c.state.Paging():
		return gp(op, "changing EFER.LME with paging enabled")
	}
	// LMA is read only.
	c.state.EFER = v&^cpu.EFERLMA | c.state.EFER&cpu.EFERLMA
	return nil
}

// WriteCR3 implements cpu.Machine.WriteCR3.
func (c *CPU) WriteCR3(root uint64) error {
	const op = "mov cr3"
	if !c.state.LongMode() && root>>32 != 0 {
		return gp(op, "root %#x above 4GiB outside long mode", root)
	}
	c.state.CR3 = root
	if err := c.loadPDPTEs(op); err != nil {
		return err
	}
	if c.state.Paging() {
		return c.fetch(op)
	}
	return nil
}

// Handoff implements cpu.Machine.Handoff.
func (c *CPU) Handoff(entry uint64) error {
	const op = "call"
	h := &Handoff{Entry: entry, Long: c.long}
	if c.long {
		c.state.RSP &= 0xffffffff
		c.state.RDI &= 0xffffffff
		c.state.RSI &= 0xffffffff
		h.Args = [2]uint64{c.state.RDI, c.state.RSI}
	} else {
		if entry>>32 != 0 {
			return gp(op, "entry %#x above 4GiB in 32-bit code", entry)
		}
		c.state.RSP -= 8
		if err := c.push(op, c.state.RSI); err != nil {
			return err
		}
		if err := c.push(op, c.state.RDI); err != nil {
			return err
		}
		h.Args = [2]uint64{c.state.RDI & 0xffffffff, c.state.RSI & 0xffffffff}
	}
	if c.state.RSP%cpu.StackAlign != 0 {
		return gp(op, "stack %#x not %d-byte aligned at the call", c.state.RSP, cpu.StackAlign)
	}
	if err := c.push(op, uint64(c.cfg.Code.End)); err != nil {
		return err
	}
	var b [1]byte
	if err := c.read(op, entry, b[:]); err != nil {
		return err
	}
	c.state.RIP = entry
	c.handoff = h
	return nil
}
