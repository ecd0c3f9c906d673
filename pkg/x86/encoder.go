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

// Package x86 encodes the boot primitives as x86 machine code.
//
// The encoder starts in 32-bit protected mode, the state a multiboot2 loader
// leaves the processor in, and switches to 64-bit encodings after a far jump
// into a long mode code segment. Instructions are appended in call order;
// there is no intermediate form that could be reordered.
package x86

import (
	"encoding/binary"
	"errors"
	"fmt"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/segment"
)

var (
	// ErrMode is returned for primitives that have no encoding in the
	// current code width.
	ErrMode = errors.New("primitive not encodable in the current mode")

	// ErrOperand is returned for operands that do not fit the encoding.
	ErrOperand = errors.New("operand out of range")
)

// Encoder emits machine code. It implements cpu.Machine.
type Encoder struct {
	// origin is the linear address of the first byte.
	origin uint64

	buf []byte

	// long is set once code is 64-bit.
	long bool
}

var _ cpu.Machine = (*Encoder)(nil)

// NewEncoder returns an encoder for code loaded at origin.
func NewEncoder(origin uint64) *Encoder {
	return &Encoder{origin: origin}
}

// Bytes returns the code emitted so far.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes emitted so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// PC returns the address of the next instruction.
func (e *Encoder) PC() uint64 {
	return e.origin + uint64(len(e.buf))
}

// Long returns true if the encoder emits 64-bit code.
func (e *Encoder) Long() bool {
	return e.long
}

func (e *Encoder) emit(b ...byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) emit16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) emit32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) emit64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) need32(op string) error {
	if e.long {
		return fmt.Errorf("%w: %s in 64-bit code", ErrMode, op)
	}
	return nil
}

func imm32(op string, v uint64) (uint32, error) {
	if v>>32 != 0 {
		return 0, fmt.Errorf("%w: %s operand %#x exceeds 32 bits", ErrOperand, op, v)
	}
	return uint32(v), nil
}

// DisableInterrupts implements cpu.Machine.DisableInterrupts.
func (e *Encoder) DisableInterrupts() error {
	e.emit(0xfa) // cli
	return nil
}

// PreserveBootWords implements cpu.Machine.PreserveBootWords.
func (e *Encoder) PreserveBootWords() error {
	if err := e.need32("boot word save"); err != nil {
		return err
	}
	e.emit(0x89, 0xc7) // mov edi, eax
	e.emit(0x89, 0xde) // mov esi, ebx
	return nil
}

// LoadGDT implements cpu.Machine.LoadGDT.
func (e *Encoder) LoadGDT(pointer uint64) error {
	if err := e.need32("lgdt"); err != nil {
		return err
	}
	disp, err := imm32("lgdt", pointer)
	if err != nil {
		return err
	}
	e.emit(0x0f, 0x01, 0x15) // lgdt [disp32]
	e.emit32(disp)
	return nil
}

// Segment register encodings for mov sreg, ax.
var dataSegments = []struct {
	name  string
	modrm byte
}{
	{"ds", 0xd8},
	{"es", 0xc0},
	{"fs", 0xe0},
	{"gs", 0xe8},
	{"ss", 0xd0},
}

// LoadDataSegments implements cpu.Machine.LoadDataSegments.
func (e *Encoder) LoadDataSegments(sel segment.Selector) error {
	e.emit(0x66, 0xb8) // mov ax, imm16
	e.emit16(uint16(sel))
	for _, s := range dataSegments {
		e.emit(0x8e, s.modrm) // mov sreg, ax
	}
	return nil
}

// ReloadCode implements cpu.Machine.ReloadCode.
//
// The far jump targets the instruction that follows it.
func (e *Encoder) ReloadCode(sel segment.Selector, long bool) error {
	if err := e.need32("ljmp"); err != nil {
		return err
	}
	const size = 7
	target, err := imm32("ljmp", e.PC()+size)
	if err != nil {
		return err
	}
	e.emit(0xea) // jmp ptr16:32
	e.emit32(target)
	e.emit16(uint16(sel))
	e.long = long
	return nil
}

// SetStack implements cpu.Machine.SetStack.
func (e *Encoder) SetStack(top uint64) error {
	v, err := imm32("stack", top)
	if err != nil {
		return err
	}
	e.emit(0xbc) // mov esp, imm32
	e.emit32(v)
	return nil
}

// Control register encodings for mov eax, crN and mov crN, eax.
func controlModRM(r cpu.Register) (byte, error) {
	switch r {
	case cpu.CR0:
		return 0xc0, nil
	case cpu.CR4:
		return 0xe0, nil
	default:
		return 0, fmt.Errorf("%w: register %v", ErrOperand, r)
	}
}

// updateControl emits a read-modify-write of a control register through
// EAX with the given ALU opcode (or/and eax, imm32).
func (e *Encoder) updateControl(op string, r cpu.Register, opcode byte, v uint64) error {
	if err := e.need32(op); err != nil {
		return err
	}
	modrm, err := controlModRM(r)
	if err != nil {
		return err
	}
	imm, err := imm32(op, v)
	if err != nil {
		return err
	}
	e.emit(0x0f, 0x20, modrm) // mov eax, crN
	e.emit(opcode)
	e.emit32(imm)
	e.emit(0x0f, 0x22, modrm) // mov crN, eax
	return nil
}

// SetControl implements cpu.Machine.SetControl.
func (e *Encoder) SetControl(r cpu.Register, bits uint64) error {
	return e.updateControl("set "+r.String(), r, 0x0d, bits) // or eax, imm32
}

// ClearControl implements cpu.Machine.ClearControl.
func (e *Encoder) ClearControl(r cpu.Register, bits uint64) error {
	if bits>>32 != 0 {
		return fmt.Errorf("%w: clear %v operand %#x exceeds 32 bits", ErrOperand, r, bits)
	}
	return e.updateControl("clear "+r.String(), r, 0x25, uint64(^uint32(bits))) // and eax, imm32
}

// SetMSR implements cpu.Machine.SetMSR.
func (e *Encoder) SetMSR(msr uint32, bits uint64) error {
	if err := e.need32("wrmsr"); err != nil {
		return err
	}
	e.emit(0xb9) // mov ecx, imm32
	e.emit32(msr)
	e.emit(0x0f, 0x32) // rdmsr
	if lo := uint32(bits); lo != 0 {
		e.emit(0x0d) // or eax, imm32
		e.emit32(lo)
	}
	if hi := uint32(bits >> 32); hi != 0 {
		e.emit(0x81, 0xca) // or edx, imm32
		e.emit32(hi)
	}
	e.emit(0x0f, 0x30) // wrmsr
	return nil
}

// WriteCR3 implements cpu.Machine.WriteCR3.
func (e *Encoder) WriteCR3(root uint64) error {
	if err := e.need32("mov cr3"); err != nil {
		return err
	}
	v, err := imm32("cr3", root)
	if err != nil {
		return err
	}
	e.emit(0xb8) // mov eax, imm32
	e.emit32(v)
	e.emit(0x0f, 0x22, 0xd8) // mov cr3, eax
	return nil
}

// Handoff implements cpu.Machine.Handoff.
//
// In 32-bit code the boot words are pushed as cdecl arguments, with the
// stack padded so it is 16-byte aligned at the call. In 64-bit code they are
// zero extended into RDI and RSI. If the entry point returns, the processor
// halts with interrupts masked.
func (e *Encoder) Handoff(entry uint64) error {
	if e.long {
		e.emit(0x89, 0xe4) // mov esp, esp
		e.emit(0x89, 0xff) // mov edi, edi
		e.emit(0x89, 0xf6) // mov esi, esi
		e.emit(0x48, 0xb8) // mov rax, imm64
		e.emit64(entry)
	} else {
		v, err := imm32("call", entry)
		if err != nil {
			return err
		}
		e.emit(0x83, 0xec, 0x08) // sub esp, 8
		e.emit(0x56)             // push esi
		e.emit(0x57)             // push edi
		e.emit(0xb8)             // mov eax, imm32
		e.emit32(v)
	}
	e.emit(0xff, 0xd0) // call (e|r)ax
	e.Halt()
	return nil
}

// Halt emits a loop that halts forever.
func (e *Encoder) Halt() {
	e.emit(0xfa)       // cli
	e.emit(0xf4)       // hlt
	e.emit(0xeb, 0xfd) // jmp .-1
}
