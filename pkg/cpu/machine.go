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

package cpu

import (
	"fmt"

	"coldboot.dev/coldboot/pkg/segment"
)

// Machine is the set of processor state changes used by the boot sequence.
//
// Implementations apply each primitive immediately and in call order. Each
// returns an error if the processor would fault, or if the primitive cannot
// be expressed by the implementation.
type Machine interface {
	// DisableInterrupts clears RFLAGS.IF.
	DisableInterrupts() error

	// PreserveBootWords moves the two boot words from EAX and EBX into
	// EDI and ESI, which no later primitive clobbers.
	PreserveBootWords() error

	// LoadGDT loads the descriptor table register from the pointer record
	// at the given linear address.
	LoadGDT(pointer uint64) error

	// LoadDataSegments loads sel into DS, ES, SS, FS and GS.
	LoadDataSegments(sel segment.Selector) error

	// ReloadCode reloads CS with sel by a far jump to the next
	// instruction. If long is set, sel must be a 64-bit code segment and
	// execution continues in 64-bit mode.
	ReloadCode(sel segment.Selector, long bool) error

	// SetStack points the stack pointer at top.
	SetStack(top uint64) error

	// SetControl sets bits in a control register.
	SetControl(r Register, bits uint64) error

	// ClearControl clears bits in a control register.
	ClearControl(r Register, bits uint64) error

	// SetMSR sets bits in a model specific register.
	SetMSR(msr uint32, bits uint64) error

	// WriteCR3 installs the page table root.
	WriteCR3(root uint64) error

	// Handoff calls entry with the preserved boot words as its two
	// arguments. It does not return on hardware.
	Handoff(entry uint64) error
}

// State is the processor state relevant to boot.
type State struct {
	CR0  uint64 `yaml:"cr0"`
	CR3  uint64 `yaml:"cr3"`
	CR4  uint64 `yaml:"cr4"`
	EFER uint64 `yaml:"efer"`

	RFLAGS uint64 `yaml:"rflags"`
	RIP    uint64 `yaml:"rip"`
	RSP    uint64 `yaml:"rsp"`
	RDI    uint64 `yaml:"rdi"`
	RSI    uint64 `yaml:"rsi"`

	CS segment.Selector `yaml:"cs"`
	DS segment.Selector `yaml:"ds"`
	SS segment.Selector `yaml:"ss"`

	GDT segment.Pointer `yaml:"gdt"`
}

// LongMode returns true if long mode is active.
func (s *State) LongMode() bool {
	return s.EFER&EFERLMA != 0
}

// Paging returns true if paging is enabled.
func (s *State) Paging() bool {
	return s.CR0&CR0PG != 0
}

// InterruptsEnabled returns true if RFLAGS.IF is set.
func (s *State) InterruptsEnabled() bool {
	return s.RFLAGS&RFLAGSIF != 0
}

// FPUUsable returns true if floating point and SSE instructions execute
// without faulting.
func (s *State) FPUUsable() bool {
	return s.CR0&(CR0EM|CR0TS) == 0 && s.CR0&CR0MP != 0 && s.CR4&CR4OSFXSR != 0
}

// String implements fmt.Stringer.String.
func (s *State) String() string {
	return fmt.Sprintf("cr0=%#x%v cr3=%#x cr4=%#x%v efer=%#x rip=%#x rsp=%#x rdi=%#x rsi=%#x cs=%v ds=%v ss=%v",
		s.CR0, CR0.BitNames(s.CR0), s.CR3, s.CR4, CR4.BitNames(s.CR4), s.EFER, s.RIP, s.RSP, s.RDI, s.RSI, s.CS, s.DS, s.SS)
}
