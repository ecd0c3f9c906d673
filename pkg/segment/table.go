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

package segment

import (
	"encoding/binary"
	"fmt"
)

// Mode is the processor mode a table is built for.
type Mode int

const (
	// Protected32 is 32-bit protected mode.
	Protected32 Mode = iota

	// Long64 is 64-bit long mode.
	Long64
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case Protected32:
		return "protected32"
	case Long64:
		return "long64"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Selector is a segment selector.
type Selector uint16

// Index returns the table index of the selector.
func (s Selector) Index() int {
	return int(s >> 3)
}

// RPL returns the requested privilege level.
func (s Selector) RPL() int {
	return int(s & 3)
}

// String implements fmt.Stringer.String.
func (s Selector) String() string {
	return fmt.Sprintf("%#04x", uint16(s))
}

// Table slots. The null slot is mandatory; segCode32 only exists in the long
// mode table, where it is the code segment used until long mode is active.
const (
	segNull = iota
	segCode
	segData
	segCode32
)

// Selectors.
const (
	// Code is the code selector used at handoff: 64-bit code in the long
	// mode table, 32-bit code otherwise.
	Code = Selector(segCode << 3)

	// Data is the flat data selector for all data segment registers.
	Data = Selector(segData << 3)

	// Code32 is the 32-bit code selector in the long mode table.
	Code32 = Selector(segCode32 << 3)
)

// TableAlign is the alignment of a table in the boot image.
const TableAlign = 16

// Table is a descriptor table. It is a pure function of its mode.
type Table struct {
	mode        Mode
	descriptors []Descriptor
}

// Build returns the descriptor table for the given mode.
//
// It panics on unknown modes; the mode is a build-time constant.
func Build(mode Mode) Table {
	var t Table
	t.mode = mode
	switch mode {
	case Protected32:
		t.descriptors = make([]Descriptor, segData+1)
		t.descriptors[segCode].setCode32(0, 0xFFFFFFFF, 0)
	case Long64:
		t.descriptors = make([]Descriptor, segCode32+1)
		t.descriptors[segCode].setCode64(0, 0xFFFFFFFF, 0)
		t.descriptors[segCode32].setCode32(0, 0xFFFFFFFF, 0)
	default:
		panic(fmt.Sprintf("unknown mode %v", mode))
	}
	t.descriptors[segNull].setNull()
	t.descriptors[segData].setData(0, 0xFFFFFFFF, 0)
	return t
}

// Mode returns the table mode.
func (t Table) Mode() Mode {
	return t.mode
}

// Len returns the number of descriptors, including the null descriptor.
func (t Table) Len() int {
	return len(t.descriptors)
}

// Descriptor returns the descriptor at index i.
func (t Table) Descriptor(i int) Descriptor {
	return t.descriptors[i]
}

// Lookup returns the descriptor referenced by sel.
func (t Table) Lookup(sel Selector) (Descriptor, bool) {
	if sel.Index() >= len(t.descriptors) {
		return Descriptor{}, false
	}
	return t.descriptors[sel.Index()], true
}

// Size returns the encoded table size in bytes.
func (t Table) Size() uint64 {
	return uint64(len(t.descriptors)) * DescriptorSize
}

// Selectors names the selectors of a table.
type Selectors struct {
	// Code is the code selector in effect at handoff.
	Code Selector `yaml:"code"`

	// Transition is the code selector loaded by the segment reload.
	Transition Selector `yaml:"transition"`

	// Data is loaded into every data segment register.
	Data Selector `yaml:"data"`
}

// Selectors returns the table's selectors.
func (t Table) Selectors() Selectors {
	return Selectors{
		Code:       Code,
		Transition: t.TransitionCode(),
		Data:       Data,
	}
}

// TransitionCode returns the code selector the segment reload jumps to while
// the processor is still in 32-bit protected mode.
func (t Table) TransitionCode() Selector {
	if t.mode == Long64 {
		return Code32
	}
	return Code
}

// Encode returns the in-memory form of the table.
func (t Table) Encode() []byte {
	b := make([]byte, 0, t.Size())
	for _, d := range t.descriptors {
		e := d.Encode()
		b = append(b, e[:]...)
	}
	return b
}

// Pointer returns the pointer record for the table placed at base.
func (t Table) Pointer(base uint64) Pointer {
	return Pointer{
		Limit: uint16(t.Size() - 1),
		Base:  base,
	}
}

// DecodeTable decodes a table of n bytes, as referenced by a pointer record.
func DecodeTable(b []byte) ([]Descriptor, error) {
	if len(b)%DescriptorSize != 0 || len(b) == 0 {
		return nil, fmt.Errorf("descriptor table size %d is not a positive multiple of %d", len(b), DescriptorSize)
	}
	ds := make([]Descriptor, 0, len(b)/DescriptorSize)
	for off := 0; off < len(b); off += DescriptorSize {
		ds = append(ds, Decode(b[off:]))
	}
	return ds, nil
}

// Pointer is the pseudo-descriptor consumed by LGDT.
type Pointer struct {
	// Limit is the table size in bytes, minus one.
	Limit uint16

	// Base is the linear address of the table.
	Base uint64
}

// Pointer record sizes.
const (
	PointerSize32 = 6
	PointerSize64 = 10
	PointerAlign  = 8
)

// Encode returns the in-memory form of the pointer: a 16-bit limit followed
// by a 32-bit base, or a 64-bit base if wide is set.
func (p Pointer) Encode(wide bool) []byte {
	if wide {
		b := make([]byte, PointerSize64)
		binary.LittleEndian.PutUint16(b[0:2], p.Limit)
		binary.LittleEndian.PutUint64(b[2:10], p.Base)
		return b
	}
	b := make([]byte, PointerSize32)
	binary.LittleEndian.PutUint16(b[0:2], p.Limit)
	binary.LittleEndian.PutUint32(b[2:6], uint32(p.Base))
	return b
}

// DecodePointer decodes a 32-bit form pointer record.
func DecodePointer(b []byte) Pointer {
	return Pointer{
		Limit: binary.LittleEndian.Uint16(b[0:2]),
		Base:  uint64(binary.LittleEndian.Uint32(b[2:6])),
	}
}
