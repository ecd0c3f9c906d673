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

// Package segment builds the flat segment descriptor tables loaded by the
// boot sequence.
//
// Segmentation is never used for translation: every descriptor is flat (base
// zero, limit spanning the full 32-bit space) and exists only because the
// processor requires valid descriptors to be loaded on the way into
// protected and long mode.
package segment

import (
	"encoding/binary"
	"fmt"
)

// DescriptorFlags are flags in the upper word of a segment descriptor.
type DescriptorFlags uint32

// Descriptor flags, as they appear in the upper 32-bit word.
const (
	DescriptorAccess     DescriptorFlags = 1 << 8  // Access bit (always set).
	DescriptorWrite      DescriptorFlags = 1 << 9  // Write permission (read permission for code).
	DescriptorExpandDown DescriptorFlags = 1 << 10 // Grows down, not used.
	DescriptorExecute    DescriptorFlags = 1 << 11 // Execute permission.
	DescriptorSystem     DescriptorFlags = 1 << 12 // Zero => system, 1 => user code/data.
	DescriptorPresent    DescriptorFlags = 1 << 15 // Present.
	DescriptorAVL        DescriptorFlags = 1 << 20 // Available.
	DescriptorLong       DescriptorFlags = 1 << 21 // Long mode.
	DescriptorDB         DescriptorFlags = 1 << 22 // 16 or 32-bit.
	DescriptorG          DescriptorFlags = 1 << 23 // Granularity: page or byte.

	// flagsMask selects the flag bits of the upper word; the DPL is
	// extracted separately.
	flagsMask = 0x00F09F00
)

// DescriptorSize is the encoded size of a Descriptor.
const DescriptorSize = 8

// Descriptor is a legacy (8 byte) segment descriptor.
type Descriptor struct {
	bits [2]uint32
}

// Base returns the descriptor's base linear address.
func (d Descriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size, scaled by granularity.
func (d Descriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(DescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d Descriptor) Flags() DescriptorFlags {
	return DescriptorFlags(d.bits[1] & flagsMask)
}

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

// Present returns true if the present bit is set.
func (d Descriptor) Present() bool {
	return d.Flags()&DescriptorPresent != 0
}

// IsCode returns true for present, executable code/data descriptors.
func (d Descriptor) IsCode() bool {
	f := d.Flags()
	return f&DescriptorSystem != 0 && f&DescriptorExecute != 0
}

// IsData returns true for present, writable data descriptors.
func (d Descriptor) IsData() bool {
	f := d.Flags()
	return f&DescriptorSystem != 0 && f&DescriptorExecute == 0 && f&DescriptorWrite != 0
}

// IsNull returns true for the all-zero descriptor.
func (d Descriptor) IsNull() bool {
	return d.bits[0] == 0 && d.bits[1] == 0
}

// Flat returns true if the descriptor starts at zero and spans the whole
// 32-bit space.
func (d Descriptor) Flat() bool {
	return d.Base() == 0 && d.Limit() == 0xFFFFFFFF
}

func (d *Descriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

// set sets the descriptor. The limit is given in bytes and switched to page
// granularity when it does not fit in 20 bits.
func (d *Descriptor) set(base, limit uint32, dpl int, flags DescriptorFlags) {
	flags |= DescriptorPresent | DescriptorAccess
	if limit>>20 != 0 {
		limit >>= 12
		flags |= DescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *Descriptor) setCode32(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		DescriptorDB|
			DescriptorExecute|
			DescriptorWrite|
			DescriptorSystem)
}

func (d *Descriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		DescriptorLong|
			DescriptorExecute|
			DescriptorWrite|
			DescriptorSystem)
}

func (d *Descriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		DescriptorDB|
			DescriptorWrite|
			DescriptorSystem)
}

// Encode returns the little-endian in-memory form of the descriptor.
func (d Descriptor) Encode() [DescriptorSize]byte {
	var b [DescriptorSize]byte
	binary.LittleEndian.PutUint32(b[0:4], d.bits[0])
	binary.LittleEndian.PutUint32(b[4:8], d.bits[1])
	return b
}

// Decode returns the descriptor stored in b, which must hold at least
// DescriptorSize bytes.
func Decode(b []byte) Descriptor {
	return Descriptor{bits: [2]uint32{
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint32(b[4:8]),
	}}
}

// String implements fmt.Stringer.String.
func (d Descriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	kind := "data"
	if d.IsCode() {
		kind = "code32"
		if d.Flags()&DescriptorLong != 0 {
			kind = "code64"
		}
	}
	return fmt.Sprintf("%s base=%#x limit=%#x dpl=%d flags=%#x", kind, d.Base(), d.Limit(), d.DPL(), uint32(d.Flags()))
}
