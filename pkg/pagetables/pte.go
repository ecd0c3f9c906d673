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

// Package pagetables builds the static identity-mapping page tables used to
// turn on paging at boot, and provides a reference walker over them.
package pagetables

import (
	"fmt"
	"math/bits"

	"coldboot.dev/coldboot/pkg/hostarch"
)

// Entry is a page table entry of either width.
type Entry interface {
	~uint32 | ~uint64
}

// LegacyPTE is a 32-bit entry, used by two-level non-PAE tables.
type LegacyPTE uint32

// PTE is a 64-bit entry, used by PAE and long mode tables.
type PTE uint64

// Bits shared by both entry formats.
const (
	present  = 0x001
	writable = 0x002
	user     = 0x004
	accessed = 0x020
	dirty    = 0x040
	super    = 0x080

	// optionMask covers the low flag bits. Bits 9-11 are ignored by the
	// hardware and never set here.
	optionMask = 0xfff

	// physicalTop bounds the PAE address field (bits 12 through 51).
	physicalTop = 1 << 52
)

// MapOpts are the options for a mapping.
type MapOpts struct {
	// Writable allows writes through the mapping.
	Writable bool

	// User allows user-mode access.
	User bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := "r"
	if o.Writable {
		s += "w"
	} else {
		s += "-"
	}
	if o.User {
		s += "u"
	} else {
		s += "s"
	}
	return s
}

// entrySize returns the width of E in bytes.
func entrySize[E Entry]() int {
	return bits.Len64(uint64(^E(0))) / 8
}

// addressMask returns the address field of E.
func addressMask[E Entry]() uint64 {
	m := uint64(^E(0))
	if m >= physicalTop {
		m = physicalTop - 1
	}
	return m &^ optionMask
}

func valid[E Entry](e E) bool {
	return uint64(e)&present != 0
}

func address[E Entry](e E) uint64 {
	return uint64(e) & addressMask[E]()
}

func opts[E Entry](e E) MapOpts {
	return MapOpts{
		Writable: uint64(e)&writable != 0,
		User:     uint64(e)&user != 0,
	}
}

// tableEntry returns an entry referencing the table at addr.
//
// Precondition: addr must be page aligned and representable in E.
func tableEntry[E Entry](addr uint64, flags uint64) E {
	if addr&(hostarch.PageSize-1) != 0 {
		panic(fmt.Sprintf("table address %#x is not page aligned", addr))
	}
	if addr&^addressMask[E]() != 0 {
		panic(fmt.Sprintf("table address %#x does not fit a %d-byte entry", addr, entrySize[E]()))
	}
	return E(addr | flags | present)
}

// hugeEntry returns an entry mapping a large page of the given size at addr.
//
// Precondition: addr must be aligned to size and representable in E.
func hugeEntry[E Entry](addr, size uint64, o MapOpts) E {
	if size < hostarch.HugePageSize || size&(size-1) != 0 {
		panic(fmt.Sprintf("invalid large page size %#x", size))
	}
	if addr&(size-1) != 0 {
		panic(fmt.Sprintf("page address %#x is not aligned to %#x", addr, size))
	}
	if addr&^addressMask[E]() != 0 {
		panic(fmt.Sprintf("page address %#x does not fit a %d-byte entry", addr, entrySize[E]()))
	}
	v := addr | present | super | accessed | dirty
	if o.Writable {
		v |= writable
	}
	if o.User {
		v |= user
	}
	return E(v)
}

// Valid returns true iff this entry is valid.
func (p PTE) Valid() bool { return valid(p) }

// IsSuper returns true iff this entry maps a large page.
func (p PTE) IsSuper() bool { return uint64(p)&super != 0 }

// Address extracts the address. This should only be called if Valid
// returns true.
func (p PTE) Address() uint64 { return address(p) }

// Opts returns the entry's permissions.
func (p PTE) Opts() MapOpts { return opts(p) }

// SetTable points this entry at the table at addr.
//
// It panics if addr is misaligned.
func (p *PTE) SetTable(addr uint64, o MapOpts) {
	*p = tableEntry[PTE](addr, permBits(o))
}

// SetSuper maps a large page of the given size at addr.
//
// It panics if addr is misaligned.
func (p *PTE) SetSuper(addr, size uint64, o MapOpts) {
	*p = hugeEntry[PTE](addr, size, o)
}

// Clear clears this entry.
func (p *PTE) Clear() { *p = 0 }

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return entryString(p, p.IsSuper())
}

// Valid returns true iff this entry is valid.
func (p LegacyPTE) Valid() bool { return valid(p) }

// IsSuper returns true iff this entry maps a large page.
func (p LegacyPTE) IsSuper() bool { return uint32(p)&super != 0 }

// Address extracts the address.
func (p LegacyPTE) Address() uint64 { return address(p) }

// Opts returns the entry's permissions.
func (p LegacyPTE) Opts() MapOpts { return opts(p) }

// SetTable points this entry at the table at addr.
func (p *LegacyPTE) SetTable(addr uint64, o MapOpts) {
	*p = tableEntry[LegacyPTE](addr, permBits(o))
}

// SetSuper maps a large page of the given size at addr.
func (p *LegacyPTE) SetSuper(addr, size uint64, o MapOpts) {
	*p = hugeEntry[LegacyPTE](addr, size, o)
}

// Clear clears this entry.
func (p *LegacyPTE) Clear() { *p = 0 }

// String implements fmt.Stringer.String.
func (p LegacyPTE) String() string {
	return entryString(p, p.IsSuper())
}

func permBits(o MapOpts) uint64 {
	var v uint64
	if o.Writable {
		v |= writable
	}
	if o.User {
		v |= user
	}
	return v
}

func entryString[E Entry](e E, isSuper bool) string {
	if !valid(e) {
		return "none"
	}
	kind := "table"
	if isSuper {
		kind = "page"
	}
	return fmt.Sprintf("%s@%#x[%v]", kind, address(e), opts(e))
}
