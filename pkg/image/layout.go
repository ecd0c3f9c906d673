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

// Package image places the static boot structures at fixed, aligned
// addresses and assembles them with the boot code into a flat image.
package image

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"coldboot.dev/coldboot/pkg/bits"
	"coldboot.dev/coldboot/pkg/hostarch"
)

// Section tags a region with how it is stored.
type Section int

const (
	// Text holds boot code.
	Text Section = iota

	// Data holds initialized structures stored in the image.
	Data

	// BSS is zero filled at load and not stored in the image.
	BSS

	// Guest is only present in guest memory prepared for a run, never in
	// the image.
	Guest
)

// String implements fmt.Stringer.String.
func (s Section) String() string {
	switch s {
	case Text:
		return "text"
	case Data:
		return "data"
	case BSS:
		return "bss"
	case Guest:
		return "guest"
	default:
		return fmt.Sprintf("Section(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Section) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Errors returned by Layout.
var (
	// ErrOverlap is returned when a region overlaps a placed region.
	ErrOverlap = errors.New("region overlaps")

	// ErrSectionOrder is returned when a stored region is placed after a
	// BSS region.
	ErrSectionOrder = errors.New("stored region placed after bss")

	// ErrExists is returned when a region name is reused.
	ErrExists = errors.New("region exists")
)

// Region is a placed, alignment-tagged piece of the image.
type Region struct {
	Name    string  `yaml:"name"`
	Section Section `yaml:"section"`
	Addr    uint64  `yaml:"addr"`
	Size    uint64  `yaml:"size"`
	Align   uint64  `yaml:"align"`

	// Contents are the initial bytes; shorter contents are zero padded.
	Contents []byte `yaml:"-"`
}

// End returns the end address of the region.
func (r *Region) End() uint64 {
	return r.Addr + r.Size
}

// Range returns the region as an address range.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Addr), End: hostarch.Addr(r.End())}
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%s %v %v align=%#x", r.Name, r.Section, r.Range(), r.Align)
}

// Layout is a set of non-overlapping regions ordered by address.
type Layout struct {
	base    uint64
	cursor  uint64
	bss     bool
	regions *btree.BTreeG[*Region]
	names   map[string]*Region
}

func regionLess(a, b *Region) bool {
	return a.Addr < b.Addr
}

// NewLayout returns an empty layout whose sequential regions start at base.
func NewLayout(base uint64) *Layout {
	return &Layout{
		base:    base,
		cursor:  base,
		regions: btree.NewG(8, regionLess),
		names:   make(map[string]*Region),
	}
}

// Base returns the address of the first sequential region.
func (l *Layout) Base() uint64 {
	return l.base
}

// Place places a region at the next address aligned to align, following
// every region placed by Place so far. Stored sections may not follow BSS.
func (l *Layout) Place(name string, sec Section, size, align uint64) (*Region, error) {
	if sec == Guest {
		return nil, fmt.Errorf("region %q: guest regions must be placed at fixed addresses", name)
	}
	if l.bss && sec != BSS {
		return nil, fmt.Errorf("%w: %s region %q", ErrSectionOrder, sec, name)
	}
	r, err := l.insert(name, sec, bits.AlignUp(l.cursor, align), size, align)
	if err != nil {
		return nil, err
	}
	l.cursor = r.End()
	l.bss = l.bss || sec == BSS
	return r, nil
}

// PlaceAt places a region at a fixed address.
func (l *Layout) PlaceAt(name string, sec Section, addr, size, align uint64) (*Region, error) {
	if sec != Guest {
		return nil, fmt.Errorf("region %q: only guest regions are placed at fixed addresses", name)
	}
	return l.insert(name, sec, addr, size, align)
}

func (l *Layout) insert(name string, sec Section, addr, size, align uint64) (*Region, error) {
	if !bits.IsPowerOfTwo(align) {
		return nil, fmt.Errorf("region %q: alignment %#x is not a power of two", name, align)
	}
	if !bits.IsAligned(addr, align) {
		return nil, fmt.Errorf("region %q: address %#x not aligned to %#x", name, addr, align)
	}
	if _, ok := l.names[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	r := &Region{Name: name, Section: sec, Addr: addr, Size: size, Align: align}
	if r.End() < addr {
		return nil, fmt.Errorf("region %q: %#x+%#x wraps", name, addr, size)
	}
	if o := l.overlapping(r); o != nil {
		return nil, fmt.Errorf("%w: %v and %v", ErrOverlap, r, o)
	}
	l.regions.ReplaceOrInsert(r)
	l.names[name] = r
	return r, nil
}

// overlapping returns a placed region overlapping r, or nil.
func (l *Layout) overlapping(r *Region) *Region {
	var found *Region
	check := func(o *Region) bool {
		if r.Range().Overlaps(o.Range()) || o.Addr == r.Addr {
			found = o
			return false
		}
		return true
	}
	// Only the neighbours on either side can overlap.
	l.regions.DescendLessOrEqual(r, func(o *Region) bool {
		check(o)
		return false
	})
	if found == nil {
		l.regions.AscendGreaterOrEqual(r, func(o *Region) bool {
			check(o)
			return false
		})
	}
	return found
}

// Lookup returns the region with the given name.
func (l *Layout) Lookup(name string) (*Region, bool) {
	r, ok := l.names[name]
	return r, ok
}

// Find returns the region containing addr.
func (l *Layout) Find(addr uint64) (*Region, bool) {
	var found *Region
	l.regions.DescendLessOrEqual(&Region{Addr: addr}, func(o *Region) bool {
		if o.Range().Contains(hostarch.Addr(addr)) {
			found = o
		}
		return false
	})
	return found, found != nil
}

// Regions returns every region in address order.
func (l *Layout) Regions() []*Region {
	rs := make([]*Region, 0, l.regions.Len())
	l.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// End returns the end of the sequential regions, including BSS.
func (l *Layout) End() uint64 {
	return l.cursor
}

// FileEnd returns the end of the stored regions.
func (l *Layout) FileEnd() uint64 {
	end := l.base
	for _, r := range l.Regions() {
		if (r.Section == Text || r.Section == Data) && r.End() > end {
			end = r.End()
		}
	}
	return end
}

// Limit returns the highest end address of any region.
func (l *Layout) Limit() uint64 {
	end := l.cursor
	if r, ok := l.regions.Max(); ok && r.End() > end {
		end = r.End()
	}
	return end
}
