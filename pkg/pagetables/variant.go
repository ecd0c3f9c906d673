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

package pagetables

import (
	"fmt"

	"coldboot.dev/coldboot/pkg/hostarch"
)

// Variant selects the paging scheme. The set is closed and fixed at build
// time.
type Variant int

const (
	// Legacy32 is two-level 32-bit paging with 4 MiB pages (PSE).
	Legacy32 Variant = iota

	// PAE32 is three-level PAE paging with 2 MiB pages.
	PAE32

	// Long2M is four-level long mode paging with 2 MiB pages.
	Long2M

	// Long1G is four-level long mode paging with 1 GiB pages.
	Long1G
)

// Variants lists every variant.
var Variants = []Variant{Legacy32, PAE32, Long2M, Long1G}

var variantNames = map[Variant]string{
	Legacy32: "legacy32",
	PAE32:    "pae32",
	Long2M:   "long2m",
	Long1G:   "long1g",
}

// String implements fmt.Stringer.String.
func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant parses a variant name.
func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants {
		if variantNames[v] == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown paging variant %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	if _, ok := variantNames[v]; !ok {
		return nil, fmt.Errorf("unknown paging variant %d", int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	p, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

// Set implements flag.Value.
func (v *Variant) Set(s string) error {
	return v.UnmarshalText([]byte(s))
}

// Get implements flag.Getter.
func (v *Variant) Get() any {
	return *v
}

// Level describes one level of a paging hierarchy.
type Level struct {
	// Name is the conventional name of the level.
	Name string

	// Shift is the number of address bits translated below this level;
	// one entry spans 1<<Shift bytes.
	Shift uint

	// Entries is the number of entries a table at this level holds. It is
	// also the number of entries the builder may populate.
	Entries int

	// Capacity is the number of entries the hardware indexes, and thus the
	// footprint reserved for a table.
	Capacity int

	// EntrySize is the entry width in bytes.
	EntrySize int

	// Align is the required table alignment.
	Align uint64

	// Super is true if entries at this level may map pages directly.
	Super bool

	// PointerOnly is true if table references at this level carry only the
	// present bit. PAE page directory pointers reserve the permission bits.
	PointerOnly bool
}

// Size returns the populated size of a table in bytes.
func (l Level) Size() uint64 {
	return uint64(l.Entries * l.EntrySize)
}

// Footprint returns the reserved size of a table in bytes.
func (l Level) Footprint() uint64 {
	return uint64(l.Capacity * l.EntrySize)
}

// Span returns the bytes mapped by a full table.
func (l Level) Span() uint64 {
	return uint64(l.Entries) << l.Shift
}

// index returns the index of va at this level.
func (l Level) index(va uint64) int {
	return int((va >> l.Shift) & uint64(l.Capacity-1))
}

// Scheme is the static description of a variant.
type Scheme struct {
	// Levels are the hardware levels, root first, down to 4 KiB tables.
	Levels []Level

	// Terminal is the index in Levels of the level holding large pages.
	// Levels below it are never built.
	Terminal int

	// PAE is true if the entries use the 64-bit format.
	PAE bool

	// LongMode is true if the tables are only valid in long mode.
	LongMode bool
}

// Depth returns the hardware depth of the hierarchy.
func (s Scheme) Depth() int {
	return len(s.Levels)
}

// Root returns the root level.
func (s Scheme) Root() Level {
	return s.Levels[0]
}

// Built returns the levels that are populated by the builder.
func (s Scheme) Built() []Level {
	return s.Levels[:s.Terminal+1]
}

// PageShift returns the shift of the terminal page size.
func (s Scheme) PageShift() uint {
	return s.Levels[s.Terminal].Shift
}

// PageSize returns the terminal page size.
func (s Scheme) PageSize() uint64 {
	return 1 << s.PageShift()
}

// Reach returns the largest range the built levels can map.
func (s Scheme) Reach() uint64 {
	return s.Root().Span()
}

// EntrySize returns the entry width in bytes.
func (s Scheme) EntrySize() int {
	return s.Root().EntrySize
}

// Level constructors. Subordinate tables are always one page.
func legacyLevel(name string, shift uint, super bool) Level {
	return Level{
		Name:      name,
		Shift:     shift,
		Entries:   1024,
		Capacity:  1024,
		EntrySize: 4,
		Align:     hostarch.PageSize,
		Super:     super,
	}
}

func paeLevel(name string, shift uint, super bool) Level {
	return Level{
		Name:      name,
		Shift:     shift,
		Entries:   512,
		Capacity:  512,
		EntrySize: 8,
		Align:     hostarch.PageSize,
		Super:     super,
	}
}

var schemes = map[Variant]Scheme{
	Legacy32: {
		Levels: []Level{
			legacyLevel("PD", hostarch.LegacyHugePageShift, true),
			legacyLevel("PT", hostarch.PageShift, false),
		},
		Terminal: 0,
	},
	PAE32: {
		Levels: []Level{
			{
				Name:        "PDPT",
				Shift:       hostarch.GiantPageShift,
				Entries:     4,
				Capacity:    4,
				EntrySize:   8,
				Align:       32,
				PointerOnly: true,
			},
			paeLevel("PD", hostarch.HugePageShift, true),
			paeLevel("PT", hostarch.PageShift, false),
		},
		Terminal: 1,
		PAE:      true,
	},
	Long2M: {
		Levels: []Level{
			pml4,
			paeLevel("PDPT", hostarch.GiantPageShift, true),
			paeLevel("PD", hostarch.HugePageShift, true),
			paeLevel("PT", hostarch.PageShift, false),
		},
		Terminal: 2,
		PAE:      true,
		LongMode: true,
	},
	Long1G: {
		Levels: []Level{
			pml4,
			paeLevel("PDPT", hostarch.GiantPageShift, true),
			paeLevel("PD", hostarch.HugePageShift, true),
			paeLevel("PT", hostarch.PageShift, false),
		},
		Terminal: 1,
		PAE:      true,
		LongMode: true,
	},
}

// pml4 is the four-level root. A single entry covers the 512 GiB the builder
// can map, but the hardware indexes a full page and requires page alignment
// for CR3.
var pml4 = Level{
	Name:      "PML4",
	Shift:     39,
	Entries:   1,
	Capacity:  512,
	EntrySize: 8,
	Align:     hostarch.PageSize,
}

// Scheme returns the static description of v.
//
// It panics for unknown variants.
func (v Variant) Scheme() Scheme {
	s, ok := schemes[v]
	if !ok {
		panic(fmt.Sprintf("unknown variant %v", v))
	}
	return s
}

// LongMode returns true if v requires long mode.
func (v Variant) LongMode() bool {
	return v.Scheme().LongMode
}

// PAE returns true if v uses the 64-bit entry format.
func (v Variant) PAE() bool {
	return v.Scheme().PAE
}

// PageSize returns the terminal page size of v.
func (v Variant) PageSize() uint64 {
	return v.Scheme().PageSize()
}
