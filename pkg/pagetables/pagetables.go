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
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"coldboot.dev/coldboot/pkg/bits"
	"coldboot.dev/coldboot/pkg/hostarch"
)

// Errors returned for invalid configurations.
var (
	// ErrRangeAlignment is returned when the range is empty or not a
	// multiple of the terminal page size.
	ErrRangeAlignment = errors.New("range is not a positive multiple of the page size")

	// ErrRangeTooLarge is returned when the range exceeds the reach of the
	// built levels.
	ErrRangeTooLarge = errors.New("range exceeds the reach of the root table")

	// ErrMisplaced is returned when a table base is misaligned or tables
	// overlap.
	ErrMisplaced = errors.New("table placement violates alignment")
)

// Memory is physical memory, addressed by offset.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Options are build options.
type Options struct {
	// Size is the length of the identity mapped range [0, Size).
	Size uint64

	// User makes the mappings user accessible.
	User bool
}

// Geometry is the table count at each built level, derived from a variant
// and options. It is computed before placement so the tables can be placed
// as separate regions.
type Geometry struct {
	Variant Variant
	Options Options

	// Tables is the number of tables at each built level.
	Tables []int

	// Entries is the number of populated entries at each built level,
	// summed over its tables.
	Entries []int
}

// NewGeometry validates opts against v and returns the tree geometry.
func NewGeometry(v Variant, opts Options) (Geometry, error) {
	s := v.Scheme()
	if opts.Size == 0 || !bits.IsAligned(opts.Size, s.PageSize()) {
		return Geometry{}, fmt.Errorf("%w: %#x, page size %#x", ErrRangeAlignment, opts.Size, s.PageSize())
	}
	if opts.Size > s.Reach() {
		return Geometry{}, fmt.Errorf("%w: %#x > %#x for %v", ErrRangeTooLarge, opts.Size, s.Reach(), v)
	}
	built := s.Built()
	g := Geometry{
		Variant: v,
		Options: opts,
		Tables:  make([]int, len(built)),
		Entries: make([]int, len(built)),
	}
	// Count from the terminal level up: each table below consumes one
	// entry above.
	n := int(opts.Size >> s.PageShift())
	for i := len(built) - 1; i >= 0; i-- {
		g.Entries[i] = n
		g.Tables[i] = (n + built[i].Entries - 1) / built[i].Entries
		n = g.Tables[i]
	}
	return g, nil
}

// Scheme returns the scheme of the geometry's variant.
func (g Geometry) Scheme() Scheme {
	return g.Variant.Scheme()
}

// LevelSize returns the bytes reserved for all tables at built level i.
func (g Geometry) LevelSize(i int) uint64 {
	return uint64(g.Tables[i]) * g.Scheme().Built()[i].Footprint()
}

// TotalSize returns the bytes needed to place every level contiguously from
// an aligned base.
func (g Geometry) TotalSize() uint64 {
	bases := g.contiguous(0)
	last := len(bases) - 1
	return bases[last] + g.LevelSize(last)
}

// contiguous returns level bases packed from base.
func (g Geometry) contiguous(base uint64) []uint64 {
	built := g.Scheme().Built()
	bases := make([]uint64, len(built))
	next := base
	for i, l := range built {
		next = bits.AlignUp(next, l.Align)
		bases[i] = next
		next += g.LevelSize(i)
	}
	return bases
}

// Tree is a built page table tree.
type Tree struct {
	Geometry

	// Bases is the address of the first table at each built level. Tables
	// within a level are contiguous.
	Bases []uint64
}

// Root returns the physical address of the root table.
func (t *Tree) Root() uint64 {
	return t.Bases[0]
}

// Table returns the address of table n at built level i.
func (t *Tree) Table(i, n int) uint64 {
	return t.Bases[i] + uint64(n)*t.Scheme().Built()[i].Footprint()
}

// Build places the tree contiguously at base and writes it to mem.
func Build(v Variant, mem Memory, base uint64, opts Options) (*Tree, error) {
	g, err := NewGeometry(v, opts)
	if err != nil {
		return nil, err
	}
	return BuildAt(mem, g, g.contiguous(base))
}

// BuildAt writes the tree described by g to mem, with each built level's
// tables starting at the corresponding entry of bases.
func BuildAt(mem Memory, g Geometry, bases []uint64) (*Tree, error) {
	s := g.Scheme()
	built := s.Built()
	if len(bases) != len(built) {
		return nil, fmt.Errorf("%w: got %d level bases, want %d", ErrMisplaced, len(bases), len(built))
	}
	for i, l := range built {
		if !bits.IsAligned(bases[i], l.Align) {
			return nil, fmt.Errorf("%w: %s tables at %#x, alignment %#x", ErrMisplaced, l.Name, bases[i], l.Align)
		}
		for j := 0; j < i; j++ {
			a := hostarch.AddrRange{Start: hostarch.Addr(bases[i]), End: hostarch.Addr(bases[i] + g.LevelSize(i))}
			b := hostarch.AddrRange{Start: hostarch.Addr(bases[j]), End: hostarch.Addr(bases[j] + g.LevelSize(j))}
			if a.Overlaps(b) {
				return nil, fmt.Errorf("%w: %s tables %v overlap %s tables %v", ErrMisplaced, l.Name, a, built[j].Name, b)
			}
		}
	}
	t := &Tree{Geometry: g, Bases: bases}
	var err error
	if s.PAE {
		err = build[PTE](mem, t)
	} else {
		err = build[LegacyPTE](mem, t)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// build populates every built level.
//
// Entry g of a level (counted across all of its tables) either references
// table g of the level below, or maps the page at g<<Shift. Both addresses
// are recomputed from g, so the chained tables cannot drift.
func build[E Entry](mem Memory, t *Tree) error {
	built := t.Scheme().Built()
	perm := MapOpts{Writable: true, User: t.Options.User}
	size := entrySize[E]()
	buf := make([]byte, hostarch.PageSize)
	for i, l := range built {
		terminal := i == len(built)-1
		var childShift uint
		if !terminal {
			childShift = bits.Log2(built[i+1].Footprint())
		}
		for tbl := 0; tbl < t.Tables[i]; tbl++ {
			b := buf[:l.Footprint()]
			clear(b)
			for j := 0; j < l.Entries; j++ {
				g := uint64(tbl*l.Entries + j)
				if g >= uint64(t.Entries[i]) {
					break
				}
				var e E
				if terminal {
					e = hugeEntry[E](g<<l.Shift, 1<<l.Shift, perm)
				} else {
					var flags uint64
					if !l.PointerOnly {
						flags = permBits(perm)
					}
					e = tableEntry[E](t.Bases[i+1]+g<<childShift, flags)
				}
				putEntry(b[j*size:], e)
			}
			if _, err := mem.WriteAt(b, int64(t.Table(i, tbl))); err != nil {
				return fmt.Errorf("writing %s table %d at %#x: %w", l.Name, tbl, t.Table(i, tbl), err)
			}
		}
	}
	return nil
}

func putEntry[E Entry](b []byte, e E) {
	if entrySize[E]() == 4 {
		binary.LittleEndian.PutUint32(b, uint32(e))
		return
	}
	binary.LittleEndian.PutUint64(b, uint64(e))
}

// readEntry reads an entry of the given width.
func readEntry(mem Memory, addr uint64, size int) (uint64, error) {
	var b [8]byte
	if _, err := mem.ReadAt(b[:size], int64(addr)); err != nil {
		return 0, fmt.Errorf("reading entry at %#x: %w", addr, err)
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b[:4])), nil
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
